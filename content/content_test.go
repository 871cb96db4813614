package content

import "testing"

// TestKeyRoundTrip verifies that composite keys split back into their parts.
func TestKeyRoundTrip(t *testing.T) {
	key := Key(CategoryDocuments, "doc-1")
	if key != "documents:doc-1" {
		t.Errorf("expected documents:doc-1, got %s", key)
	}

	cat, id := SplitKey(key)
	if cat != CategoryDocuments || id != "doc-1" {
		t.Errorf("expected (documents, doc-1), got (%s, %s)", cat, id)
	}
}

// TestSplitKeyWithColonsInID verifies that ids containing colons survive.
func TestSplitKeyWithColonsInID(t *testing.T) {
	cat, id := SplitKey("covers:doc:1:page:2")
	if cat != "covers" || id != "doc:1:page:2" {
		t.Errorf("expected (covers, doc:1:page:2), got (%s, %s)", cat, id)
	}
}

// TestParsePriority verifies priority parsing including the low default.
func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"high":    PriorityHigh,
		"HIGH":    PriorityHigh,
		"medium":  PriorityMedium,
		"low":     PriorityLow,
		"unknown": PriorityLow,
		"":        PriorityLow,
	}
	for input, want := range cases {
		if got := ParsePriority(input); got != want {
			t.Errorf("ParsePriority(%q) = %v, want %v", input, got, want)
		}
	}
}

// TestPriorityTextRoundTrip verifies the TextMarshaler round trip.
func TestPriorityTextRoundTrip(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityMedium, PriorityHigh} {
		text, err := p.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText: %v", err)
		}
		var back Priority
		if err := back.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText: %v", err)
		}
		if back != p {
			t.Errorf("round trip: got %v, want %v", back, p)
		}
	}
}

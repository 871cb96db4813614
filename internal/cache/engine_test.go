package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sheetbox/content"
	"sheetbox/internal/config"
	"sheetbox/internal/netprobe"
	"sheetbox/internal/store"
)

func newTestEngine(t *testing.T, speed netprobe.Speed, quota int64) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	e, err := NewEngine(context.Background(), st, nil, quota, func() netprobe.Speed { return speed })
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, st
}

type doc struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TestSetGetRoundTrip verifies set followed by get returns an equal value.
func TestSetGetRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t, netprobe.SpeedMedium, 0)
	ctx := context.Background()

	in := doc{ID: "d1", Name: "Multiplication tables"}
	if err := e.Set(ctx, content.CategoryDocuments, "d1", in, SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var out doc
	ok, err := e.Get(ctx, content.CategoryDocuments, "d1", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected fresh hit immediately after Set")
	}
	if out != in {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

// TestGetUpdatesAccessMetadata verifies read hits bump access counters.
func TestGetUpdatesAccessMetadata(t *testing.T) {
	e, _ := newTestEngine(t, netprobe.SpeedMedium, 0)
	ctx := context.Background()

	_ = e.Set(ctx, content.CategoryDocuments, "d1", doc{ID: "d1"}, SetOptions{})

	var out doc
	_, _ = e.Get(ctx, content.CategoryDocuments, "d1", &out)
	_, _ = e.Get(ctx, content.CategoryDocuments, "d1", &out)

	entry, ok, err := e.Entry(ctx, content.CategoryDocuments, "d1")
	if err != nil || !ok {
		t.Fatalf("Entry: ok=%v err=%v", ok, err)
	}
	if entry.AccessCount != 2 {
		t.Errorf("expected access count 2, got %d", entry.AccessCount)
	}
}

// TestTTLBoundary verifies an entry is a fresh hit just under its max age and
// a freshness miss just over it, adjusted by network speed.
func TestTTLBoundary(t *testing.T) {
	cases := []struct {
		speed netprobe.Speed
		// documents base TTL is 10m; slow doubles, fast halves.
		adjusted time.Duration
	}{
		{netprobe.SpeedMedium, 10 * time.Minute},
		{netprobe.SpeedSlow, 20 * time.Minute},
		{netprobe.SpeedFast, 5 * time.Minute},
	}

	for _, tc := range cases {
		t.Run(string(tc.speed), func(t *testing.T) {
			e, _ := newTestEngine(t, tc.speed, 0)
			ctx := context.Background()

			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			now := base
			e.SetClock(func() time.Time { return now })

			_ = e.Set(ctx, content.CategoryDocuments, "d1", doc{ID: "d1"}, SetOptions{})

			var out doc
			now = base.Add(tc.adjusted - time.Second)
			ok, _ := e.Get(ctx, content.CategoryDocuments, "d1", &out)
			if !ok {
				t.Errorf("expected fresh hit at maxAge-1s")
			}

			now = base.Add(tc.adjusted + time.Second)
			ok, _ = e.Get(ctx, content.CategoryDocuments, "d1", &out)
			if ok {
				t.Errorf("expected freshness miss at maxAge+1s")
			}

			// The stale entry is ignored, not deleted: GetStale still serves it.
			ok, _ = e.GetStale(ctx, content.CategoryDocuments, "d1", &out)
			if !ok {
				t.Errorf("expected stale entry to remain available via GetStale")
			}
		})
	}
}

// TestChecksumTamperEvicts verifies corrupting stored bytes causes the next
// read to miss and remove the entry.
func TestChecksumTamperEvicts(t *testing.T) {
	e, st := newTestEngine(t, netprobe.SpeedMedium, 0)
	ctx := context.Background()

	_ = e.Set(ctx, content.CategoryDocuments, "d1", doc{ID: "d1", Name: "original"}, SetOptions{})

	// Tamper with the stored payload while keeping the old checksum.
	key := content.Key(content.CategoryDocuments, "d1")
	raw, ok, err := st.GetRaw(ctx, store.TableCache, key)
	if err != nil || !ok {
		t.Fatalf("GetRaw: ok=%v err=%v", ok, err)
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	envelope["data"] = json.RawMessage(`{"id":"d1","name":"tampered"}`)
	tampered, _ := json.Marshal(envelope)
	if err := st.PutRaw(ctx, store.TableCache, key, tampered); err != nil {
		t.Fatalf("PutRaw: %v", err)
	}

	var out doc
	ok, err = e.Get(ctx, content.CategoryDocuments, "d1", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected tampered entry to miss")
	}

	// The corrupt entry must be gone entirely, not just ignored.
	if _, ok, _ := st.GetRaw(ctx, store.TableCache, key); ok {
		t.Error("expected tampered entry to be evicted from the store")
	}
}

// TestEvictionSparesHighPriority verifies low-priority entries are always
// evicted before any high-priority entry.
func TestEvictionSparesHighPriority(t *testing.T) {
	// Small quota so a handful of entries crosses the threshold.
	e, _ := newTestEngine(t, netprobe.SpeedMedium, 4096)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	e.SetClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	})

	_ = e.Set(ctx, content.CategoryDocuments, "keep", doc{ID: "keep", Name: "important"}, SetOptions{
		Priority: content.PriorityHigh, HasPriority: true,
	})

	// Flood with low-priority entries until eviction passes have run.
	for i := 0; i < 40; i++ {
		id := fmt.Sprintf("low-%d", i)
		err := e.Set(ctx, content.CategoryCovers, id, doc{ID: id, Name: "padding padding padding padding"}, SetOptions{
			Priority: content.PriorityLow, HasPriority: true,
		})
		if err != nil {
			t.Fatalf("Set %s: %v", id, err)
		}
	}

	keys, err := e.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	lowRemaining := 0
	highPresent := false
	for _, k := range keys {
		cat, id := content.SplitKey(k)
		if cat == content.CategoryDocuments && id == "keep" {
			highPresent = true
		}
		if cat == content.CategoryCovers {
			lowRemaining++
		}
	}

	if len(keys) >= 41 {
		t.Fatal("expected eviction to have removed entries")
	}
	if lowRemaining > 0 && !highPresent {
		t.Error("high-priority entry evicted while low-priority entries remain")
	}
}

// TestCategoryBudgetEvictsOldest verifies a per-category byte budget trims
// the least recently accessed entries of that category, leaving other
// categories alone.
func TestCategoryBudgetEvictsOldest(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	strategies := config.DefaultStrategies()
	covers := strategies[content.CategoryCovers]
	// Room for two of the fixed-size payloads below, not three.
	covers.MaxSize = 120
	strategies[content.CategoryCovers] = covers

	e, err := NewEngine(ctx, st, strategies, 0, func() netprobe.Speed { return netprobe.SpeedMedium })
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	e.SetClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	})

	_ = e.Set(ctx, content.CategoryDocuments, "d1", doc{ID: "d1", Name: "unrelated"}, SetOptions{})

	padding := strings.Repeat("x", 30)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("c%d", i)
		if err := e.Set(ctx, content.CategoryCovers, id, doc{ID: id, Name: padding}, SetOptions{}); err != nil {
			t.Fatalf("Set %s: %v", id, err)
		}
	}

	var out doc
	if ok, _ := e.GetStale(ctx, content.CategoryCovers, "c0", &out); ok {
		t.Error("expected oldest cover evicted by the category budget")
	}
	for _, id := range []string{"c1", "c2"} {
		if ok, _ := e.GetStale(ctx, content.CategoryCovers, id, &out); !ok {
			t.Errorf("expected %s retained within the budget", id)
		}
	}
	if ok, _ := e.GetStale(ctx, content.CategoryDocuments, "d1", &out); !ok {
		t.Error("expected other categories untouched by the covers budget")
	}
}

// TestUnknownCategoryGetsDefaultStrategy verifies unknown categories still work.
func TestUnknownCategoryGetsDefaultStrategy(t *testing.T) {
	e, _ := newTestEngine(t, netprobe.SpeedMedium, 0)
	ctx := context.Background()

	if err := e.Set(ctx, "experimental", "x1", doc{ID: "x1"}, SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var out doc
	ok, err := e.Get(ctx, "experimental", "x1", &out)
	if err != nil || !ok {
		t.Errorf("expected hit for unknown category, ok=%v err=%v", ok, err)
	}
	if got := e.AdjustedMaxAge("experimental"); got != 5*time.Minute {
		t.Errorf("expected default 5m TTL for unknown category at medium speed, got %v", got)
	}
}

// TestGraphSurvivesRestart verifies dependency edges are rebuilt from the store.
func TestGraphSurvivesRestart(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	speed := func() netprobe.Speed { return netprobe.SpeedMedium }

	e1, err := NewEngine(ctx, st, nil, 0, speed)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	_ = e1.Set(ctx, content.CategoryDocuments, "d1", doc{ID: "d1"}, SetOptions{})
	_ = e1.Set(ctx, content.CategoryCovers, "c1", doc{ID: "c1"}, SetOptions{
		Dependencies: []string{content.Key(content.CategoryDocuments, "d1")},
	})

	// Second engine over the same store simulates a process restart.
	e2, err := NewEngine(ctx, st, nil, 0, speed)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	deps := e2.Dependents(content.CategoryDocuments, "d1")
	if len(deps) != 1 || deps[0] != content.Key(content.CategoryCovers, "c1") {
		t.Errorf("expected rebuilt dependent covers:c1, got %v", deps)
	}
}

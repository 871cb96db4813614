package utils

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestErrorWithSuggestionFormat verifies the error message includes the suggestion.
func TestErrorWithSuggestionFormat(t *testing.T) {
	err := WrapWithSuggestion(errors.New("boom"), "try again")
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected message to contain cause, got %q", err.Error())
	}
	if !strings.Contains(err.Error(), "Suggestion: try again") {
		t.Errorf("expected message to contain suggestion, got %q", err.Error())
	}
}

// TestErrorWithSuggestionUnwrap verifies errors.Is works through the wrapper.
func TestErrorWithSuggestionUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := WrapWithSuggestion(fmt.Errorf("context: %w", cause), "do something")
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the root cause through the wrapper")
	}
}

// TestSmartSuggestions verifies context-aware suggestions for offline errors.
func TestSmartSuggestions(t *testing.T) {
	cases := []struct {
		reason string
		want   string
	}{
		{"dial tcp: lookup example.com: no such host", "DNS"},
		{"connection refused", "server is running"},
		{"i/o timeout", "offline"},
		{"something else entirely", "internet connection"},
	}

	for _, tc := range cases {
		err := ErrRemoteOffline(tc.reason)
		var sugg *ErrorWithSuggestion
		if !errors.As(err, &sugg) {
			t.Fatalf("expected ErrorWithSuggestion, got %T", err)
		}
		if !strings.Contains(sugg.GetSuggestion(), tc.want) {
			t.Errorf("reason %q: expected suggestion containing %q, got %q", tc.reason, tc.want, sugg.GetSuggestion())
		}
	}
}

// TestErrInvalidStrategyListsOptions verifies valid options appear in the suggestion.
func TestErrInvalidStrategyListsOptions(t *testing.T) {
	err := ErrInvalidStrategy("bogus", []string{"client-wins", "server-wins", "merge"})
	if !strings.Contains(err.Error(), "client-wins, server-wins, merge") {
		t.Errorf("expected suggestion to list valid strategies, got %q", err.Error())
	}
}

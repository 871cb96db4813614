package utils

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorWithSuggestion wraps an error with a user-friendly suggestion.
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

// Error implements the error interface.
func (e *ErrorWithSuggestion) Error() string {
	return fmt.Sprintf("%s\n\nSuggestion: %s", e.Err.Error(), e.Suggestion)
}

// GetSuggestion returns the suggestion text.
func (e *ErrorWithSuggestion) GetSuggestion() string {
	return e.Suggestion
}

// Unwrap returns the underlying error for error chain support.
func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// WrapWithSuggestion wraps an existing error with a suggestion.
func WrapWithSuggestion(err error, suggestion string) error {
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}

// ErrDocumentNotFound returns an error for when a document is not found.
func ErrDocumentNotFound(id string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("document not found: %s", id),
		Suggestion: "Run 'sheetbox sync' to refresh the local library",
	}
}

// ErrSyncNotEnabled returns an error when sync is not configured.
func ErrSyncNotEnabled() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("sync is not enabled"),
		Suggestion: "Enable sync in your config file under the 'sync' section",
	}
}

// ErrRemoteOffline returns an error when the remote service is unreachable
// with a context-aware suggestion.
func ErrRemoteOffline(reason string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("remote service is offline: %s", reason),
		Suggestion: getSmartSuggestion(reason),
	}
}

// getSmartSuggestion returns a context-aware suggestion based on the error reason.
func getSmartSuggestion(reason string) string {
	lowerReason := strings.ToLower(reason)

	if strings.Contains(lowerReason, "no such host") || strings.Contains(lowerReason, "dns") {
		return "Check your DNS settings and internet connection"
	}

	if strings.Contains(lowerReason, "connection refused") {
		return "Check if the server is running and accessible"
	}

	if strings.Contains(lowerReason, "timeout") || strings.Contains(lowerReason, "i/o timeout") {
		return "The server may be slow or unreachable. Cached data remains available offline"
	}

	return "Check your internet connection and try again"
}

// ErrConflictNotFound returns an error for an unknown conflict id.
func ErrConflictNotFound(id string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("conflict not found: %s", id),
		Suggestion: "Run 'sheetbox conflicts' to list unresolved conflicts",
	}
}

// ErrInvalidStrategy returns an error for an invalid resolution strategy.
func ErrInvalidStrategy(strategy string, valid []string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid resolution strategy: %s", strategy),
		Suggestion: fmt.Sprintf("Valid options: %s", strings.Join(valid, ", ")),
	}
}

// ErrCredentialsNotFound returns an error when credentials are missing.
func ErrCredentialsNotFound(user string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("credentials not found for user %s", user),
		Suggestion: "Run 'sheetbox credentials set' to store an API token",
	}
}

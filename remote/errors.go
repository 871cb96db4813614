package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrConflict is the sentinel matched by errors.Is for write conflicts.
var ErrConflict = errors.New("write conflict")

// ConflictError reports that the server rejected a write because its state
// diverged from the client's expected base state. ServerData carries the
// server's current copy for conflict resolution.
type ConflictError struct {
	Table      string
	ID         string
	ServerData json.RawMessage
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Table == "" {
		return "write conflict"
	}
	return fmt.Sprintf("write conflict for %s/%s", e.Table, e.ID)
}

// Is lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// HTTPError reports a non-2xx response from the remote service.
type HTTPError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether an error is a transient network fault worth
// retrying: timeouts, 429, and 5xx. Other 4xx responses are terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}

	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection-level failures (refused, reset, unreachable) are transient.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

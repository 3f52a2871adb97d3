package budget

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy shared by the cache, the log, the gateway and the engine.
var (
	ErrNotFound         = errors.New("not found")
	ErrTransientNetwork = errors.New("transient network failure")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrCursorInvalid    = errors.New("delta cursor invalid")
	ErrEntityConflict   = errors.New("entity conflict")
	ErrEntityRejected   = errors.New("entity rejected")
	ErrCacheCorrupt     = errors.New("cache corrupt")
	ErrLogCorrupt       = errors.New("pending operation log corrupt")
	ErrInvalidMutation  = errors.New("invalid mutation")
)

// RejectedError is a definitive refusal of a mutation by the server.
type RejectedError struct {
	StatusCode int
	ErrorID    string
	Name       string
	Detail     string
}

func (e *RejectedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("rejected (%d %s): %s", e.StatusCode, e.Name, e.Detail)
	}
	return fmt.Sprintf("rejected (%d %s)", e.StatusCode, e.Name)
}

// Unwrap makes a rejection match ErrEntityRejected, and ErrEntityConflict
// when the server reported a conflict.
func (e *RejectedError) Unwrap() []error {
	if e.StatusCode == http.StatusConflict {
		return []error{ErrEntityRejected, ErrEntityConflict}
	}
	return []error{ErrEntityRejected}
}

// IsRetriable reports whether err should leave an operation queued for
// another attempt.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, context.DeadlineExceeded)
}

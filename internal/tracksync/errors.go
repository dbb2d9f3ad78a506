package tracksync

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrConflictUnresolved   = errors.New("conflict unresolved")
	ErrTransitionNotAllowed = errors.New("status transition not allowed")
)

// TransientRemoteError marks a remote failure worth retrying: network
// errors, timeouts, rate limiting and 5xx responses.
type TransientRemoteError struct {
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientRemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient remote failure (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient remote failure: %v", e.Op, e.Err)
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

func (e *TransientRemoteError) Transient() bool { return true }

// RetryAfterHint exposes the server's Retry-After value to the retry loop.
func (e *TransientRemoteError) RetryAfterHint() time.Duration { return e.RetryAfter }

// PermanentRemoteError is returned for validation, authorization and other
// failures that retrying cannot fix.
type PermanentRemoteError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *PermanentRemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: remote rejected request (status %d, %s): %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: remote rejected request (status %d): %s", e.Op, e.StatusCode, e.Message)
}

func (e *PermanentRemoteError) Transient() bool { return false }

func (e *PermanentRemoteError) Is(target error) bool {
	if target == ErrNotFound {
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// MappingError is a non-fatal warning from the field mapper. The offending
// value has already been replaced with Default.
type MappingError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Default any    `json:"default,omitempty"`
	Reason  string `json:"reason"`
}

func (e MappingError) Error() string {
	return fmt.Sprintf("field %s: %s (value %v, using %v)", e.Field, e.Reason, e.Value, e.Default)
}

// ConflictUnresolvedError is returned when a sync is parked for manual review.
type ConflictUnresolvedError struct {
	EntityID   string
	DeferralID string
	Fields     []string
}

func (e *ConflictUnresolvedError) Error() string {
	return fmt.Sprintf("entity %s: conflict on %v deferred for manual review (deferral %s)", e.EntityID, e.Fields, e.DeferralID)
}

func (e *ConflictUnresolvedError) Is(target error) bool {
	return target == ErrConflictUnresolved
}

// Side names which store holds the authoritative pending delta after a
// failed or partial sync.
type Side string

const (
	SideNone   Side = ""
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// SyncError wraps a failure of one orchestration stage.
type SyncError struct {
	EntityID string
	Stage    string
	Pending  Side
	Err      error
}

func (e *SyncError) Error() string {
	if e.Pending == SideNone {
		return fmt.Sprintf("sync %s: %s failed: %v", e.EntityID, e.Stage, e.Err)
	}
	return fmt.Sprintf("sync %s: %s failed, pending delta on %s side: %v", e.EntityID, e.Stage, e.Pending, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

package setlist

import (
	"errors"
	"fmt"
)

var (
	ErrAuthRequired     = errors.New("authentication required")
	ErrPermissionDenied = errors.New("permission denied")
)

// Sync error codes.
const (
	CodeUnavailable      = "unavailable"
	CodeNotFound         = "not-found"
	CodePermissionDenied = "permission-denied"
	CodeDeadline         = "deadline-exceeded"
	CodeCanceled         = "canceled"
	CodeUnknown          = "unknown"
)

// SyncError is a failure reported by the remote store. It is kept as
// session state until cleared.
type SyncError struct {
	Message string
	Code    string
	Err     error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *SyncError) Unwrap() error { return e.Err }

func NewSyncError(msg, code string, err error) *SyncError {
	return &SyncError{Message: msg, Code: code, Err: err}
}

// ValidationError rejects malformed input before anything is written.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

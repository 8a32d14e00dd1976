package models

import (
	"errors"
	"fmt"
	"net/http"
)

// SyncErrorClass buckets remote failures for retry policy. Network errors
// are transient and eligible for automatic requeue; the rest wait for
// manual intervention or a re-edit.
type SyncErrorClass string

const (
	ClassNetwork    SyncErrorClass = "network"
	ClassValidation SyncErrorClass = "validation"
	ClassNotFound   SyncErrorClass = "not_found"
	ClassConflict   SyncErrorClass = "conflict"
)

// SyncError is a classified remote failure. The class is persisted on
// FAILED change records so the engine knows whether to auto-requeue.
type SyncError struct {
	Class SyncErrorClass
	Msg   string
	Err   error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return string(e.Class) + ": " + e.Msg + ": " + e.Err.Error()
	}
	return string(e.Class) + ": " + e.Msg
}

func (e *SyncError) Unwrap() error { return e.Err }

// Retryable reports whether the engine may automatically requeue a record
// that failed with this error.
func (e *SyncError) Retryable() bool { return e.Class == ClassNetwork }

// NetworkError marks a transport-level failure (connection refused, timeout,
// 5xx). The record stays FAILED until the backoff window passes.
func NetworkError(msg string, err error) *SyncError {
	return &SyncError{Class: ClassNetwork, Msg: msg, Err: err}
}

// ValidationError marks a request the hub rejected as malformed or invalid.
func ValidationError(msg string) *SyncError {
	return &SyncError{Class: ClassValidation, Msg: msg}
}

// NotFoundError marks an operation against an entity the hub does not have.
func NotFoundError(msg string) *SyncError {
	return &SyncError{Class: ClassNotFound, Msg: msg}
}

// ConflictError marks a server-side conflict, e.g. the entity was deleted
// remotely. Never auto-resolved on the client.
func ConflictError(msg string) *SyncError {
	return &SyncError{Class: ClassConflict, Msg: msg}
}

// ClassifyStatus maps an HTTP response status to a SyncError.
func ClassifyStatus(status int, body string) *SyncError {
	msg := fmt.Sprintf("hub returned %d", status)
	if body != "" {
		msg += ": " + body
	}
	switch {
	case status == http.StatusNotFound:
		return NotFoundError(msg)
	case status == http.StatusConflict:
		return ConflictError(msg)
	case status >= 500:
		return NetworkError(msg, nil)
	default:
		return ValidationError(msg)
	}
}

// ErrorClass extracts the class from err, or ClassNetwork when err is not a
// SyncError (bare transport errors are treated as transient).
func ErrorClass(err error) SyncErrorClass {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Class
	}
	return ClassNetwork
}

// RetryableClass reports whether records failed with this class may be
// requeued automatically.
func RetryableClass(class SyncErrorClass) bool {
	return class == ClassNetwork
}

// LocalWriteError is a Local Store or Change Log transaction failure. The
// enclosing operation is rejected whole; there is never a partial commit.
type LocalWriteError struct {
	Op  string
	Err error
}

func (e *LocalWriteError) Error() string {
	return "local write failed in " + e.Op + ": " + e.Err.Error()
}

func (e *LocalWriteError) Unwrap() error { return e.Err }

// RevertConflict reports a best-effort revert: the session finished, but
// some inverses could not apply or later records from another source
// depended on the reverted state. Surfaced as a warning, never silently
// dropped and never a hard abort.
type RevertConflict struct {
	// Skipped holds sequences whose inverse could not be applied
	// (e.g. the row was re-deleted underneath the session).
	Skipped []int64
	// Dependents holds sequences of foreign records that depended on
	// state this revert removed (e.g. a copy sourced from a node the
	// session created).
	Dependents []int64
}

func (c *RevertConflict) Error() string {
	return fmt.Sprintf("revert completed with conflicts: %d inverse(s) skipped, %d dependent record(s)",
		len(c.Skipped), len(c.Dependents))
}

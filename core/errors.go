package core

import (
	"errors"
	"fmt"
)

// ErrorCategory labels an error for the metrics sink.
type ErrorCategory string

const (
	CategoryValidation       ErrorCategory = "validation"
	CategoryConflict         ErrorCategory = "conflict"
	CategoryStoreUnavailable ErrorCategory = "store_unavailable"
	CategoryTransportFault   ErrorCategory = "transport_fault"
	CategoryUnknown          ErrorCategory = "unknown"
)

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrStoreUnavailable  = errors.New("room store unavailable")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotInRoom         = errors.New("session is not bound to the room")
	ErrTransportClosed   = errors.New("transport closed")
)

// ValidationError rejects malformed input; it is reported to the originator only.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError rejects an edit to a line locked by someone else.
type ConflictError struct {
	LineIndex int
	LockedBy  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("line %d is locked by %s", e.LineIndex, e.LockedBy)
}

// StoreError wraps a failed Room Store call. It matches ErrStoreUnavailable.
type StoreError struct {
	Op     string
	RoomID string
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.RoomID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// CategoryOf maps an error to its metrics category.
func CategoryOf(err error) ErrorCategory {
	var (
		validation *ValidationError
		conflict   *ConflictError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return CategoryValidation
	case errors.As(err, &conflict):
		return CategoryConflict
	case errors.Is(err, ErrStoreUnavailable):
		return CategoryStoreUnavailable
	case errors.Is(err, ErrTransportClosed):
		return CategoryTransportFault
	default:
		return CategoryUnknown
	}
}

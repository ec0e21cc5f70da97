package terminal

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrContainerUnavailable means the container is not running or the
	// terminal could not be attached to it.
	ErrContainerUnavailable = errors.New("container unavailable")
	// ErrCapacityExceeded means the session limit has been reached.
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	// ErrChannelClosed means the terminal channel is gone.
	ErrChannelClosed = errors.New("terminal channel closed")
	// ErrTimeout means an operation ran past its deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrNotFound means no live session has the given id.
	ErrNotFound = errors.New("session not found")
	// ErrSessionBusy means another consumer currently drives the session.
	ErrSessionBusy = errors.New("session busy")
	// ErrInvalidGeometry means rows or cols are out of range.
	ErrInvalidGeometry = errors.New("invalid terminal geometry")
)

// SessionError annotates a failure with the session and operation it
// belongs to.
type SessionError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func sessionErr(id, op string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{SessionID: id, Op: op, Err: err}
}

// ReasonCode maps err to a stable machine-readable code.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrContainerUnavailable):
		return "container_unavailable"
	case errors.Is(err, ErrChannelClosed):
		return "channel_closed"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrSessionBusy):
		return "session_busy"
	case errors.Is(err, ErrInvalidGeometry):
		return "invalid_argument"
	default:
		return "internal"
	}
}

// Retriable reports whether the same request may succeed later without any
// change on the caller's side.
func Retriable(err error) bool {
	switch ReasonCode(err) {
	case "capacity_exceeded", "timeout", "session_busy":
		return true
	default:
		return false
	}
}

// SessionIDOf returns the session id carried by err, if any.
func SessionIDOf(err error) string {
	var se *SessionError
	if errors.As(err, &se) {
		return se.SessionID
	}
	return ""
}

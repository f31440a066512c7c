package tasksync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrOffline          = errors.New("offline")
	ErrPermissionDenied = errors.New("permission denied")
	ErrMalformedEvent   = errors.New("malformed push event")
	ErrInvalidInput     = errors.New("invalid input")
	ErrQueueFull        = errors.New("queue full")
	ErrNotImplemented   = errors.New("not implemented")
)

// MutationError reports a server mutation that failed after its optimistic
// effect was rolled back. Draft carries the user's original input verbatim
// so the caller can restore it; nothing the user typed is lost.
type MutationError struct {
	Op     string
	Draft  CommentDraft
	Fields *TaskFields
	Err    error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

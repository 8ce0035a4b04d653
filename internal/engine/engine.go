// Package engine describes the external download daemon the relay drives.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the engine does not know a handle.
var ErrNotFound = errors.New("download not found")

// Status is the engine's coarse state of a download.
type Status string

const (
	StatusActive   Status = "active"
	StatusWaiting  Status = "waiting"
	StatusPaused   Status = "paused"
	StatusError    Status = "error"
	StatusComplete Status = "complete"
	StatusRemoved  Status = "removed"
)

// Snapshot is a point-in-time view of one download. Sizes are bytes, Speed is
// bytes per second.
type Snapshot struct {
	Status       Status
	Total        int64
	Completed    int64
	Speed        int64
	ErrorMessage string
	Files        []string
}

// Percent is 0 while the total size is still unknown.
func (s Snapshot) Percent() float64 {
	if s.Total <= 0 {
		return 0
	}

	return float64(s.Completed) * 100 / float64(s.Total)
}

func (s Snapshot) IsComplete() bool {
	return s.Status == StatusComplete
}

// Failed reports whether the engine gave up on the download on its own.
func (s Snapshot) Failed() bool {
	return s.Status == StatusError || s.Status == StatusRemoved
}

// Engine is the download daemon. Handles are opaque engine identifiers.
type Engine interface {
	Submit(ctx context.Context, url, dir, out string) (string, error)
	Poll(ctx context.Context, handle string) (Snapshot, error)
	// Cancel stops and forgets the download. Cancelling an unknown handle is a no-op.
	Cancel(ctx context.Context, handle string, deleteFiles bool) error
}

// Error is a failed engine call. It is transient from the relay's point of view.
type Error struct {
	Operation string // RPC method that failed
	Code      int    // engine error code, 0 for transport failures
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("engine error during %s (code %d): %s", e.Operation, e.Code, e.Message)
	}

	return fmt.Sprintf("engine error during %s: %s", e.Operation, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

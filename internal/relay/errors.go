package relay

import (
	"errors"
	"fmt"
)

// ErrMissingURL is returned by Submit when the request carries no URL.
var ErrMissingURL = errors.New("missing url")

// ErrShuttingDown is returned by Submit once Shutdown has started.
var ErrShuttingDown = errors.New("relay is shutting down")

// FilesystemError is a failed local file operation. Cleanup treats these as
// advisory: they are logged and never change a job's outcome.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// StreamAbortedError is returned when an upload stopped because its job was
// cancelled. It is reported as a cancellation, not a failure.
type StreamAbortedError struct {
	Name string
	Sent int64
	Err  error
}

func (e *StreamAbortedError) Error() string {
	return fmt.Sprintf("upload of %s aborted after %d bytes", e.Name, e.Sent)
}

func (e *StreamAbortedError) Unwrap() error {
	return e.Err
}

func isAborted(err error) bool {
	var aborted *StreamAbortedError

	return errors.As(err, &aborted)
}

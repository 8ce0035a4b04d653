// Package status carries per-job progress and outcome messages to whoever is
// watching a job.
package status

import (
	"context"

	"github.com/italolelis/urlrelay/internal/logctx"
)

// Sink receives the latest human-readable status of one job. cancelable tells the
// front-end whether a cancel affordance should still be offered.
type Sink interface {
	Render(ctx context.Context, text string, cancelable bool) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, text string, cancelable bool) error

func (f SinkFunc) Render(ctx context.Context, text string, cancelable bool) error {
	return f(ctx, text, cancelable)
}

// LogSink writes every render to the context logger at debug level.
type LogSink struct{}

func (LogSink) Render(ctx context.Context, text string, cancelable bool) error {
	logctx.LoggerFromContext(ctx).DebugContext(ctx, "status rendered", "text", text, "cancelable", cancelable)

	return nil
}

// Multi fans a render out to every sink, returning the first error.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, text string, cancelable bool) error {
		var first error

		for _, s := range sinks {
			if err := s.Render(ctx, text, cancelable); err != nil && first == nil {
				first = err
			}
		}

		return first
	})
}

package engine

import (
	"context"

	"github.com/italolelis/urlrelay/internal/telemetry"
)

// Instrumented wraps an Engine with client operation metrics and spans.
type Instrumented struct {
	engine    Engine
	telemetry *telemetry.Telemetry
	name      string
}

func NewInstrumented(e Engine, tel *telemetry.Telemetry, name string) *Instrumented {
	return &Instrumented{engine: e, telemetry: tel, name: name}
}

func (i *Instrumented) Submit(ctx context.Context, url, dir, out string) (string, error) {
	var handle string

	err := i.telemetry.InstrumentClientOperation(ctx, i.name, "submit", func(ctx context.Context) error {
		var err error

		handle, err = i.engine.Submit(ctx, url, dir, out)

		return err
	})

	return handle, err
}

func (i *Instrumented) Poll(ctx context.Context, handle string) (Snapshot, error) {
	var snap Snapshot

	err := i.telemetry.InstrumentClientOperation(ctx, i.name, "poll", func(ctx context.Context) error {
		var err error

		snap, err = i.engine.Poll(ctx, handle)

		return err
	})

	return snap, err
}

func (i *Instrumented) Cancel(ctx context.Context, handle string, deleteFiles bool) error {
	return i.telemetry.InstrumentClientOperation(ctx, i.name, "cancel", func(ctx context.Context) error {
		return i.engine.Cancel(ctx, handle, deleteFiles)
	})
}

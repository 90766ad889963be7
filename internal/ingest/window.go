// Package ingest implements the firehose ingestion pipeline: windowing,
// idempotent batched insertion with bounded retry, durable failure
// recording, per-stream supervision, and joint progress aggregation.
package ingest

import (
	"context"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/coachpo/estuary/errs"
	"github.com/coachpo/estuary/internal/schema"
)

// WindowConfig bounds a single accumulation window.
type WindowConfig struct {
	// MaxCount closes the window when this many events have accumulated.
	MaxCount int
	// MaxWindow closes the window when this much time has elapsed since the
	// first event of the window arrived.
	MaxWindow time.Duration
}

// Validate rejects configurations the windower cannot honour.
func (c WindowConfig) Validate() error {
	if c.MaxCount < 1 {
		return errs.New("ingest/window", errs.CodeInternal, errs.WithMessage("maxCount must be >= 1"))
	}
	if c.MaxWindow <= 0 {
		return errs.New("ingest/window", errs.CodeInternal, errs.WithMessage("maxWindow must be > 0"))
	}
	return nil
}

// Windower groups a live event sequence into bounded batches. A window
// closes when MaxCount events have accumulated or MaxWindow has elapsed
// since the window's first event, whichever comes first. An idle window
// emits nothing.
type Windower struct {
	stream schema.Stream
	table  string
	cfg    WindowConfig
	clock  clockz.Clock
}

// NewWindower constructs a windower for the named stream and destination table.
func NewWindower(stream schema.Stream, table string, cfg WindowConfig, clock clockz.Clock) (*Windower, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Windower{stream: stream, table: table, cfg: cfg, clock: clock}, nil
}

// Process consumes events until the input closes or ctx is cancelled.
// A partial window is flushed when the upstream ends; cancellation drops
// whatever is pending, since shutdown abandons in-flight work.
func (w *Windower) Process(ctx context.Context, in <-chan schema.Event) <-chan schema.Batch {
	out := make(chan schema.Batch)

	go func() {
		defer close(out)

		pending := make([]schema.Event, 0, w.cfg.MaxCount)
		timer := w.clock.NewTimer(w.cfg.MaxWindow)
		timer.Stop()

		emit := func() bool {
			batch := schema.Batch{Stream: w.stream, Table: w.table, Events: pending}
			select {
			case out <- batch:
				pending = make([]schema.Event, 0, w.cfg.MaxCount)
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return

			case evt, ok := <-in:
				if !ok {
					if len(pending) > 0 {
						emit()
					}
					return
				}
				pending = append(pending, evt)
				if len(pending) == 1 {
					timer.Reset(w.cfg.MaxWindow)
				}
				if len(pending) >= w.cfg.MaxCount {
					timer.Stop()
					if !emit() {
						return
					}
				}

			case <-timer.C():
				if len(pending) > 0 {
					if !emit() {
						return
					}
				}
			}
		}
	}()

	return out
}

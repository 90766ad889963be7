package ingest

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/coachpo/estuary/internal/observability"
	"github.com/coachpo/estuary/internal/schema"
)

// Supervisor wires windower, inserter and error sink for one named stream
// and drives the per-stream loop: waiting for a window, inserting the
// batch, and on failure recording it before resuming. The loop never
// terminates because of an insert or reporting failure; it stops only when
// the upstream ends or the context is cancelled.
type Supervisor struct {
	stream   schema.Stream
	windower *Windower
	inserter *Inserter
	errsink  *ErrorSink
	retry    RetryPolicy

	progress atomic.Uint64
	updates  chan struct{}
	done     chan struct{}
}

// NewSupervisor assembles the pipeline stages for one stream.
func NewSupervisor(stream schema.Stream, windower *Windower, inserter *Inserter, errsink *ErrorSink, retry RetryPolicy) (*Supervisor, error) {
	if err := retry.Validate(); err != nil {
		return nil, err
	}
	return &Supervisor{
		stream:   stream,
		windower: windower,
		inserter: inserter,
		errsink:  errsink,
		retry:    retry,
		updates:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Stream returns the supervised stream's name.
func (s *Supervisor) Stream() schema.Stream { return s.stream }

// Progress returns the running count of committed items. The counter is
// written only by this supervisor; readers observe atomic snapshots.
func (s *Supervisor) Progress() uint64 { return s.progress.Load() }

// Updates signals that the progress counter changed. Signals coalesce.
func (s *Supervisor) Updates() <-chan struct{} { return s.updates }

// Done closes when the supervisor has stopped.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Run consumes the stream until the input closes or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, in <-chan schema.Event) {
	defer close(s.done)

	batches := s.windower.Process(ctx, in)
	for {
		if stopped := s.consume(ctx, batches); stopped {
			observability.Log().Info("stream stopped",
				observability.F("stream", s.stream),
				observability.F("committed", s.progress.Load()))
			return
		}
		// A structural failure inside the loop is self-healing: resume
		// from the windowing boundary instead of terminating the stream.
		observability.Log().Error("pipeline loop restarted after panic",
			observability.F("stream", s.stream))
	}
}

// consume runs the state loop, reporting stopped=true when the stream has
// genuinely ended. A panic inside one iteration is recovered and surfaces
// as stopped=false so the caller restarts the loop.
func (s *Supervisor) consume(ctx context.Context, batches <-chan schema.Batch) (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			stopped = false
			observability.Log().Error("pipeline iteration panic",
				observability.F("stream", s.stream),
				observability.F("panic", fmt.Sprint(r)))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true
		case batch, ok := <-batches:
			if !ok {
				return true
			}
			s.handle(ctx, batch)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, batch schema.Batch) {
	outcome := s.inserter.Insert(ctx, batch, s.retry)
	if !outcome.Failed() {
		next := s.progress.Add(uint64(outcome.Committed))
		observability.Log().Debug("batch committed",
			observability.F("stream", s.stream),
			observability.F("rows", outcome.Committed),
			observability.F("total", next))
		select {
		case s.updates <- struct{}{}:
		default:
		}
		return
	}

	// The failed batch is recorded, never re-queued: retry already happened
	// inside the inserter, so its items are lost to the sink but durably
	// logged.
	s.errsink.Record(ctx, batch, outcome)
	observability.Log().Error("batch insert failed",
		observability.F("stream", s.stream),
		observability.F("rows", batch.Size()),
		observability.F("attempts", outcome.Attempts),
		observability.F("detail", failureDetail(outcome)))
}

func failureDetail(outcome Outcome) string {
	if outcome.Err != nil {
		return outcome.Err.Error()
	}
	return (&BatchError{Rows: outcome.RowErrors}).Error()
}

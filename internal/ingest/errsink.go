package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zoobzio/clockz"

	"github.com/coachpo/estuary/errs"
	"github.com/coachpo/estuary/internal/observability"
	"github.com/coachpo/estuary/internal/schema"
)

// ErrorStore accepts single-row inserts of error records. No idempotency is
// required of implementations.
type ErrorStore interface {
	Record(ctx context.Context, record schema.ErrorRecord) error
}

// ErrorSink durably records insert failures. Its own write has no retry:
// a failed write is downgraded to diagnostics, one secondary record
// describing the write failure is attempted, and any failure of that
// attempt goes no further than diagnostics. A failure in error reporting
// can never crash or stall the pipeline.
type ErrorSink struct {
	store ErrorStore
	diag  observability.Diagnostics
	clock clockz.Clock

	metrics *Metrics
}

// NewErrorSink constructs an error sink over the store. diag must never
// fail; metrics may be nil.
func NewErrorSink(store ErrorStore, diag observability.Diagnostics, metrics *Metrics, clock clockz.Clock) *ErrorSink {
	if diag == nil {
		diag = observability.LoggerDiagnostics{}
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	return &ErrorSink{store: store, diag: diag, clock: clock, metrics: metrics}
}

// Record normalizes the failed outcome into one error record and writes it,
// best effort.
func (s *ErrorSink) Record(ctx context.Context, batch schema.Batch, outcome Outcome) {
	record := s.normalize(batch, outcome)
	err := s.store.Record(ctx, record)
	if err == nil {
		s.metrics.recordErrorRecord(ctx, batch.Stream)
		return
	}

	s.diag.Report("error record write failed",
		observability.F("stream", batch.Stream),
		observability.F("kind", record.Kind),
		observability.F("cause", err.Error()))

	secondary := schema.NewErrorRecord(batch.Stream, "ingest/errsink", string(errs.CodeInternal),
		fmt.Sprintf("error record write failed: %v", err),
		"original: "+record.Message,
		s.clock.Now())
	if err := s.store.Record(ctx, secondary); err != nil {
		s.diag.Report("secondary error record write failed",
			observability.F("stream", batch.Stream),
			observability.F("cause", err.Error()))
		return
	}
	s.metrics.recordErrorRecord(ctx, batch.Stream)
}

// normalize folds an insert failure into a single error record, preferring
// the root cause of a wrapped transport error and joining structured
// per-row reasons otherwise.
func (s *ErrorSink) normalize(batch schema.Batch, outcome Outcome) schema.ErrorRecord {
	now := s.clock.Now()
	if outcome.Err != nil {
		root := rootCause(outcome.Err)
		context := fmt.Sprintf("table=%s batch_size=%d attempts=%d chain=%q",
			batch.Table, batch.Size(), outcome.Attempts, outcome.Err.Error())
		return schema.NewErrorRecord(batch.Stream, "ingest/inserter",
			string(errs.CodeOf(outcome.Err)), root.Error(), context, now)
	}

	parts := make([]string, 0, len(outcome.RowErrors))
	for _, row := range outcome.RowErrors {
		parts = append(parts, fmt.Sprintf("row %d: %s (%s)", row.Index, row.Message, row.Reason))
	}
	context := fmt.Sprintf("table=%s batch_size=%d attempts=%d rejected=%d",
		batch.Table, batch.Size(), outcome.Attempts, len(outcome.RowErrors))
	return schema.NewErrorRecord(batch.Stream, "ingest/inserter",
		string(errs.CodeInvalidRow), strings.Join(parts, "; "), context, now)
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

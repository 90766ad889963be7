package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/zoobzio/clockz"
	"golang.org/x/time/rate"

	"github.com/coachpo/estuary/errs"
	"github.com/coachpo/estuary/internal/schema"
)

// Sink is the batch write API of the columnar store. Insert submits rows
// together with their idempotency keys and returns the committed count.
// Implementations must dedupe rows whose key was already accepted.
type Sink interface {
	Insert(ctx context.Context, table string, rows []schema.Row, insertIDs []string) (int, error)
}

// ReasonAborted marks a row entry that was rejected only because a sibling
// row in the same request failed, not because the row itself is invalid.
const ReasonAborted = "aborted"

// RowError describes the sink's rejection of a single row.
type RowError struct {
	Index   int
	Reason  string
	Message string
}

// BatchError is a structured partial-batch failure exposing one entry per
// rejected row. It is terminal: the inserter does not retry it.
type BatchError struct {
	Rows []RowError
}

func (e *BatchError) Error() string {
	if e == nil || len(e.Rows) == 0 {
		return "batch rejected"
	}
	parts := make([]string, 0, len(e.Rows))
	for _, row := range e.Rows {
		parts = append(parts, fmt.Sprintf("row %d: %s (%s)", row.Index, row.Message, row.Reason))
	}
	return "batch rejected: " + strings.Join(parts, "; ")
}

// RetryPolicy bounds the inserter's exponential backoff schedule. The delay
// before attempt n+1 is InitialDelay * Multiplier^(n-1).
type RetryPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxAttempts  int
}

// Validate rejects policies the inserter cannot honour.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errs.New("ingest/inserter", errs.CodeInternal, errs.WithMessage("maxAttempts must be >= 1"))
	}
	if p.InitialDelay <= 0 {
		return errs.New("ingest/inserter", errs.CodeInternal, errs.WithMessage("initialDelay must be > 0"))
	}
	if p.Multiplier < 1 {
		return errs.New("ingest/inserter", errs.CodeInternal, errs.WithMessage("multiplier must be >= 1"))
	}
	return nil
}

// Outcome reports the result of one batched insert, retries included.
// Exactly one of the failure fields is populated on failure: Err for a
// transport-level error with no structural detail, RowErrors for a
// structured per-row rejection.
type Outcome struct {
	Committed int
	Attempts  int
	Err       error
	RowErrors []RowError
}

// Failed reports whether the batch was not committed.
func (o Outcome) Failed() bool {
	return o.Err != nil || len(o.RowErrors) > 0
}

const maxBackoffInterval = 30 * time.Second

// Inserter submits batches to the sink with idempotency keys, retrying
// transient failures per policy. It performs no logging itself; failure
// reporting is the supervisor's responsibility.
type Inserter struct {
	sink    Sink
	limiter *rate.Limiter
	clock   clockz.Clock
	metrics *Metrics
}

// NewInserter constructs an inserter over the sink. limiter bounds the
// request rate to the sink and may be nil; metrics may be nil.
func NewInserter(sink Sink, limiter *rate.Limiter, metrics *Metrics, clock clockz.Clock) *Inserter {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Inserter{sink: sink, limiter: limiter, clock: clock, metrics: metrics}
}

// Insert submits the whole batch as one sink request, retrying transient
// failures up to policy.MaxAttempts with exponential backoff. Cancellation
// of ctx aborts an in-flight backoff wait promptly.
func (ins *Inserter) Insert(ctx context.Context, batch schema.Batch, policy RetryPolicy) Outcome {
	if err := policy.Validate(); err != nil {
		return Outcome{Err: err}
	}

	rows := make([]schema.Row, len(batch.Events))
	for i, evt := range batch.Events {
		rows[i] = evt.Row
	}
	// Keys are derived once; a retried request re-sends the identical keys
	// so the sink can discard rows it already accepted.
	keys := batch.InsertIDs()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialDelay
	expo.Multiplier = policy.Multiplier
	expo.RandomizationFactor = 0
	expo.MaxInterval = maxBackoffInterval

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ins.limiter != nil {
			if err := ins.limiter.Wait(ctx); err != nil {
				return Outcome{Attempts: attempt - 1, Err: fmt.Errorf("rate limit wait: %w", err)}
			}
		}

		count, err := ins.sink.Insert(ctx, batch.Table, rows, keys)
		if err == nil {
			ins.metrics.recordCommit(ctx, batch.Stream, count)
			return Outcome{Committed: count, Attempts: attempt}
		}
		lastErr = err

		var batchErr *BatchError
		if errors.As(err, &batchErr) {
			ins.metrics.recordFailure(ctx, batch.Stream)
			return Outcome{Attempts: attempt, RowErrors: filterAborted(batchErr.Rows)}
		}
		if !errs.Retryable(err) {
			ins.metrics.recordFailure(ctx, batch.Stream)
			return Outcome{Attempts: attempt, Err: err}
		}
		if attempt == policy.MaxAttempts {
			break
		}

		ins.metrics.recordRetry(ctx, batch.Stream)
		sleep := expo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxBackoffInterval
		}
		timer := ins.clock.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{Attempts: attempt, Err: fmt.Errorf("insert aborted: %w", ctx.Err())}
		case <-timer.C():
		}
	}

	ins.metrics.recordFailure(ctx, batch.Stream)
	return Outcome{
		Attempts: policy.MaxAttempts,
		Err: errs.New("ingest/inserter", errs.CodeExhausted,
			errs.WithStream(string(batch.Stream)),
			errs.WithTable(batch.Table),
			errs.WithAttempts(policy.MaxAttempts),
			errs.WithMessage("retry budget exhausted"),
			errs.WithCause(lastErr)),
	}
}

// filterAborted drops entries whose reason indicates the request was merely
// aborted because a sibling row failed; only genuinely rejected rows are
// surfaced.
func filterAborted(rows []RowError) []RowError {
	kept := make([]RowError, 0, len(rows))
	for _, row := range rows {
		if row.Reason == ReasonAborted {
			continue
		}
		kept = append(kept, row)
	}
	return kept
}

package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/estuary/errs"
	"github.com/coachpo/estuary/internal/schema"
)

// fakeSink scripts one response per call; a nil entry commits the batch.
type fakeSink struct {
	mu        sync.Mutex
	responses []error
	calls     int
	keys      [][]string
	rows      [][]schema.Row
}

func (f *fakeSink) Insert(_ context.Context, _ string, rows []schema.Row, insertIDs []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, len(insertIDs))
	copy(keys, insertIDs)
	f.keys = append(f.keys, keys)
	f.rows = append(f.rows, rows)
	var err error
	if f.calls < len(f.responses) {
		err = f.responses[f.calls]
	}
	f.calls++
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (f *fakeSink) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testBatch(n int) schema.Batch {
	return schema.Batch{Stream: schema.StreamSamples, Table: schema.TableSamples, Events: makeEvents(n)}
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{InitialDelay: time.Millisecond, Multiplier: 2, MaxAttempts: attempts}
}

func netErr() error {
	return errs.New("sink/test", errs.CodeNetwork, errs.WithMessage("connection reset"))
}

func TestRetryPolicyValidate(t *testing.T) {
	cases := []struct {
		name   string
		policy RetryPolicy
		ok     bool
	}{
		{"valid", RetryPolicy{InitialDelay: time.Millisecond, Multiplier: 2, MaxAttempts: 3}, true},
		{"zero attempts", RetryPolicy{InitialDelay: time.Millisecond, Multiplier: 2, MaxAttempts: 0}, false},
		{"zero delay", RetryPolicy{InitialDelay: 0, Multiplier: 2, MaxAttempts: 1}, false},
		{"shrinking multiplier", RetryPolicy{InitialDelay: time.Millisecond, Multiplier: 0.5, MaxAttempts: 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestInserterSuccessFirstAttempt(t *testing.T) {
	sink := &fakeSink{}
	inserter := NewInserter(sink, nil, nil, nil)

	batch := testBatch(4)
	outcome := inserter.Insert(context.Background(), batch, fastPolicy(3))

	if outcome.Failed() {
		t.Fatalf("unexpected failure: %+v", outcome)
	}
	if outcome.Committed != batch.Size() {
		t.Fatalf("committed = %d, want %d", outcome.Committed, batch.Size())
	}
	if outcome.Attempts != 1 || sink.callCount() != 1 {
		t.Fatalf("attempts = %d, calls = %d", outcome.Attempts, sink.callCount())
	}
	wantKeys := batch.InsertIDs()
	for i, key := range sink.keys[0] {
		if key != wantKeys[i] {
			t.Fatalf("keys[%d] = %q, want %q", i, key, wantKeys[i])
		}
	}
}

func TestInserterRetriesTransientThenSucceeds(t *testing.T) {
	// Fails twice then succeeds on the third attempt with MaxAttempts=3.
	sink := &fakeSink{responses: []error{netErr(), netErr(), nil}}
	inserter := NewInserter(sink, nil, nil, nil)

	batch := testBatch(5)
	outcome := inserter.Insert(context.Background(), batch, fastPolicy(3))

	if outcome.Failed() {
		t.Fatalf("unexpected failure: %+v", outcome)
	}
	if outcome.Committed != 5 || outcome.Attempts != 3 {
		t.Fatalf("committed = %d attempts = %d", outcome.Committed, outcome.Attempts)
	}
	if sink.callCount() != 3 {
		t.Fatalf("calls = %d, want 3", sink.callCount())
	}
	// Idempotency: every retry must re-send the identical key set.
	for call := 1; call < len(sink.keys); call++ {
		for i := range sink.keys[call] {
			if sink.keys[call][i] != sink.keys[0][i] {
				t.Fatalf("call %d sent key %q, first call sent %q", call, sink.keys[call][i], sink.keys[0][i])
			}
		}
	}
}

func TestInserterExhaustsRetryBudget(t *testing.T) {
	sink := &fakeSink{responses: []error{netErr(), netErr(), netErr(), netErr()}}
	inserter := NewInserter(sink, nil, nil, nil)

	outcome := inserter.Insert(context.Background(), testBatch(2), fastPolicy(3))

	if !outcome.Failed() {
		t.Fatal("expected failure")
	}
	if sink.callCount() != 3 || outcome.Attempts != 3 {
		t.Fatalf("calls = %d attempts = %d, want 3", sink.callCount(), outcome.Attempts)
	}
	if errs.CodeOf(outcome.Err) != errs.CodeExhausted {
		t.Fatalf("code = %q, want %q", errs.CodeOf(outcome.Err), errs.CodeExhausted)
	}
	if len(outcome.RowErrors) != 0 {
		t.Fatalf("transport failure must carry no row detail: %+v", outcome.RowErrors)
	}
}

func TestInserterStructuredFailureNotRetried(t *testing.T) {
	batchErr := &BatchError{Rows: []RowError{
		{Index: 0, Reason: "invalid", Message: "score out of range"},
		{Index: 1, Reason: ReasonAborted, Message: "aborted due to other rows"},
		{Index: 2, Reason: "invalid", Message: "missing author"},
	}}
	sink := &fakeSink{responses: []error{batchErr}}
	inserter := NewInserter(sink, nil, nil, nil)

	outcome := inserter.Insert(context.Background(), testBatch(3), fastPolicy(5))

	if !outcome.Failed() || outcome.Err != nil {
		t.Fatalf("expected structured failure, got %+v", outcome)
	}
	if sink.callCount() != 1 {
		t.Fatalf("structured rejection retried: calls = %d", sink.callCount())
	}
	if len(outcome.RowErrors) != 2 {
		t.Fatalf("aborted sibling entries not filtered: %+v", outcome.RowErrors)
	}
	for _, row := range outcome.RowErrors {
		if row.Reason == ReasonAborted {
			t.Fatalf("aborted entry surfaced: %+v", row)
		}
	}
}

func TestInserterNonRetryableTransport(t *testing.T) {
	fatal := errs.New("sink/test", errs.CodeInternal, errs.WithMessage("schema mismatch"))
	sink := &fakeSink{responses: []error{fatal}}
	inserter := NewInserter(sink, nil, nil, nil)

	outcome := inserter.Insert(context.Background(), testBatch(1), fastPolicy(5))

	if !outcome.Failed() || sink.callCount() != 1 {
		t.Fatalf("non-retryable error must fail fast: calls = %d", sink.callCount())
	}
	if !errors.Is(outcome.Err, fatal) {
		t.Fatalf("outcome err = %v", outcome.Err)
	}
}

func TestInserterAbortsBackoffOnCancel(t *testing.T) {
	sink := &fakeSink{responses: []error{netErr(), netErr(), netErr()}}
	inserter := NewInserter(sink, nil, nil, nil)
	policy := RetryPolicy{InitialDelay: 10 * time.Second, Multiplier: 2, MaxAttempts: 3}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		done <- inserter.Insert(ctx, testBatch(1), policy)
	}()

	// Let the first attempt fail, then cancel mid-backoff.
	for sink.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case outcome := <-done:
		if !errors.Is(outcome.Err, context.Canceled) {
			t.Fatalf("outcome err = %v, want context.Canceled", outcome.Err)
		}
		if sink.callCount() != 1 {
			t.Fatalf("calls = %d, want 1", sink.callCount())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not abort the backoff wait")
	}
}

func TestInserterWithRateLimiter(t *testing.T) {
	sink := &fakeSink{}
	inserter := NewInserter(sink, rate.NewLimiter(rate.Inf, 0), nil, nil)

	outcome := inserter.Insert(context.Background(), testBatch(2), fastPolicy(1))
	if outcome.Failed() || outcome.Committed != 2 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestInserterRejectsInvalidPolicy(t *testing.T) {
	sink := &fakeSink{}
	inserter := NewInserter(sink, nil, nil, nil)
	outcome := inserter.Insert(context.Background(), testBatch(1), RetryPolicy{})
	if !outcome.Failed() || sink.callCount() != 0 {
		t.Fatalf("invalid policy must fail before the sink is touched: %+v", outcome)
	}
}

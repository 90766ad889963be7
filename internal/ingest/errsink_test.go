package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/coachpo/estuary/errs"
	"github.com/coachpo/estuary/internal/observability"
	"github.com/coachpo/estuary/internal/schema"
)

// fakeErrorStore scripts one response per call; a nil entry succeeds.
type fakeErrorStore struct {
	mu        sync.Mutex
	responses []error
	calls     int
	records   []schema.ErrorRecord
}

func (f *fakeErrorStore) Record(_ context.Context, record schema.ErrorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.calls < len(f.responses) {
		err = f.responses[f.calls]
	}
	f.calls++
	if err != nil {
		return err
	}
	f.records = append(f.records, record)
	return nil
}

type captureDiagnostics struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureDiagnostics) Report(msg string, _ ...observability.Field) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, msg)
}

func TestErrorSinkPrefersRootCause(t *testing.T) {
	store := &fakeErrorStore{}
	sink := NewErrorSink(store, &captureDiagnostics{}, nil, nil)

	root := errors.New("connection refused")
	wrapped := errs.New("ingest/inserter", errs.CodeExhausted,
		errs.WithAttempts(3),
		errs.WithCause(fmt.Errorf("dial sink: %w", root)))

	batch := testBatch(7)
	sink.Record(context.Background(), batch, Outcome{Attempts: 3, Err: wrapped})

	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1", len(store.records))
	}
	record := store.records[0]
	if record.Message != "connection refused" {
		t.Fatalf("message = %q, want the root cause", record.Message)
	}
	if record.Kind != string(errs.CodeExhausted) {
		t.Fatalf("kind = %q", record.Kind)
	}
	if record.Stream != schema.StreamSamples {
		t.Fatalf("stream = %q", record.Stream)
	}
	if !strings.Contains(record.Context, "batch_size=7") || !strings.Contains(record.Context, "attempts=3") {
		t.Fatalf("context missing detail: %q", record.Context)
	}
	if record.ID == "" || record.OccurredAt.IsZero() {
		t.Fatalf("record not stamped: %+v", record)
	}
}

func TestErrorSinkJoinsRowReasons(t *testing.T) {
	store := &fakeErrorStore{}
	sink := NewErrorSink(store, &captureDiagnostics{}, nil, nil)

	outcome := Outcome{Attempts: 1, RowErrors: []RowError{
		{Index: 0, Reason: "invalid", Message: "bad score"},
		{Index: 4, Reason: "invalid", Message: "missing author"},
	}}
	sink.Record(context.Background(), testBatch(5), outcome)

	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1", len(store.records))
	}
	record := store.records[0]
	if record.Kind != string(errs.CodeInvalidRow) {
		t.Fatalf("kind = %q", record.Kind)
	}
	want := "row 0: bad score (invalid); row 4: missing author (invalid)"
	if record.Message != want {
		t.Fatalf("message = %q, want %q", record.Message, want)
	}
}

func TestErrorSinkRecoversOnceFromWriteFailure(t *testing.T) {
	store := &fakeErrorStore{responses: []error{errors.New("error table unavailable"), nil}}
	diag := &captureDiagnostics{}
	sink := NewErrorSink(store, diag, nil, nil)

	sink.Record(context.Background(), testBatch(1), Outcome{Attempts: 1, Err: netErr()})

	if len(diag.lines) != 1 {
		t.Fatalf("diag lines = %v, want 1", diag.lines)
	}
	if len(store.records) != 1 {
		t.Fatalf("records = %d, want the secondary record", len(store.records))
	}
	secondary := store.records[0]
	if secondary.Source != "ingest/errsink" {
		t.Fatalf("secondary source = %q", secondary.Source)
	}
	if !strings.Contains(secondary.Message, "error table unavailable") {
		t.Fatalf("secondary message = %q", secondary.Message)
	}
}

func TestErrorSinkDoubleWriteFailureStaysLocal(t *testing.T) {
	// Primary and secondary writes both fail: two diagnostic lines, nothing
	// escapes.
	store := &fakeErrorStore{responses: []error{errors.New("down"), errors.New("still down")}}
	diag := &captureDiagnostics{}
	sink := NewErrorSink(store, diag, nil, nil)

	sink.Record(context.Background(), testBatch(1), Outcome{Attempts: 1, Err: netErr()})

	if len(diag.lines) != 2 {
		t.Fatalf("diag lines = %v, want 2", diag.lines)
	}
	if len(store.records) != 0 {
		t.Fatalf("records = %d, want 0", len(store.records))
	}
	if store.calls != 2 {
		t.Fatalf("store calls = %d, want exactly one recovery attempt", store.calls)
	}
}

package ingest

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/estuary/internal/schema"
)

// Metrics groups the otel instruments emitted by the ingestion pipeline.
// A nil *Metrics disables recording.
type Metrics struct {
	batchesCommitted metric.Int64Counter
	rowsCommitted    metric.Int64Counter
	insertRetries    metric.Int64Counter
	insertFailures   metric.Int64Counter
	errorRecords     metric.Int64Counter
}

// NewMetrics registers the pipeline instruments on the global meter provider.
func NewMetrics() *Metrics {
	meter := otel.Meter("ingest")
	m := new(Metrics)
	m.batchesCommitted, _ = meter.Int64Counter("ingest.batches.committed",
		metric.WithDescription("Number of batches accepted by the sink"),
		metric.WithUnit("{batch}"))
	m.rowsCommitted, _ = meter.Int64Counter("ingest.rows.committed",
		metric.WithDescription("Number of rows accepted by the sink"),
		metric.WithUnit("{row}"))
	m.insertRetries, _ = meter.Int64Counter("ingest.insert.retries",
		metric.WithDescription("Number of retried insert attempts"),
		metric.WithUnit("{attempt}"))
	m.insertFailures, _ = meter.Int64Counter("ingest.insert.failures",
		metric.WithDescription("Number of batches that exhausted their retry budget"),
		metric.WithUnit("{batch}"))
	m.errorRecords, _ = meter.Int64Counter("ingest.errors.recorded",
		metric.WithDescription("Number of error records durably written"),
		metric.WithUnit("{record}"))
	return m
}

func streamAttr(stream schema.Stream) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("stream", string(stream)))
}

func (m *Metrics) recordCommit(ctx context.Context, stream schema.Stream, rows int) {
	if m == nil {
		return
	}
	m.batchesCommitted.Add(ctx, 1, streamAttr(stream))
	m.rowsCommitted.Add(ctx, int64(rows), streamAttr(stream))
}

func (m *Metrics) recordRetry(ctx context.Context, stream schema.Stream) {
	if m == nil {
		return
	}
	m.insertRetries.Add(ctx, 1, streamAttr(stream))
}

func (m *Metrics) recordFailure(ctx context.Context, stream schema.Stream) {
	if m == nil {
		return
	}
	m.insertFailures.Add(ctx, 1, streamAttr(stream))
}

func (m *Metrics) recordErrorRecord(ctx context.Context, stream schema.Stream) {
	if m == nil {
		return
	}
	m.errorRecords.Add(ctx, 1, streamAttr(stream))
}

package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/estuary/internal/schema"
)

const errorInsertSQL = `
INSERT INTO ingest_errors (
    id,
    occurred_at,
    kind,
    message,
    context,
    stream,
    source
)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`

// ErrorStore persists ingestion error records, one row per failure.
type ErrorStore struct {
	pool *pgxpool.Pool
}

// NewErrorStore constructs an ErrorStore backed by the provided pool.
func NewErrorStore(pool *pgxpool.Pool) *ErrorStore {
	return &ErrorStore{pool: pool}
}

// Record inserts one error record. The caller treats any failure as
// best-effort; no retry happens here.
func (s *ErrorStore) Record(ctx context.Context, record schema.ErrorRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("error store: record id required")
	}
	if record.OccurredAt.IsZero() {
		return fmt.Errorf("error store: record timestamp required")
	}
	if s.pool == nil {
		return fmt.Errorf("error store: nil pool")
	}
	_, err := s.pool.Exec(ctx, errorInsertSQL,
		record.ID,
		record.OccurredAt,
		record.Kind,
		record.Message,
		record.Context,
		string(record.Stream),
		record.Source,
	)
	if err != nil {
		return fmt.Errorf("error store: insert: %w", err)
	}
	return nil
}

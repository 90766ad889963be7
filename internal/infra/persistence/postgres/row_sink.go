// Package postgres implements the columnar-store sink and error table on pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/estuary/errs"
	"github.com/coachpo/estuary/internal/ingest"
	"github.com/coachpo/estuary/internal/schema"
)

// RowSink performs batched, idempotent inserts into a destination table.
// Rows carry explicit column mappings; the sink never derives columns by
// reflection. Duplicate idempotency keys are discarded server-side via
// ON CONFLICT DO NOTHING, so a retried request cannot double-count.
type RowSink struct {
	pool *pgxpool.Pool
}

// NewRowSink constructs a RowSink backed by the provided pool.
func NewRowSink(pool *pgxpool.Pool) *RowSink {
	return &RowSink{pool: pool}
}

// Insert submits the whole batch as one statement and returns the number of
// rows the store accepted. Structurally invalid rows fail the request
// before it reaches the store: the offending rows are reported with their
// reason and the remaining rows are marked aborted.
func (s *RowSink) Insert(ctx context.Context, table string, rows []schema.Row, insertIDs []string) (int, error) {
	if s.pool == nil {
		return 0, errs.New("sink/postgres", errs.CodeInternal, errs.WithMessage("nil pool"))
	}
	if len(rows) == 0 {
		return 0, errs.New("sink/postgres", errs.CodeInternal, errs.WithMessage("empty batch"))
	}
	if len(rows) != len(insertIDs) {
		return 0, errs.New("sink/postgres", errs.CodeInternal, errs.WithMessage("insert id count mismatch"))
	}

	columns := rows[0].ColumnNames()
	if err := validateRows(rows, columns); err != nil {
		return 0, err
	}

	sql, args := buildInsert(table, columns, rows, insertIDs)
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, translateError(table, err)
	}
	return int(tag.RowsAffected()), nil
}

// validateRows rejects batches whose rows disagree on the column set.
func validateRows(rows []schema.Row, columns []string) error {
	var rejected []ingest.RowError
	for i, row := range rows {
		names := row.ColumnNames()
		if reason := rowShapeProblem(names, columns); reason != "" {
			rejected = append(rejected, ingest.RowError{Index: i, Reason: "invalid", Message: reason})
		}
	}
	if len(rejected) == 0 {
		return nil
	}

	detail := make([]ingest.RowError, 0, len(rows))
	bad := make(map[int]bool, len(rejected))
	for _, row := range rejected {
		bad[row.Index] = true
	}
	for i := range rows {
		if bad[i] {
			continue
		}
		detail = append(detail, ingest.RowError{Index: i, Reason: ingest.ReasonAborted, Message: "request aborted due to invalid sibling rows"})
	}
	return &ingest.BatchError{Rows: append(rejected, detail...)}
}

func rowShapeProblem(names, columns []string) string {
	if len(names) == 0 {
		return "row has no column mapping"
	}
	if len(names) != len(columns) {
		return fmt.Sprintf("row maps %d columns, batch maps %d", len(names), len(columns))
	}
	for i := range names {
		if names[i] != columns[i] {
			return fmt.Sprintf("column %d is %q, batch expects %q", i, names[i], columns[i])
		}
	}
	return ""
}

func buildInsert(table string, columns []string, rows []schema.Row, insertIDs []string) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(quoteIdent(table))
	sb.WriteString(" (insert_id")
	for _, col := range columns {
		sb.WriteString(", ")
		sb.WriteString(quoteIdent(col))
	}
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*(len(columns)+1))
	arg := 1
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		sb.WriteString("$" + strconv.Itoa(arg))
		arg++
		args = append(args, insertIDs[i])
		for _, value := range row.Values() {
			sb.WriteString(", $" + strconv.Itoa(arg))
			arg++
			args = append(args, value)
		}
		sb.WriteByte(')')
	}
	sb.WriteString(" ON CONFLICT (insert_id) DO NOTHING")
	return sb.String(), args
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// translateError folds a pgx failure into the ingestion error taxonomy so
// the inserter can decide retryability.
func translateError(table string, err error) error {
	code := errs.CodeUnavailable
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsConnectionException(pgErr.Code):
			code = errs.CodeNetwork
		case pgerrcode.IsInsufficientResources(pgErr.Code), pgerrcode.IsOperatorIntervention(pgErr.Code):
			code = errs.CodeUnavailable
		case pgErr.Code == pgerrcode.UniqueViolation:
			code = errs.CodeConflict
		case pgerrcode.IsDataException(pgErr.Code), pgerrcode.IsIntegrityConstraintViolation(pgErr.Code):
			code = errs.CodeInvalidRow
		default:
			code = errs.CodeInternal
		}
	}
	return errs.New("sink/postgres", code,
		errs.WithTable(table),
		errs.WithMessage("batch insert failed"),
		errs.WithCause(err))
}

package schema

import (
	"time"

	"github.com/google/uuid"
)

// TableErrors names the dedicated error table.
const TableErrors = "ingest_errors"

// ErrorRecord captures one durably logged ingestion failure. Records are
// read-only once written.
type ErrorRecord struct {
	ID         string
	OccurredAt time.Time
	Kind       string
	Message    string
	Context    string
	Stream     Stream
	Source     string
}

// NewErrorRecord assigns a fresh identifier and timestamp to the record.
func NewErrorRecord(stream Stream, source, kind, message, context string, now time.Time) ErrorRecord {
	return ErrorRecord{
		ID:         uuid.NewString(),
		OccurredAt: now,
		Kind:       kind,
		Message:    message,
		Context:    context,
		Stream:     stream,
		Source:     source,
	}
}

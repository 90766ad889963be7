// Package schema defines the canonical record types flowing through the ingestion pipeline.
package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/estuary/errs"
)

// Stream identifies a named ingestion stream.
type Stream string

const (
	// StreamSamples designates the firehose of post records.
	StreamSamples Stream = "samples"
	// StreamUsers designates the firehose of author profile records.
	StreamUsers Stream = "users"
)

// insertIDNamespace seeds deterministic idempotency key derivation.
// Changing it invalidates sink-side dedupe across deployments.
var insertIDNamespace = uuid.MustParse("9aafcb32-1d6e-47d4-9f20-57a24c78f3be")

// Event is one immutable firehose record. It is consumed exactly once by the
// windower and discarded after inclusion in a batch.
type Event struct {
	ID         string
	Stream     Stream
	ObservedAt time.Time
	Row        Row
}

// Validate reports whether the event carries the fields the pipeline requires.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errs.New("schema", errs.CodeInvalidRow, errs.WithMessage("event id required"))
	}
	if e.Stream != StreamSamples && e.Stream != StreamUsers {
		return errs.New("schema", errs.CodeInvalidRow, errs.WithMessage("unknown stream"), errs.WithStream(string(e.Stream)))
	}
	return nil
}

// InsertID derives the stable idempotency key for the event. The key is a
// deterministic function of the event identifier so a retried submission
// carries the same key and the sink can discard the duplicate.
func (e Event) InsertID() string {
	return uuid.NewSHA1(insertIDNamespace, []byte(string(e.Stream)+"/"+e.ID)).String()
}

// Batch is an ordered, bounded group of events bound for one destination
// table. A batch is never empty when emitted.
type Batch struct {
	Stream Stream
	Table  string
	Events []Event
}

// Size returns the number of events in the batch.
func (b Batch) Size() int { return len(b.Events) }

// InsertIDs returns the idempotency keys for every event, in batch order.
func (b Batch) InsertIDs() []string {
	keys := make([]string, len(b.Events))
	for i, evt := range b.Events {
		keys[i] = evt.InsertID()
	}
	return keys
}

// Package source provides the upstream firehose collaborators that deliver
// events into the ingestion pipeline.
package source

import (
	"time"

	"github.com/coachpo/estuary/errs"
	"github.com/coachpo/estuary/internal/schema"
)

// Decoder turns one wire frame into a pipeline event.
type Decoder func(data []byte, observedAt time.Time) (schema.Event, error)

// DecoderFor returns the frame decoder for the named stream.
func DecoderFor(stream schema.Stream) (Decoder, error) {
	switch stream {
	case schema.StreamSamples:
		return func(data []byte, observedAt time.Time) (schema.Event, error) {
			sample, err := schema.DecodeSample(data)
			if err != nil {
				return schema.Event{}, err
			}
			return sample.Event(observedAt), nil
		}, nil
	case schema.StreamUsers:
		return func(data []byte, observedAt time.Time) (schema.Event, error) {
			user, err := schema.DecodeUser(data)
			if err != nil {
				return schema.Event{}, err
			}
			return user.Event(observedAt), nil
		}, nil
	default:
		return nil, errs.New("source", errs.CodeInternal,
			errs.WithStream(string(stream)),
			errs.WithMessage("no decoder for stream"))
	}
}

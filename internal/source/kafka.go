package source

import (
	"context"

	"github.com/segmentio/kafka-go"
	"github.com/zoobzio/clockz"

	"github.com/coachpo/estuary/errs"
	"github.com/coachpo/estuary/internal/observability"
	"github.com/coachpo/estuary/internal/schema"
)

const kafkaBufferSize = 256

// KafkaSource streams one named firehose from a kafka topic. Offsets are
// committed only after the decoded event has been handed to the pipeline,
// giving at-least-once delivery into the windower.
type KafkaSource struct {
	reader *kafka.Reader
	stream schema.Stream
	decode Decoder
	clock  clockz.Clock
}

// NewKafkaSource constructs a source consuming topic via the consumer group.
func NewKafkaSource(brokers []string, topic, groupID string, stream schema.Stream, clock clockz.Clock) (*KafkaSource, error) {
	if len(brokers) == 0 {
		return nil, errs.New("source/kafka", errs.CodeInternal, errs.WithMessage("brokers required"))
	}
	if topic == "" {
		return nil, errs.New("source/kafka", errs.CodeInternal, errs.WithMessage("topic required"))
	}
	decode, err := DecoderFor(stream)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10 << 20,
	})
	return &KafkaSource{reader: reader, stream: stream, decode: decode, clock: clock}, nil
}

// Open starts the fetch loop and returns the event channel. The channel
// closes when ctx is cancelled or the reader fails permanently.
func (s *KafkaSource) Open(ctx context.Context) <-chan schema.Event {
	out := make(chan schema.Event, kafkaBufferSize)
	go s.run(ctx, out)
	return out
}

func (s *KafkaSource) run(ctx context.Context, out chan<- schema.Event) {
	defer close(out)
	defer func() {
		if err := s.reader.Close(); err != nil {
			observability.Log().Error("kafka reader close failed",
				observability.F("stream", s.stream),
				observability.F("cause", err.Error()))
		}
	}()

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			observability.Log().Error("kafka fetch failed",
				observability.F("stream", s.stream),
				observability.F("cause", err.Error()))
			return
		}

		evt, err := s.decode(msg.Value, s.clock.Now())
		if err != nil {
			// A frame that cannot be decoded is skipped and committed so the
			// group does not refetch it forever.
			observability.Log().Error("kafka frame dropped",
				observability.F("stream", s.stream),
				observability.F("offset", msg.Offset),
				observability.F("cause", err.Error()))
		} else {
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			observability.Log().Error("kafka commit failed",
				observability.F("stream", s.stream),
				observability.F("cause", err.Error()))
		}
	}
}

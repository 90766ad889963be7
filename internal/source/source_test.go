package source

import (
	"testing"
	"time"

	"github.com/coachpo/estuary/internal/schema"
)

func TestDecoderForSamples(t *testing.T) {
	decode, err := DecoderFor(schema.StreamSamples)
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	observed := time.Unix(1000, 0)
	evt, err := decode([]byte(`{"id":"p-1","author_id":"u-1","text":"hi","score":"1.5","posted_at":"2026-08-01T00:00:00Z"}`), observed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Stream != schema.StreamSamples || evt.ID != "p-1" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if !evt.ObservedAt.Equal(observed) {
		t.Fatalf("observedAt = %v", evt.ObservedAt)
	}
	if _, err := decode([]byte(`{"text":"orphan"}`), observed); err == nil {
		t.Fatal("expected decode error for missing id")
	}
}

func TestDecoderForUsers(t *testing.T) {
	decode, err := DecoderFor(schema.StreamUsers)
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	evt, err := decode([]byte(`{"id":"u-7","handle":"grace","created_at":"2019-05-01T00:00:00Z"}`), time.Unix(1, 0))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Stream != schema.StreamUsers || evt.ID != "u-7" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestDecoderForUnknownStream(t *testing.T) {
	if _, err := DecoderFor(schema.Stream("trades")); err == nil {
		t.Fatal("expected error for unknown stream")
	}
}

func TestNewWebsocketSourceValidation(t *testing.T) {
	if _, err := NewWebsocketSource("", schema.StreamSamples, nil); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := NewWebsocketSource("wss://firehose.example.net", schema.Stream("trades"), nil); err == nil {
		t.Fatal("expected error for unknown stream")
	}
	if _, err := NewWebsocketSource("wss://firehose.example.net", schema.StreamSamples, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewKafkaSourceValidation(t *testing.T) {
	if _, err := NewKafkaSource(nil, "topic", "group", schema.StreamSamples, nil); err == nil {
		t.Fatal("expected error for missing brokers")
	}
	if _, err := NewKafkaSource([]string{"b:9092"}, "", "group", schema.StreamSamples, nil); err == nil {
		t.Fatal("expected error for missing topic")
	}
	src, err := NewKafkaSource([]string{"b:9092"}, "firehose.samples", "estuary", schema.StreamSamples, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.reader == nil {
		t.Fatal("reader not configured")
	}
	_ = src.reader.Close()
}

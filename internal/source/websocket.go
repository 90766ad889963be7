package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/zoobzio/clockz"

	"github.com/coachpo/estuary/errs"
	"github.com/coachpo/estuary/internal/observability"
	"github.com/coachpo/estuary/internal/schema"
)

const (
	wsReadLimit            = 1 << 20
	wsMaxReconnectInterval = 30 * time.Second
	wsBufferSize           = 256
)

// WebsocketSource streams one named firehose over a websocket connection,
// reconnecting with exponential backoff when the session drops. Malformed
// frames are logged and skipped; they never stop the stream.
type WebsocketSource struct {
	url    string
	stream schema.Stream
	decode Decoder
	clock  clockz.Clock
}

// NewWebsocketSource constructs a source for the named stream.
func NewWebsocketSource(url string, stream schema.Stream, clock clockz.Clock) (*WebsocketSource, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errs.New("source/websocket", errs.CodeInternal, errs.WithMessage("url required"))
	}
	decode, err := DecoderFor(stream)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	return &WebsocketSource{url: url, stream: stream, decode: decode, clock: clock}, nil
}

// Open starts the read loop and returns the event channel. The channel
// closes when ctx is cancelled; a dropped connection triggers reconnection,
// not end-of-stream.
func (s *WebsocketSource) Open(ctx context.Context) <-chan schema.Event {
	out := make(chan schema.Event, wsBufferSize)
	go s.run(ctx, out)
	return out
}

func (s *WebsocketSource) run(ctx context.Context, out chan<- schema.Event) {
	defer close(out)

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = wsMaxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			observability.Log().Error("firehose dial failed",
				observability.F("stream", s.stream),
				observability.F("cause", err.Error()))
			if !s.sleep(ctx, backoffCfg) {
				return
			}
			continue
		}
		conn.SetReadLimit(wsReadLimit)
		backoffCfg.Reset()
		observability.Log().Info("firehose connected", observability.F("stream", s.stream))

		if err := s.consume(ctx, conn, out); err != nil {
			observability.Log().Error("firehose session ended",
				observability.F("stream", s.stream),
				observability.F("cause", err.Error()))
		}
		_ = conn.CloseNow()
	}
}

func (s *WebsocketSource) consume(ctx context.Context, conn *websocket.Conn, out chan<- schema.Event) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		evt, err := s.decode(data, s.clock.Now())
		if err != nil {
			observability.Log().Error("firehose frame dropped",
				observability.F("stream", s.stream),
				observability.F("cause", err.Error()))
			continue
		}
		select {
		case out <- evt:
		case <-ctx.Done():
			return nil
		}
	}
}

// sleep waits out the next backoff interval, reporting false when ctx ended.
func (s *WebsocketSource) sleep(ctx context.Context, backoffCfg *backoff.ExponentialBackOff) bool {
	wait := backoffCfg.NextBackOff()
	if wait == backoff.Stop {
		wait = wsMaxReconnectInterval
	}
	timer := s.clock.NewTimer(wait)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-timer.C():
		return true
	}
}

package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewPopulatesEnvelope(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("sink/postgres", CodeNetwork,
		WithStream("samples"),
		WithTable("sample_rows"),
		WithMessage("batch write failed"),
		WithAttempts(3),
		WithCause(cause),
	)
	if err.Component != "sink/postgres" {
		t.Fatalf("component = %q", err.Component)
	}
	if err.Code != CodeNetwork {
		t.Fatalf("code = %q", err.Code)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to survive Unwrap")
	}
	msg := err.Error()
	for _, want := range []string{"component=sink/postgres", "code=network", "stream=samples", "table=sample_rows", "attempts=3"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error string missing %q: %s", want, msg)
		}
	}
}

func TestCodeOfWalksWrapChain(t *testing.T) {
	inner := New("source/websocket", CodeUnavailable, WithMessage("dial failed"))
	wrapped := fmt.Errorf("start stream: %w", inner)
	if got := CodeOf(wrapped); got != CodeUnavailable {
		t.Fatalf("CodeOf = %q, want %q", got, CodeUnavailable)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Fatalf("CodeOf(plain) = %q, want %q", got, CodeInternal)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{CodeRateLimited, true},
		{CodeNetwork, true},
		{CodeUnavailable, true},
		{CodeInvalidRow, false},
		{CodeConflict, false},
		{CodeExhausted, false},
		{CodeInternal, false},
	}
	for _, tc := range cases {
		err := New("test", tc.code)
		if got := Retryable(err); got != tc.want {
			t.Errorf("Retryable(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
	if Retryable(errors.New("unclassified")) {
		t.Error("unclassified errors must not be retryable")
	}
}

func TestNilEnvelopeError(t *testing.T) {
	var err *E
	if got := err.Error(); got != "<nil>" {
		t.Fatalf("nil error string = %q", got)
	}
}

package telemetry

import (
	"context"
	"testing"

	"github.com/coachpo/estuary/internal/config"
)

func TestInitNoopWithoutEndpoint(t *testing.T) {
	providers, shutdown, err := Init(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if providers.MeterProvider == nil {
		t.Fatal("expected a meter provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		in       string
		host     string
		insecure bool
		ok       bool
	}{
		{"collector:4318", "collector:4318", true, true},
		{"http://collector:4318", "collector:4318", true, true},
		{"https://collector:4318", "collector:4318", false, true},
		{"ftp://collector", "", false, false},
		{"https://", "", false, false},
	}
	for _, tc := range cases {
		host, insecure, err := parseEndpoint(tc.in)
		if tc.ok && err != nil {
			t.Errorf("parseEndpoint(%q): %v", tc.in, err)
			continue
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("parseEndpoint(%q): expected error", tc.in)
			}
			continue
		}
		if host != tc.host || insecure != tc.insecure {
			t.Errorf("parseEndpoint(%q) = (%q, %v)", tc.in, host, insecure)
		}
	}
}

package tracing

import (
	"testing"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(t.Context(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(t.Context()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetupRejectsUnknownProtocol(t *testing.T) {
	_, err := Setup(t.Context(), config.TelemetryConfig{
		Endpoint: "localhost:4317",
		Protocol: "smoke-signals",
	})
	if err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}

func TestProtocolDefaultsToGRPC(t *testing.T) {
	if got := protocolOf(config.TelemetryConfig{}); got != "grpc" {
		t.Errorf("protocolOf = %q, want grpc", got)
	}
	if got := protocolOf(config.TelemetryConfig{Protocol: "http"}); got != "http" {
		t.Errorf("protocolOf = %q, want http", got)
	}
}

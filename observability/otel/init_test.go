package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders("api-key=abc, x-tenant = loaner ,broken,=empty")
	if len(got) != 2 || got["api-key"] != "abc" || got["x-tenant"] != "loaner" {
		t.Fatalf("unexpected headers %v", got)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	cfg := FromEnv(Config{ServiceName: "loanerd"})
	if cfg.Endpoint != "collector:4318" || !cfg.Traces || !cfg.Insecure {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
	shutdown, err := Init(context.Background(), Config{ServiceName: "loanerd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const secret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loanerd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLWithDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: " 127.0.0.1:9090 "
environment: Dev
data_dir: /var/lib/loanerd
shutdown_timeout: 5s
auth:
  hmac_secret: `+secret+`
  issuer: loanerd
rate_limit:
  requests_per_minute: 120
  burst: 10
jobs:
  audit: ""
dev:
  allow_mint: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9090" || cfg.Environment != "dev" {
		t.Fatalf("unexpected listen/env %q %q", cfg.ListenAddress, cfg.Environment)
	}
	if cfg.GRPCAddress != defaultGRPCListen {
		t.Fatalf("unexpected grpc listen %q", cfg.GRPCAddress)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Fatalf("unexpected shutdown timeout %v", cfg.ShutdownTimeout)
	}
	if cfg.Jobs.Snapshot != defaultSnapshotSpec || cfg.Jobs.Audit != "" {
		t.Fatalf("unexpected jobs %+v", cfg.Jobs)
	}
	if !cfg.Persistent() || cfg.Events.History != 1024 {
		t.Fatalf("unexpected storage/events config %+v", cfg)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "auth:\n  hmac_secret: short\n")
	t.Setenv("LOANERD_AUTH_HMAC_SECRET", secret)
	t.Setenv("LOANERD_LISTEN", ":7000")
	t.Setenv("LOANERD_RATE_LIMIT_BURST", "3")
	t.Setenv("LOANERD_JOBS_SNAPSHOT", "@every 10s")
	t.Setenv("LOANERD_GRPC_LISTEN", "off")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.HMACSecret != secret || cfg.ListenAddress != ":7000" || cfg.RateLimit.Burst != 3 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Jobs.Snapshot != "@every 10s" {
		t.Fatalf("unexpected snapshot spec %q", cfg.Jobs.Snapshot)
	}
	if cfg.GRPCAddress != "" {
		t.Fatalf("grpc listener should be disabled, got %q", cfg.GRPCAddress)
	}
}

func TestValidate(t *testing.T) {
	_, err := Load(writeConfig(t, "auth:\n  hmac_secret: short\n"))
	if err == nil || !strings.Contains(err.Error(), "hmac_secret") {
		t.Fatalf("expected secret error, got %v", err)
	}
	_, err = Load(writeConfig(t, "environment: prod\nauth:\n  hmac_secret: "+secret+"\ndev:\n  allow_mint: true\n"))
	if err == nil || !strings.Contains(err.Error(), "allow_mint") {
		t.Fatalf("expected mint error, got %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

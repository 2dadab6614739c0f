package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestSetupWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "loanerd.log")
	logger, closer := Setup("loanerd", "test", Options{Output: &buf, File: FileConfig{Path: path, MaxSizeMB: 1}})
	defer slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	logger.Info("pool joined", "pool", "lnrc1abc")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["message"] != "pool joined" || line["severity"] != "INFO" || line["service"] != "loanerd" || line["env"] != "test" {
		t.Fatalf("unexpected log line %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("timestamp missing: %v", line)
	}
	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(written, []byte("pool joined")) {
		t.Fatalf("log file missing line: %s", written)
	}
}

func TestMaskField(t *testing.T) {
	if got := MaskField("Authorization", "Bearer abc.def").Value.String(); got != "Bearer "+RedactedValue {
		t.Fatalf("unexpected bearer mask %q", got)
	}
	if got := MaskField("token", "abc").Value.String(); got != RedactedValue {
		t.Fatalf("unexpected token mask %q", got)
	}
	if got := MaskField("pool", "lnrc1abc").Value.String(); got != "lnrc1abc" {
		t.Fatalf("non-sensitive field masked: %q", got)
	}
	if got := MaskField("secret", "").Value.String(); got != "" {
		t.Fatalf("empty value should stay empty, got %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != slog.LevelDebug || ParseLevel("warning") != slog.LevelWarn || ParseLevel("") != slog.LevelInfo {
		t.Fatalf("unexpected level mapping")
	}
}

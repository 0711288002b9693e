package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestLogStoreOperationLevels(t *testing.T) {
	var buf bytes.Buffer
	l := Component(New(Config{Level: "info", Output: &buf}), "version")

	LogStoreOperation(l, "revise", "role", time.Millisecond, nil)
	if buf.Len() != 0 {
		t.Fatalf("expected successful operation below info to be dropped, got %q", buf.String())
	}

	LogStoreOperation(l, "revise", "role", time.Millisecond, errors.New("stale token"))
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json log line: %v", err)
	}
	if line["level"] != "warn" || line["component"] != "version" || line["operation"] != "revise" || line["error"] != "stale token" {
		t.Fatalf("unexpected log line %v", line)
	}
	if line["service"] != "medledger" {
		t.Fatalf("expected service field, got %v", line["service"])
	}
}

func TestNewFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "chatty", Output: &buf})
	l.Debug().Msg("hidden")
	l.Info().Msg("shown")
	if bytes.Contains(buf.Bytes(), []byte("hidden")) || !bytes.Contains(buf.Bytes(), []byte("shown")) {
		t.Fatalf("expected info level, got %q", buf.String())
	}
}

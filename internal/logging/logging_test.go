package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "debug", Format: FormatJSON, Writer: &buf})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer closer.Close()

	logger.Debug().Str("page", "0").Msg("opened")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["message"] != "opened" || entry["page"] != "0" || entry["level"] != "debug" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Level: "warn", Format: FormatJSON, Writer: &buf})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("info entry written at warn level: %q", buf.String())
	}
	logger.Warn().Msg("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn entry missing: %q", buf.String())
	}
}

func TestNew_AutoFormatNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Writer: &buf})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	logger.Info().Msg("hello")
	if !json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Errorf("auto format should be JSON for a buffer, got %q", buf.String())
	}
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Format: FormatConsole, Writer: &buf})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	logger.Info().Msg("hello")
	if json.Valid(bytes.TrimSpace(buf.Bytes())) || !strings.Contains(buf.String(), "hello") {
		t.Errorf("expected console output, got %q", buf.String())
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lq.log")
	var buf bytes.Buffer
	logger, closer, err := New(Options{Format: FormatJSON, Writer: &buf, File: path})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	logger.Info().Msg("persisted")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if !strings.Contains(string(data), "persisted") {
		t.Errorf("log file missing entry: %q", data)
	}
	if !strings.Contains(buf.String(), "persisted") {
		t.Errorf("primary writer missing entry: %q", buf.String())
	}
}

func TestNew_Invalid(t *testing.T) {
	if _, _, err := New(Options{Level: "loud"}); err == nil {
		t.Error("New() should reject an unknown level")
	}
	if _, _, err := New(Options{Format: "xml"}); err == nil {
		t.Error("New() should reject an unknown format")
	}
}

func TestContext(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Format: FormatJSON, Writer: &buf})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx := WithLogger(context.Background(), logger.With().Str("run", "r1").Logger())
	FromContext(ctx).Info().Msg("from context")
	if !strings.Contains(buf.String(), `"run":"r1"`) {
		t.Errorf("context logger lost its fields: %q", buf.String())
	}

	// Missing logger is a no-op, not a panic
	FromContext(context.Background()).Info().Msg("dropped")
	var unset context.Context
	if FromContext(unset) == nil {
		t.Fatal("FromContext(nil) returned a nil logger")
	}
	FromContext(unset).Info().Msg("dropped")
	if strings.Contains(buf.String(), "dropped") {
		t.Errorf("disabled logger wrote output: %q", buf.String())
	}

	// Derived contexts share the attached logger
	child, cancel := context.WithCancel(ctx)
	defer cancel()
	if FromContext(child) != FromContext(ctx) {
		t.Error("FromContext() should return the logger attached to the parent context")
	}
}

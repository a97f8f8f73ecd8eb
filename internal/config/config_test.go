package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoad_Defaults(t *testing.T) {
	// Search path only; the temp dir holds no lq.toml
	t.Chdir(t.TempDir())

	cfg, err := Load(New(""))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Dir != ".beads-live" {
		t.Errorf("Dir = %q, want .beads-live", cfg.Dir)
	}
	if cfg.Watch.RetryInterval != 2*time.Second {
		t.Errorf("RetryInterval = %v, want 2s", cfg.Watch.RetryInterval)
	}
	if cfg.Watch.ExpandedPageCount != 1000 {
		t.Errorf("ExpandedPageCount = %d, want 1000", cfg.Watch.ExpandedPageCount)
	}
	if got := cfg.EntitiesDir(); got != filepath.Join(".beads-live", "entities") {
		t.Errorf("EntitiesDir() = %q", got)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lq.toml")
	data := `
dir = "/tmp/lq"

[watch]
page_size = 25
retry_interval = "500ms"

[server]
addr = "0.0.0.0:9000"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	t.Setenv("LQ_SERVER_ADDR", "127.0.0.1:9001")

	cfg, err := Load(New(path))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Dir != "/tmp/lq" {
		t.Errorf("Dir = %q, want /tmp/lq", cfg.Dir)
	}
	if cfg.Watch.PageSize != 25 {
		t.Errorf("PageSize = %d, want 25", cfg.Watch.PageSize)
	}
	if cfg.Watch.RetryInterval != 500*time.Millisecond {
		t.Errorf("RetryInterval = %v, want 500ms", cfg.Watch.RetryInterval)
	}
	if cfg.Server.Addr != "127.0.0.1:9001" {
		t.Errorf("Server.Addr = %q, environment should win over the file", cfg.Server.Addr)
	}
	// Untouched keys keep their defaults
	if cfg.Watch.Limit != 200 {
		t.Errorf("Limit = %d, want 200", cfg.Watch.Limit)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(New(filepath.Join(t.TempDir(), "nope.toml"))); err == nil {
		t.Error("Load() should fail for a missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load(New(""))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	bad := *cfg
	bad.Watch.PageSize = 0
	if err := bad.Validate(); err == nil {
		t.Error("Validate() should reject a zero page size")
	}

	bad = *cfg
	bad.Watch.RetryMultiplier = 0.5
	if err := bad.Validate(); err == nil {
		t.Error("Validate() should reject a shrinking retry multiplier")
	}
}

// Written configuration loads back to the same values.
func TestWrite_RoundTrip(t *testing.T) {
	t.Chdir(t.TempDir())
	want, err := Load(New(""))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	want.Server.Addr = "127.0.0.1:7777"

	for _, format := range []string{"toml", "yaml"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Write(&buf, want, format); err != nil {
				t.Fatalf("Write() failed: %v", err)
			}
			if !strings.Contains(buf.String(), "127.0.0.1:7777") {
				t.Fatalf("output missing server addr:\n%s", buf.String())
			}

			path := filepath.Join(t.TempDir(), "lq."+format)
			if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
				t.Fatalf("WriteFile() failed: %v", err)
			}
			got, err := Load(New(path))
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWrite_UnknownFormat(t *testing.T) {
	if err := Write(&bytes.Buffer{}, &Config{}, "ini"); err == nil {
		t.Error("Write() should reject an unknown format")
	}
}

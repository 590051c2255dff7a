package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestApplyConfigFileFillsUnsetFlags(t *testing.T) {
	opts := &options{}
	opts.configPath = writeConfig(t, "cfg.yaml", "addr: :9999\nmodel_path: /m/a.gguf\nmax_tokens: 77\n")
	cmd := newServeCmd(opts)
	if err := cmd.ParseFlags([]string{"--addr", ":1234"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if err := applyConfigFile(cmd, opts); err != nil {
		t.Fatalf("apply config: %v", err)
	}
	// Explicit flag wins over the file.
	if opts.addr != ":1234" {
		t.Fatalf("expected flag to win, got %q", opts.addr)
	}
	// Unset flags take the file values.
	if opts.modelPath != "/m/a.gguf" {
		t.Fatalf("expected model path from file, got %q", opts.modelPath)
	}
	if opts.maxTokens != 77 {
		t.Fatalf("expected max tokens from file, got %d", opts.maxTokens)
	}
}

func TestApplyConfigFileMissing(t *testing.T) {
	opts := &options{configPath: "/nonexistent/cfg.yaml"}
	cmd := newServeCmd(opts)
	if err := applyConfigFile(cmd, opts); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestApplyConfigFileNoPath(t *testing.T) {
	opts := &options{}
	cmd := newServeCmd(opts)
	if err := applyConfigFile(cmd, opts); err != nil {
		t.Fatalf("no config path must be a no-op, got %v", err)
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	l := newLogger("not-a-level")
	if l.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info fallback, got %v", l.GetLevel())
	}
	l = newLogger("debug")
	if l.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug, got %v", l.GetLevel())
	}
}

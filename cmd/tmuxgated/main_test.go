package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tmuxgated.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: 127.0.0.1:9000\nsession:\n  name: fromfile\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadConfig([]string{"--config", path, "--session", "fromflag", "--no-auth"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("file value lost: %q", cfg.ListenAddr)
	}
	if cfg.Session.Name != "fromflag" {
		t.Fatalf("flag override not applied: %q", cfg.Session.Name)
	}
	if !cfg.Auth.Disabled {
		t.Fatalf("expected auth disabled by flag")
	}
}

func TestLoadConfigUnsetFlagsKeepDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:8080" || cfg.Session.Name != "main" {
		t.Fatalf("defaults not preserved: %q %q", cfg.ListenAddr, cfg.Session.Name)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	err := run(context.Background(), []string{"--db", filepath.Join(dir, "state.db"), "--files-root", filepath.Join(dir, "files")}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "auth.tokens") {
		t.Fatalf("expected auth token validation error, got %v", err)
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	if err := run(context.Background(), []string{"--socket", "/tmp/x"}, io.Discard); err == nil {
		t.Fatalf("expected unknown flag error")
	}
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunCheckValidConfig(t *testing.T) {
	path := writeTempConfig(t, `
surfaces:
  - surfaceId: 7
    appId: nav
`)
	var out bytes.Buffer
	if err := runCheck([]string{"--config", path}, &out); err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out.String(), "Configuration OK") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunCheckInvalidConfig(t *testing.T) {
	path := writeTempConfig(t, `
surfaces:
  - surfaceId: 7
`)
	var out bytes.Buffer
	if err := runCheck([]string{"--config", path}, &out); err == nil {
		t.Fatalf("expected validation failure")
	}
}

func TestRunCheckRequiresPath(t *testing.T) {
	var out bytes.Buffer
	if err := runCheck(nil, &out); err == nil {
		t.Fatalf("expected error without --config")
	}
}

func TestRunRejectsUnknownSubcommand(t *testing.T) {
	if err := run([]string{"frobnicate"}); err == nil {
		t.Fatalf("expected unknown subcommand error")
	}
}

func TestRunRequiresSubcommand(t *testing.T) {
	if err := run(nil); err == nil {
		t.Fatalf("expected missing subcommand error")
	}
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeProjectConfig(t *testing.T, root, body string) {
	t.Helper()
	dir := filepath.Join(root, ".hivemind")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(root, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Project.Name != filepath.Base(root) {
		t.Errorf("Project.Name = %q", cfg.Project.Name)
	}
	if cfg.Delivery.Retries != 3 {
		t.Errorf("Delivery.Retries = %d, want 3", cfg.Delivery.Retries)
	}
	if !cfg.Delivery.Fallback {
		t.Error("fallback should default to enabled")
	}
	if cfg.Trigger.Dir != filepath.Join(root, ".hivemind", "triggers") {
		t.Errorf("Trigger.Dir = %q", cfg.Trigger.Dir)
	}
	if !cfg.IsExecutionRole("builder") || cfg.IsExecutionRole("architect") {
		t.Errorf("execution roles = %v", cfg.Roles.Execution)
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	root := t.TempDir()
	writeProjectConfig(t, root, `
[project]
name = "squid"

[delivery]
timeout = "80ms"
retries = 1
backoff = "60ms"
success_statuses = ["routed", "*_delivered"]

[roles.panes]
architect = "1"
builder = "2"

[[roles.reroute]]
sender = "oracle-bg-*"
target = "oracle"
to = "architect"
`)

	cfg, err := Load(root, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Project.Name != "squid" {
		t.Errorf("Project.Name = %q", cfg.Project.Name)
	}
	if cfg.Delivery.Timeout.D() != 80*time.Millisecond {
		t.Errorf("Delivery.Timeout = %v", cfg.Delivery.Timeout.D())
	}
	if cfg.Delivery.Retries != 1 {
		t.Errorf("Delivery.Retries = %d", cfg.Delivery.Retries)
	}
	if len(cfg.Delivery.SuccessStatuses) != 2 {
		t.Errorf("SuccessStatuses = %v", cfg.Delivery.SuccessStatuses)
	}
	if len(cfg.Roles.Reroutes) != 1 || cfg.Roles.Reroutes[0].Sender != "oracle-bg-*" {
		t.Errorf("Reroutes = %+v", cfg.Roles.Reroutes)
	}
	if role, ok := cfg.RoleForPane("2"); !ok || role != "builder" {
		t.Errorf("RoleForPane(2) = %q, %v", role, ok)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	root := t.TempDir()
	writeProjectConfig(t, root, "[delivery]\nretries = 4\n")

	t.Setenv("HM_SEND_RETRIES", "9")
	t.Setenv("HM_SEND_TIMEOUT", "250")
	t.Setenv("HM_ROLE", "oracle")

	cfg, err := Load(root, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Delivery.Retries != 9 {
		t.Errorf("Retries = %d, want 9", cfg.Delivery.Retries)
	}
	if cfg.Delivery.Timeout.D() != 250*time.Millisecond {
		t.Errorf("Timeout = %v, want 250ms", cfg.Delivery.Timeout.D())
	}
	if cfg.Relay.Role != "oracle" {
		t.Errorf("Relay.Role = %q", cfg.Relay.Role)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad duration", "[delivery]\ntimeout = \"soon\"\n"},
		{"negative retries", "[delivery]\nretries = -1\n"},
		{"bad mode", "[trigger]\nmode = \"carrier-pigeon\"\n"},
		{"bad toml", "[delivery\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeProjectConfig(t, root, tt.body)
			if _, err := Load(root, ""); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	if _, err := Load(t.TempDir(), "/nonexistent/hm.toml"); err == nil {
		t.Error("expected error for explicit missing config")
	}
}

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".hivemind"), 0755); err != nil {
		t.Fatal(err)
	}
	deep := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(deep, 0755); err != nil {
		t.Fatal(err)
	}

	got, err := FindProjectRoot(deep)
	if err != nil {
		t.Fatalf("FindProjectRoot() error = %v", err)
	}
	want, _ := filepath.EvalSymlinks(root)
	gotReal, _ := filepath.EvalSymlinks(got)
	if gotReal != want {
		t.Errorf("FindProjectRoot() = %q, want %q", got, root)
	}

	if _, err := FindProjectRoot(t.TempDir()); !errors.Is(err, ErrNoProject) {
		t.Errorf("expected ErrNoProject, got %v", err)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	if cfg.Server.Addr() != "127.0.0.1:3141" {
		t.Errorf("default addr: expected 127.0.0.1:3141, got %q", cfg.Server.Addr())
	}
	if cfg.Guard.Confirmer != ConfirmerAuto {
		t.Errorf("default confirmer: expected auto, got %q", cfg.Guard.Confirmer)
	}
	if cfg.Guard.ConfirmTimeout() != 30*time.Second {
		t.Errorf("default confirm timeout: expected 30s, got %s", cfg.Guard.ConfirmTimeout())
	}
	if !cfg.Rules.Bundled || !cfg.Rules.Watch {
		t.Error("default rules: expected bundled and watch")
	}
	if !cfg.Audit.Enabled {
		t.Error("default audit: expected enabled")
	}
	if !cfg.Dashboard.Enabled {
		t.Error("default dashboard: expected true")
	}
	if cfg.Ralph.MaxIterations != 50 || cfg.Ralph.DoneMarker != "RALPH_DONE" {
		t.Errorf("default ralph: got %+v", cfg.Ralph)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  host: "0.0.0.0"
  port: 9090
guard:
  confirmer: dashboard
  confirmTimeoutMs: 5000
rules:
  paths:
    - /etc/pai/patterns.yaml
  bundled: false
audit:
  dir: /var/log/pai
dashboard:
  enabled: false
ralph:
  maxIterations: 10
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9090 {
		t.Errorf("server: got %+v", cfg.Server)
	}
	if cfg.Guard.Confirmer != ConfirmerDashboard {
		t.Errorf("confirmer: expected dashboard, got %q", cfg.Guard.Confirmer)
	}
	if cfg.Guard.ConfirmTimeout() != 5*time.Second {
		t.Errorf("timeout: expected 5s, got %s", cfg.Guard.ConfirmTimeout())
	}
	if cfg.Rules.Bundled {
		t.Error("bundled: expected false")
	}
	if !cfg.Rules.Watch {
		t.Error("watch should keep its default")
	}
	if got := cfg.RulePaths(); len(got) != 1 || got[0] != "/etc/pai/patterns.yaml" {
		t.Errorf("rule paths: got %v", got)
	}
	if cfg.AuditDir("/home/u/.pai") != "/var/log/pai" {
		t.Errorf("audit dir: got %q", cfg.AuditDir("/home/u/.pai"))
	}
	if cfg.Dashboard.Enabled {
		t.Error("dashboard: expected false")
	}
	if cfg.Ralph.MaxIterations != 10 || cfg.Ralph.DoneMarker != "RALPH_DONE" {
		t.Errorf("ralph: got %+v", cfg.Ralph)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9090
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host should be default 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Guard.ConfirmTimeoutMs != 30000 {
		t.Errorf("confirm timeout should be default, got %d", cfg.Guard.ConfirmTimeoutMs)
	}
}

func TestValidate(t *testing.T) {
	mutate := func(fn func(c *Config)) Config {
		c := applyDefaults()
		fn(c)
		return *c
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", *applyDefaults(), false},
		{"empty host", mutate(func(c *Config) { c.Server.Host = "" }), true},
		{"port 0", mutate(func(c *Config) { c.Server.Port = 0 }), true},
		{"port 65536", mutate(func(c *Config) { c.Server.Port = 65536 }), true},
		{"unknown confirmer", mutate(func(c *Config) { c.Guard.Confirmer = "slack" }), true},
		{"deny confirmer", mutate(func(c *Config) { c.Guard.Confirmer = ConfirmerDeny }), false},
		{"zero timeout", mutate(func(c *Config) { c.Guard.ConfirmTimeoutMs = 0 }), true},
		{"empty rule path", mutate(func(c *Config) { c.Rules.Paths = []string{""} }), true},
		{"zero ralph iterations", mutate(func(c *Config) { c.Ralph.MaxIterations = 0 }), true},
		{"empty done marker", mutate(func(c *Config) { c.Ralph.DoneMarker = "" }), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(&tt.cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}
	if cfg.Server.Port != 3141 {
		t.Errorf("roundtrip port: expected 3141, got %d", cfg.Server.Port)
	}
	if !cfg.Rules.Bundled {
		t.Error("roundtrip bundled: expected true")
	}

	// A second call leaves the file alone.
	if err := os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteDefault(path); err != nil {
		t.Fatal(err)
	}
	cfg, _ = Load(path)
	if cfg.Server.Port != 8080 {
		t.Errorf("existing config overwritten, port %d", cfg.Server.Port)
	}
}

func TestDefaultDir(t *testing.T) {
	t.Setenv("PAI_HOME", "/tmp/pai-home")
	if got := DefaultDir(); got != "/tmp/pai-home" {
		t.Errorf("expected PAI_HOME to win, got %q", got)
	}
}

func TestAuditDirDefault(t *testing.T) {
	cfg := Default()
	if got := cfg.AuditDir("/home/u/.pai"); got != filepath.Join("/home/u/.pai", "audit") {
		t.Errorf("default audit dir: got %q", got)
	}
}

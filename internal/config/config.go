// Package config handles loading, validating, and writing the pai
// configuration from ~/.pai/config.yaml.
//
// The config defines:
//   - Server bind address for `pai serve` (host:port)
//   - Guard behaviour: confirmation surface and timeout
//   - Extra patterns files and whether the bundled defaults apply
//   - Audit log location
//   - Dashboard toggle
//   - Ralph loop limits
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level pai configuration. Loaded from
// ~/.pai/config.yaml, with defaults for fields that are not set.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Guard     GuardConfig     `yaml:"guard"`
	Rules     RulesConfig     `yaml:"rules"`
	Audit     AuditConfig     `yaml:"audit"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Ralph     RalphConfig     `yaml:"ralph"`
}

// ServerConfig defines where `pai serve` listens.
// Default: 127.0.0.1:3141 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Confirmer names accepted by guard.confirmer.
const (
	ConfirmerAuto      = "auto"      // terminal when there is one, plus the dashboard under serve
	ConfirmerTerminal  = "terminal"  // /dev/tty only
	ConfirmerDashboard = "dashboard" // dashboard only
	ConfirmerDeny      = "deny"      // never ask, deny every AskUser
	ConfirmerAllow     = "allow"     // never ask, allow every AskUser
)

// GuardConfig controls how AskUser decisions are resolved.
type GuardConfig struct {
	Confirmer        string `yaml:"confirmer"`
	ConfirmTimeoutMs int    `yaml:"confirmTimeoutMs"`
}

// ConfirmTimeout returns the timeout as a duration.
func (g GuardConfig) ConfirmTimeout() time.Duration {
	return time.Duration(g.ConfirmTimeoutMs) * time.Millisecond
}

// RulesConfig lists patterns files probed after the project candidates.
type RulesConfig struct {
	Paths   []string `yaml:"paths"`
	Bundled bool     `yaml:"bundled"`
	Watch   bool     `yaml:"watch"`
}

// AuditConfig controls the session log.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"` // default <pai dir>/audit
}

// DashboardConfig controls the web dashboard served at /dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RalphConfig bounds the repeat-until-done loop.
type RalphConfig struct {
	MaxIterations int    `yaml:"maxIterations"`
	DoneMarker    string `yaml:"doneMarker"`
}

// DefaultDir returns the pai home directory: $PAI_HOME, or ~/.pai.
func DefaultDir() string {
	if dir := os.Getenv("PAI_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pai"
	}
	return filepath.Join(home, ".pai")
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. An existing file is left untouched.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# pai configuration
#
# server:
#   host, port: where "pai serve" listens (loopback by default)
#
# guard:
#   confirmer: auto | terminal | dashboard | deny | allow
#   confirmTimeoutMs: unanswered confirmations are denied after this long
#
# rules:
#   paths: extra patterns.yaml files, probed after the project files
#   bundled: fall back to the built-in patterns when nothing else loads
#   watch: reload patterns when a candidate file changes (serve only)
#
# audit:
#   enabled, dir: hash-chained session log (default <pai dir>/audit)
#
# dashboard:
#   enabled: serve the web UI at /dashboard
#
# ralph:
#   maxIterations, doneMarker: repeat-until-done loop limits

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their defaults.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3141,
		},
		Guard: GuardConfig{
			Confirmer:        ConfirmerAuto,
			ConfirmTimeoutMs: 30000,
		},
		Rules: RulesConfig{
			Bundled: true,
			Watch:   true,
		},
		Audit: AuditConfig{
			Enabled: true,
		},
		Dashboard: DashboardConfig{
			Enabled: true,
		},
		Ralph: RalphConfig{
			MaxIterations: 50,
			DoneMarker:    "RALPH_DONE",
		},
	}
}

// Default returns the default configuration.
func Default() *Config {
	return applyDefaults()
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	switch cfg.Guard.Confirmer {
	case ConfirmerAuto, ConfirmerTerminal, ConfirmerDashboard, ConfirmerDeny, ConfirmerAllow:
	default:
		return fmt.Errorf("guard.confirmer %q is not one of auto, terminal, dashboard, deny, allow", cfg.Guard.Confirmer)
	}
	if cfg.Guard.ConfirmTimeoutMs <= 0 {
		return fmt.Errorf("guard.confirmTimeoutMs must be positive")
	}

	for i, p := range cfg.Rules.Paths {
		if p == "" {
			return fmt.Errorf("rules.paths[%d] is empty", i)
		}
	}

	if cfg.Ralph.MaxIterations < 1 {
		return fmt.Errorf("ralph.maxIterations must be at least 1")
	}
	if cfg.Ralph.DoneMarker == "" {
		return fmt.Errorf("ralph.doneMarker must not be empty")
	}

	return nil
}

// AuditDir returns the audit directory, resolving the default against
// the pai home directory.
func (c *Config) AuditDir(paiDir string) string {
	if c.Audit.Dir != "" {
		return expandHome(c.Audit.Dir)
	}
	return filepath.Join(paiDir, "audit")
}

// RulePaths returns rules.paths with "~" expanded.
func (c *Config) RulePaths() []string {
	out := make([]string, 0, len(c.Rules.Paths))
	for _, p := range c.Rules.Paths {
		out = append(out, expandHome(p))
	}
	return out
}

func expandHome(p string) string {
	if len(p) < 2 || p[:2] != "~/" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

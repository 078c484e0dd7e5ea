// Package main is the CLI entry point for pai, the damage-control guard
// and personal AI infrastructure for pi-style coding agents.
//
// Every tool call an agent wants to make (bash, read, write, edit) is
// judged against the project's patterns.yaml before it runs. Dangerous
// calls are blocked, "ask" rules are confirmed with the user, and every
// block is written to a hash-chained session log.
//
//	host hook --stdin--> pai hook --> guard --> {"block":..., "reason":...}
//	host ext  --HTTP---> pai serve /v1/tool_call --> guard (per cwd)
//	                               /dashboard    --> live log + confirmations
//
// CLI commands (cobra):
//
//	pai hook            - Judge one tool call read from stdin
//	pai serve           - Serve the tool-call endpoint and dashboard
//	pai stop            - Stop a running server
//	pai rules           - Inspect and test damage-control patterns
//	pai audit           - Query and verify the session log
//	pai config          - View and create configuration
//	pai mission|goal|done|challenge|learn|status
//	pai loop|next       - Seven-phase inner loop
//	pai ralph           - Repeat-until-done loop
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/arosstale/pi-pai/internal/audit"
	"github.com/arosstale/pi-pai/internal/config"
	"github.com/arosstale/pi-pai/internal/confirm"
	"github.com/arosstale/pi-pai/internal/engine"
	"github.com/arosstale/pi-pai/internal/guard"
	"github.com/arosstale/pi-pai/internal/metrics"
	"github.com/arosstale/pi-pai/internal/pai"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// exitError carries a process exit status through cobra. `pai hook
// --exit-code` uses it to exit 2 on a block.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var (
	// paiDir holds config.yaml, state.yaml, sessions.yaml and audit/.
	paiDir string
	debug  bool
)

var rootCmd = &cobra.Command{
	Use:   "pai",
	Short: "pai: damage control and personal AI infrastructure for coding agents",
	Long: `pai guards the tool calls of a coding agent. Each bash command and file
access is checked against .pi/damage-control/patterns.yaml (or the bundled
defaults) and blocked, confirmed with you, or allowed.

It also keeps your mission, goals, learnings and loop state in ~/.pai.

Run 'pai config init' to create a configuration, then wire 'pai hook' into
your agent or run 'pai serve'.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&paiDir, "pai-dir", config.DefaultDir(), "Path to the pai config and state directory ($PAI_HOME)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(hookCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(configCmd)
	addPaiCommands(rootCmd)
}

// setupLogging installs a text handler on stderr. The hook command only
// logs errors by default: hosts show its stderr to the model.
func setupLogging(cmd *cobra.Command) {
	level := slog.LevelInfo
	if cmd == hookCmd {
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// ============================================================================
// Shared wiring
// ============================================================================

// app holds what every command that touches state needs.
type app struct {
	dir      string
	cfg      *config.Config
	auditLog *audit.AuditLog // nil when audit is disabled
	state    *pai.Store       // nil in hook mode when state.yaml is unreadable
	metrics  *metrics.Metrics // nil outside serve
}

// openApp loads config.yaml, the session log and state.yaml.
func openApp() (*app, error) {
	if err := os.MkdirAll(paiDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating pai directory %s: %w", paiDir, err)
	}

	cfg, err := config.Load(filepath.Join(paiDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	a := &app{dir: paiDir, cfg: cfg}

	var sink pai.Appender
	if cfg.Audit.Enabled {
		a.auditLog, err = audit.New(cfg.AuditDir(paiDir))
		if err != nil {
			return nil, fmt.Errorf("opening session log: %w", err)
		}
		sink = a.auditLog
	}

	a.state, err = pai.Open(filepath.Join(paiDir, "state.yaml"), sink)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening pai state: %w", err)
	}
	return a, nil
}

// openHookApp is openApp for `pai hook`. The session log and state.yaml
// only record what the guard decided, so failing to open them is logged
// and the call is still decided. An unreadable config.yaml falls back to
// the defaults.
func openHookApp() *app {
	if err := os.MkdirAll(paiDir, 0o755); err != nil {
		slog.Error("cannot create pai directory", "dir", paiDir, "error", err)
	}

	cfg, err := config.Load(filepath.Join(paiDir, "config.yaml"))
	if err != nil {
		slog.Error("config unreadable, using defaults", "error", err)
		cfg = config.Default()
	}

	a := &app{dir: paiDir, cfg: cfg}

	var sink pai.Appender
	if cfg.Audit.Enabled {
		log, err := audit.New(cfg.AuditDir(paiDir))
		if err != nil {
			slog.Error("session log unavailable, blocks will not be recorded", "error", err)
		} else {
			a.auditLog = log
			sink = log
		}
	}

	state, err := pai.Open(filepath.Join(paiDir, "state.yaml"), sink)
	if err != nil {
		slog.Error("pai state unavailable, signals will not be counted", "error", err)
	} else {
		a.state = state
	}
	return a
}

func (a *app) Close() {
	if a.auditLog != nil {
		a.auditLog.Close()
	}
}

func (a *app) lifecycle(event string, meta map[string]any) {
	if a.auditLog != nil {
		a.auditLog.LogLifecycle(event, meta)
	}
}

// ruleStore returns the patterns store described by config.yaml.
func (a *app) ruleStore() *engine.Store {
	return &engine.Store{
		ExtraPaths: a.cfg.RulePaths(),
		Bundled:    a.cfg.Rules.Bundled,
	}
}

// newGuardFunc returns the per-workspace guard constructor. Every block
// is audited and counted as a pai signal.
func (a *app) newGuardFunc(gate *confirm.Gate) func(cwd string) *guard.Guard {
	store := a.ruleStore()
	return func(cwd string) *guard.Guard {
		opts := guard.Options{
			Store:   store,
			Cwd:     cwd,
			Gate:    gate,
			Metrics: a.metrics,
			OnBlock: a.recordSignal,
		}
		if a.auditLog != nil {
			opts.Audit = a.auditLog
		}
		return guard.New(opts)
	}
}

func (a *app) recordSignal(engine.AuditEvent) {
	if a.state == nil {
		return
	}
	if err := a.state.RecordSignal(); err != nil {
		slog.Warn("failed to record signal", "error", err)
	}
}

// confirmer builds the confirmation surface named by guard.confirmer.
// broker is nil outside serve. The returned func releases the terminal.
func (a *app) confirmer(broker *confirm.Broker) (confirm.Confirmer, func()) {
	noop := func() {}

	switch a.cfg.Guard.Confirmer {
	case config.ConfirmerAllow:
		return confirm.Static(true), noop
	case config.ConfirmerDeny:
		return confirm.Static(false), noop
	case config.ConfirmerDashboard:
		if broker == nil {
			slog.Warn("dashboard confirmer needs pai serve, ask rules will be denied")
			return nil, noop
		}
		return broker, noop
	}

	var cs []confirm.Confirmer
	release := noop
	tty, err := confirm.OpenTerminal()
	switch {
	case err == nil:
		cs = append(cs, tty)
		release = func() { tty.Close() }
	case a.cfg.Guard.Confirmer == config.ConfirmerTerminal:
		slog.Warn("terminal confirmer unavailable, ask rules will be denied", "error", err)
	default:
		slog.Debug("no terminal for confirmations", "error", err)
	}

	if a.cfg.Guard.Confirmer == config.ConfirmerAuto && broker != nil {
		cs = append(cs, broker)
	}

	switch len(cs) {
	case 0:
		return nil, release
	case 1:
		return cs[0], release
	default:
		return confirm.Any(cs...), release
	}
}

// Package guard runs the damage-control pipeline for one workspace.
//
// A Guard owns the active RuleSet for a working directory and applies it
// to every intercepted tool call:
//
//	engine.Decide (pure) -> confirm.Gate (AskUser only) -> audit + metrics
//
// Side effects live here and nowhere else: the engine never logs, audits
// or prompts. The RuleSet is held in an atomic pointer so a reload never
// blocks or tears an in-flight decision.
package guard

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/arosstale/pi-pai/internal/confirm"
	"github.com/arosstale/pi-pai/internal/engine"
	"github.com/arosstale/pi-pai/internal/metrics"
)

// Recorder persists terminal blocks. *audit.AuditLog implements it.
type Recorder interface {
	Record(engine.AuditEvent)
}

// Result is what the host receives for one tool call.
type Result struct {
	Block  bool   `json:"block"`
	Reason string `json:"reason,omitempty"`
}

// Options configures a Guard. Only Store is required.
type Options struct {
	Store   *engine.Store
	Cwd     string
	Home    string // defaults to the user's home directory
	Gate    *confirm.Gate
	Audit   Recorder
	Metrics *metrics.Metrics

	// OnBlock is called after every terminal block is recorded.
	OnBlock func(engine.AuditEvent)
}

// Guard applies the rule set for one working directory.
type Guard struct {
	store   *engine.Store
	env     engine.Env
	gate    *confirm.Gate
	audit   Recorder
	metrics *metrics.Metrics
	onBlock func(engine.AuditEvent)

	rules   atomic.Pointer[engine.RuleSet]
	signals atomic.Int64
}

// New creates a Guard and loads its rule set.
func New(opts Options) *Guard {
	home := opts.Home
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	store := opts.Store
	if store == nil {
		store = engine.NewStore()
	}

	g := &Guard{
		store:   store,
		env:     engine.Env{Cwd: opts.Cwd, Home: home},
		gate:    opts.Gate,
		audit:   opts.Audit,
		metrics: opts.Metrics,
		onBlock: opts.OnBlock,
	}
	g.Reload()
	return g
}

// Env returns the directories path patterns resolve against.
func (g *Guard) Env() engine.Env { return g.env }

// Rules returns the active rule set. Never nil.
func (g *Guard) Rules() *engine.RuleSet {
	if rs := g.rules.Load(); rs != nil {
		return rs
	}
	return &engine.RuleSet{}
}

// Candidates returns the patterns files this guard probes.
func (g *Guard) Candidates() []string {
	return g.store.Candidates(g.env.Cwd)
}

// Reload re-probes the candidates and swaps in the new rule set. It
// cannot fail: a missing or broken file yields the next candidate, and
// ultimately the empty rule set.
func (g *Guard) Reload() *engine.RuleSet {
	rs := g.store.Load(g.env.Cwd)
	g.SetRules(rs)
	return rs
}

// SetRules activates rs.
func (g *Guard) SetRules(rs *engine.RuleSet) {
	old := g.rules.Swap(rs)
	for range rs.Warnings {
		g.metrics.RuleWarning()
	}
	g.metrics.SetRules(rs.Count())
	if old != nil {
		g.metrics.RecordReload(true)
		slog.Info("rule set reloaded", "cwd", g.env.Cwd, "source", rs.Source)
	}
}

// Evaluate returns the engine's decision without confirming, auditing or
// counting anything. Used by `pai rules test`.
func (g *Guard) Evaluate(action engine.Action) engine.Decision {
	return engine.Decide(action, g.Rules(), g.env)
}

// Intercept decides one tool call. An AskUser decision is resolved
// through the gate, so the returned decision is always Allow or Block.
// Every Block is audited, counted and reported to OnBlock.
func (g *Guard) Intercept(ctx context.Context, action engine.Action) (Result, engine.Decision) {
	start := time.Now()
	d := engine.Decide(action, g.Rules(), g.env)
	g.metrics.ObserveDecide(time.Since(start))

	if _, ok := action.(engine.UnknownAction); ok {
		slog.Debug("tool kind not judged, allowing", "tool", action.Tool())
	}

	if d.Outcome == engine.AskUser {
		d = g.gate.Resolve(ctx, action, d)
	}

	g.metrics.RecordDecision(action.Tool(), d.Outcome.String(), string(d.Cause))

	if !d.Blocked() {
		return Result{}, d
	}

	g.signals.Add(1)
	ev := engine.AuditEvent{
		Action:    action,
		Decision:  d,
		Cause:     d.Cause,
		Timestamp: time.Now(),
	}
	if g.audit != nil {
		g.audit.Record(ev)
	}
	if g.onBlock != nil {
		g.onBlock(ev)
	}
	slog.Warn("tool call blocked", "tool", action.Tool(), "cause", d.Cause, "rule", d.RuleText())

	return Result{Block: true, Reason: d.Reason}, d
}

// Signals returns the number of blocks since the guard was created.
func (g *Guard) Signals() int64 { return g.signals.Load() }

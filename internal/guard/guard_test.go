package guard

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/arosstale/pi-pai/internal/confirm"
	"github.com/arosstale/pi-pai/internal/engine"
	"github.com/arosstale/pi-pai/internal/metrics"
)

const testPatterns = `
bashToolPatterns:
  - pattern: '\brm\s+-rf\b'
    reason: recursive delete
  - pattern: '\bgit\s+branch\s+-D\b'
    reason: force deletes branch
    ask: true
zeroAccessPaths:
  - ~/.ssh/
  - .env
readOnlyPaths:
  - /etc/
`

// recorder collects audited events.
type recorder struct {
	mu     sync.Mutex
	events []engine.AuditEvent
}

func (r *recorder) Record(ev engine.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) list() []engine.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.AuditEvent(nil), r.events...)
}

func projectDir(t *testing.T, doc string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, engine.ProjectPatternsPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func newTestGuard(t *testing.T, answer confirm.Confirmer) (*Guard, *recorder, *metrics.Metrics) {
	t.Helper()
	rec := &recorder{}
	m := metrics.New()
	g := New(Options{
		Store:   &engine.Store{},
		Cwd:     projectDir(t, testPatterns),
		Home:    "/home/user",
		Gate:    confirm.NewGate(answer, time.Second),
		Audit:   rec,
		Metrics: m,
	})
	return g, rec, m
}

func TestIntercept_AllowsHarmless(t *testing.T) {
	g, rec, m := newTestGuard(t, nil)

	res, d := g.Intercept(context.Background(), engine.BashAction{Command: "ls -la"})
	if res.Block {
		t.Fatalf("ls should be allowed, got %+v", res)
	}
	if d.Outcome != engine.Allow {
		t.Errorf("expected Allow, got %s", d.Outcome)
	}
	if len(rec.list()) != 0 {
		t.Error("allowed actions must not be audited")
	}
	if g.Signals() != 0 {
		t.Errorf("signals: expected 0, got %d", g.Signals())
	}
	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("bash", "allow", "none")); got != 1 {
		t.Errorf("allow decisions: expected 1, got %v", got)
	}
}

func TestIntercept_RuleBlockIsAudited(t *testing.T) {
	var blocked []engine.AuditEvent
	g, rec, m := newTestGuard(t, nil)
	g.onBlock = func(ev engine.AuditEvent) { blocked = append(blocked, ev) }

	res, d := g.Intercept(context.Background(), engine.BashAction{Command: "rm -rf /tmp/x"})
	if !res.Block {
		t.Fatal("rm -rf should be blocked")
	}
	if !strings.Contains(res.Reason, "recursive delete") || !strings.Contains(res.Reason, engine.NoRetry) {
		t.Errorf("reason: got %q", res.Reason)
	}
	if d.Cause != engine.CauseRule {
		t.Errorf("cause: expected rule, got %q", d.Cause)
	}

	events := rec.list()
	if len(events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(events))
	}
	if events[0].Cause != engine.CauseRule || events[0].Action.Text() != "rm -rf /tmp/x" {
		t.Errorf("audit event: got %+v", events[0])
	}
	if len(blocked) != 1 {
		t.Errorf("OnBlock: expected 1 call, got %d", len(blocked))
	}
	if g.Signals() != 1 {
		t.Errorf("signals: expected 1, got %d", g.Signals())
	}
	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("bash", "block", "rule")); got != 1 {
		t.Errorf("block decisions: expected 1, got %v", got)
	}
}

func TestIntercept_PathBlock(t *testing.T) {
	g, rec, _ := newTestGuard(t, nil)

	tests := []struct {
		name   string
		action engine.Action
		block  bool
	}{
		{"read ssh key", engine.FileAction{Op: engine.OpRead, Path: "/home/user/.ssh/id_rsa"}, true},
		{"edit env", engine.FileAction{Op: engine.OpEdit, Path: "/srv/app/.env"}, true},
		{"read etc", engine.FileAction{Op: engine.OpRead, Path: "/etc/hosts"}, false},
		{"write etc", engine.FileAction{Op: engine.OpWrite, Path: "/etc/hosts"}, true},
		{"write src", engine.FileAction{Op: engine.OpWrite, Path: "/srv/app/main.go"}, false},
		{"unknown tool", engine.UnknownAction{Name: "grep"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, d := g.Intercept(context.Background(), tt.action)
			if res.Block != tt.block {
				t.Errorf("block: expected %v, got %v (%s)", tt.block, res.Block, res.Reason)
			}
			if tt.block && d.Cause != engine.CausePath {
				t.Errorf("cause: expected path, got %q", d.Cause)
			}
		})
	}

	if got := len(rec.list()); got != 3 {
		t.Errorf("audit events: expected 3, got %d", got)
	}
}

func TestIntercept_AskConfirmed(t *testing.T) {
	g, rec, _ := newTestGuard(t, confirm.Static(true))

	res, d := g.Intercept(context.Background(), engine.BashAction{Command: "git branch -D feature"})
	if res.Block {
		t.Fatalf("confirmed ask should be allowed, got %q", res.Reason)
	}
	if d.Outcome != engine.Allow || d.CommandRule == nil {
		t.Errorf("decision: got %+v", d)
	}
	if len(rec.list()) != 0 {
		t.Error("confirmed actions must not be audited")
	}
}

func TestIntercept_AskDenied(t *testing.T) {
	g, rec, m := newTestGuard(t, confirm.Static(false))

	res, d := g.Intercept(context.Background(), engine.BashAction{Command: "git branch -D feature"})
	if !res.Block {
		t.Fatal("denied ask should block")
	}
	if d.Cause != engine.CauseUserDenied {
		t.Errorf("cause: expected user_denied, got %q", d.Cause)
	}
	if !strings.Contains(res.Reason, "force deletes branch") {
		t.Errorf("reason: got %q", res.Reason)
	}

	events := rec.list()
	if len(events) != 1 || events[0].Cause != engine.CauseUserDenied {
		t.Fatalf("expected one user_denied event, got %+v", events)
	}
	if got := testutil.ToFloat64(m.Decisions.WithLabelValues("bash", "block", "user_denied")); got != 1 {
		t.Errorf("user_denied decisions: expected 1, got %v", got)
	}
}

func TestIntercept_AskWithoutGateBlocks(t *testing.T) {
	g := New(Options{
		Store: &engine.Store{},
		Cwd:   projectDir(t, testPatterns),
		Home:  "/home/user",
	})

	res, d := g.Intercept(context.Background(), engine.BashAction{Command: "git branch -D feature"})
	if !res.Block || d.Cause != engine.CauseUserDenied {
		t.Errorf("ask without a gate must be denied, got %+v / %+v", res, d)
	}
}

func TestGuard_EmptyRuleSetAllows(t *testing.T) {
	g := New(Options{Store: &engine.Store{}, Cwd: t.TempDir(), Home: "/home/user"})

	if !g.Rules().Empty() {
		t.Fatal("expected an empty rule set")
	}
	res, _ := g.Intercept(context.Background(), engine.BashAction{Command: "rm -rf /"})
	if res.Block {
		t.Error("empty rule set must allow everything")
	}
}

func TestGuard_Reload(t *testing.T) {
	g, _, m := newTestGuard(t, nil)
	if d := g.Evaluate(engine.BashAction{Command: "terraform destroy"}); d.Outcome != engine.Allow {
		t.Fatalf("expected Allow before reload, got %s", d.Outcome)
	}

	path := filepath.Join(g.Env().Cwd, engine.ProjectPatternsPath)
	doc := `
bashToolPatterns:
  - pattern: 'terraform\s+destroy'
    reason: destroys infrastructure
  - pattern: '(unclosed'
    reason: broken
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	rs := g.Reload()
	if commands, _ := rs.Count(); commands != 1 {
		t.Errorf("expected 1 command rule after reload, got %d", commands)
	}
	if d := g.Evaluate(engine.BashAction{Command: "terraform destroy"}); d.Outcome != engine.Block {
		t.Errorf("expected Block after reload, got %s", d.Outcome)
	}
	if d := g.Evaluate(engine.BashAction{Command: "rm -rf /"}); d.Outcome != engine.Allow {
		t.Errorf("old rules must be gone after reload, got %s", d.Outcome)
	}

	if got := testutil.ToFloat64(m.Reloads.WithLabelValues("success")); got != 1 {
		t.Errorf("reloads: expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.LoadWarnings); got != 1 {
		t.Errorf("load warnings: expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.RulesLoaded.WithLabelValues("command")); got != 1 {
		t.Errorf("rules loaded: expected 1, got %v", got)
	}
}

func TestGuard_ConcurrentInterceptAndReload(t *testing.T) {
	g, _, _ := newTestGuard(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				res, _ := g.Intercept(context.Background(), engine.BashAction{Command: "rm -rf build"})
				if !res.Block {
					t.Error("rm -rf must stay blocked across reloads")
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		g.Reload()
	}
	wg.Wait()

	if g.Signals() != 400 {
		t.Errorf("signals: expected 400, got %d", g.Signals())
	}
}

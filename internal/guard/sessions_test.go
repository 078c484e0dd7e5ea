package guard

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/arosstale/pi-pai/internal/confirm"
	"github.com/arosstale/pi-pai/internal/engine"
)

func newTestSessions(t *testing.T, path string, answer confirm.Confirmer) *Sessions {
	t.Helper()
	s, err := NewSessions(path, func(cwd string) *Guard {
		return New(Options{
			Store: &engine.Store{},
			Cwd:   cwd,
			Home:  "/home/user",
			Gate:  confirm.NewGate(answer, 0),
		})
	})
	if err != nil {
		t.Fatalf("NewSessions: %v", err)
	}
	return s
}

func TestNewSessions_NonexistentFile(t *testing.T) {
	s := newTestSessions(t, filepath.Join(t.TempDir(), "sessions.yaml"), nil)
	if len(s.List()) != 0 {
		t.Error("expected no workspaces")
	}
}

func TestSessions_GuardPerWorkspace(t *testing.T) {
	s := newTestSessions(t, "", nil)
	protected := projectDir(t, testPatterns)
	open := t.TempDir()

	var created []string
	s.OnCreate = func(g *Guard) { created = append(created, g.Env().Cwd) }

	if s.Guard(protected) != s.Guard(protected) {
		t.Error("expected the same guard for the same cwd")
	}

	res, _ := s.Intercept(context.Background(), protected, engine.BashAction{Command: "rm -rf x"})
	if !res.Block {
		t.Error("protected workspace should block rm -rf")
	}
	res, _ = s.Intercept(context.Background(), open, engine.BashAction{Command: "rm -rf x"})
	if res.Block {
		t.Error("workspace without patterns should allow everything")
	}

	if len(created) != 2 {
		t.Errorf("OnCreate: expected 2 calls, got %d (%v)", len(created), created)
	}
	if len(s.Guards()) != 2 {
		t.Errorf("expected 2 guards, got %d", len(s.Guards()))
	}
}

func TestSessions_Stats(t *testing.T) {
	s := newTestSessions(t, "", confirm.Static(true))
	cwd := projectDir(t, testPatterns)
	ctx := context.Background()

	s.Intercept(ctx, cwd, engine.BashAction{Command: "ls"})
	s.Intercept(ctx, cwd, engine.BashAction{Command: "rm -rf x"})
	s.Intercept(ctx, cwd, engine.BashAction{Command: "git branch -D old"})

	ws, err := s.Get(cwd)
	if err != nil {
		t.Fatal(err)
	}
	want := WorkspaceStats{ToolCalls: 3, Blocked: 1, Confirmed: 1}
	if ws.Stats != want {
		t.Errorf("stats: expected %+v, got %+v", want, ws.Stats)
	}
	if ws.FirstSeen.IsZero() || ws.LastSeen.Before(ws.FirstSeen) {
		t.Errorf("timestamps: first %v last %v", ws.FirstSeen, ws.LastSeen)
	}
	if ws.RuleSource == "" {
		t.Error("expected the rule source to be recorded")
	}
}

func TestSessions_DeniedCounted(t *testing.T) {
	s := newTestSessions(t, "", confirm.Static(false))
	cwd := projectDir(t, testPatterns)

	s.Intercept(context.Background(), cwd, engine.BashAction{Command: "git branch -D old"})

	ws, _ := s.Get(cwd)
	if ws.Stats.Denied != 1 || ws.Stats.Blocked != 1 {
		t.Errorf("expected one denied block, got %+v", ws.Stats)
	}
}

func TestSessions_GetUnknown(t *testing.T) {
	s := newTestSessions(t, "", nil)
	if _, err := s.Get("/nowhere"); err == nil {
		t.Error("expected error for unknown workspace")
	}
}

func TestSessions_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "sessions.yaml")
	cwd := projectDir(t, testPatterns)

	s := newTestSessions(t, path, nil)
	s.Intercept(context.Background(), cwd, engine.BashAction{Command: "rm -rf x"})
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2 := newTestSessions(t, path, nil)
	ws, err := s2.Get(cwd)
	if err != nil {
		t.Fatalf("workspace lost across reload: %v", err)
	}
	if ws.Stats.ToolCalls != 1 || ws.Stats.Blocked != 1 {
		t.Errorf("stats after reload: got %+v", ws.Stats)
	}
	if ws.Cwd != cwd {
		t.Errorf("cwd: expected %q, got %q", cwd, ws.Cwd)
	}
}

func TestSessions_ReloadAll(t *testing.T) {
	s := newTestSessions(t, "", nil)
	a := s.Guard(projectDir(t, testPatterns))
	b := s.Guard(t.TempDir())
	before := a.Rules()

	s.ReloadAll()

	if a.Rules() == before {
		t.Error("expected a fresh rule set after ReloadAll")
	}
	if !b.Rules().Empty() {
		t.Error("workspace without patterns should stay empty")
	}
}

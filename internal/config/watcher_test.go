package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_RulesChange(t *testing.T) {
	dir := t.TempDir()
	rules := filepath.Join(dir, "patterns.yaml")
	missing := filepath.Join(dir, "absent", "patterns.yaml")

	changed := make(chan string, 4)
	w, err := NewWatcher(WatchTargets{
		RulePaths:     []string{rules, missing},
		OnRulesChange: func(path string) { changed <- path },
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(rules, []byte("bashToolPatterns: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-changed:
		if got != rules {
			t.Errorf("expected %s, got %s", rules, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no rules change event")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	fired := make(chan struct{}, 4)
	w, err := NewWatcher(WatchTargets{
		ConfigPath:     cfgPath,
		OnConfigChange: func() { fired <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
		t.Fatal("unrelated file should not trigger a config reload")
	case <-time.After(200 * time.Millisecond):
	}

	if err := os.WriteFile(cfgPath, []byte("server:\n  port: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("no config change event")
	}
}

func TestWatcher_CloseTwice(t *testing.T) {
	w, err := NewWatcher(WatchTargets{ConfigPath: filepath.Join(t.TempDir(), "config.yaml")})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestWatcher_AddAfterStart(t *testing.T) {
	dir := t.TempDir()
	later := filepath.Join(dir, "project", "patterns.yaml")
	if err := os.MkdirAll(filepath.Dir(later), 0o755); err != nil {
		t.Fatal(err)
	}

	changed := make(chan string, 4)
	w, err := NewWatcher(WatchTargets{OnRulesChange: func(path string) { changed <- path }})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := w.Add(later, later); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := os.WriteFile(later, []byte("zeroAccessPaths: [.env]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-changed:
		if got != later {
			t.Errorf("expected %s, got %s", later, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event for a path added after start")
	}
}

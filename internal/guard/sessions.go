package guard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arosstale/pi-pai/internal/engine"
)

// Workspace is a working directory seen by `pai serve`. Workspaces are
// registered on their first tool call and accumulate stats.
type Workspace struct {
	Cwd        string         `yaml:"-" json:"cwd"`
	FirstSeen  time.Time      `yaml:"first_seen" json:"first_seen"`
	LastSeen   time.Time      `yaml:"last_seen" json:"last_seen"`
	RuleSource string         `yaml:"rule_source" json:"rule_source"`
	Stats      WorkspaceStats `yaml:"stats" json:"stats"`
}

// WorkspaceStats holds cumulative counters for a workspace.
type WorkspaceStats struct {
	ToolCalls uint64 `yaml:"tool_calls" json:"tool_calls"`
	Blocked   uint64 `yaml:"blocked" json:"blocked"`
	Confirmed uint64 `yaml:"confirmed" json:"confirmed"`
	Denied    uint64 `yaml:"denied" json:"denied"`
}

// Sessions maps working directories to their guards. A server handles
// tool calls from several projects at once, and each project may carry
// its own patterns file, so each cwd gets its own Guard.
//
// Thread-safe. Stats persist to sessions.yaml on Save.
type Sessions struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace
	guards     map[string]*Guard
	path       string
	newGuard   func(cwd string) *Guard

	// OnCreate is called once for every guard created. `pai serve` uses
	// it to watch the new workspace's patterns candidates.
	OnCreate func(*Guard)
}

type sessionsFile struct {
	Workspaces map[string]*Workspace `yaml:"workspaces"`
}

// NewSessions loads workspace stats from path. A missing file yields an
// empty registry. newGuard builds the guard for a cwd on first use.
func NewSessions(path string, newGuard func(cwd string) *Guard) (*Sessions, error) {
	s := &Sessions{
		workspaces: make(map[string]*Workspace),
		guards:     make(map[string]*Guard),
		path:       path,
		newGuard:   newGuard,
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading sessions %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var file sessionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing sessions %s: %w", path, err)
	}
	for cwd, ws := range file.Workspaces {
		if ws == nil {
			continue
		}
		ws.Cwd = cwd
		s.workspaces[cwd] = ws
	}

	slog.Info("sessions loaded", "workspaces", len(s.workspaces), "path", path)
	return s, nil
}

// Guard returns the guard for cwd, creating it on first use.
func (s *Sessions) Guard(cwd string) *Guard {
	cwd = cleanCwd(cwd)

	s.mu.RLock()
	g, ok := s.guards[cwd]
	s.mu.RUnlock()
	if ok {
		return g
	}

	s.mu.Lock()
	if g, ok = s.guards[cwd]; ok {
		s.mu.Unlock()
		return g
	}
	g = s.newGuard(cwd)
	s.guards[cwd] = g
	s.mu.Unlock()

	slog.Info("workspace guard created", "cwd", cwd, "source", g.Rules().Source)
	if s.OnCreate != nil {
		s.OnCreate(g)
	}
	return g
}

// Intercept routes a tool call to the guard for cwd and records it in
// the workspace stats.
func (s *Sessions) Intercept(ctx context.Context, cwd string, action engine.Action) (Result, engine.Decision) {
	g := s.Guard(cwd)
	res, d := g.Intercept(ctx, action)
	s.record(cleanCwd(cwd), g, d)
	return res, d
}

func (s *Sessions) record(cwd string, g *Guard, d engine.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	ws, ok := s.workspaces[cwd]
	if !ok {
		ws = &Workspace{Cwd: cwd, FirstSeen: now}
		s.workspaces[cwd] = ws
	}
	ws.LastSeen = now
	ws.RuleSource = g.Rules().Source
	ws.Stats.ToolCalls++

	switch {
	case d.Cause == engine.CauseUserDenied:
		ws.Stats.Denied++
		ws.Stats.Blocked++
	case d.Blocked():
		ws.Stats.Blocked++
	case d.CommandRule != nil:
		// An allowed decision only carries a rule when it was confirmed.
		ws.Stats.Confirmed++
	}
}

// ReloadAll reloads the rule set of every live guard.
func (s *Sessions) ReloadAll() {
	s.mu.RLock()
	guards := make([]*Guard, 0, len(s.guards))
	for _, g := range s.guards {
		guards = append(guards, g)
	}
	s.mu.RUnlock()

	for _, g := range guards {
		g.Reload()
	}
}

// Guards returns the live guards, sorted by cwd.
func (s *Sessions) Guards() []*Guard {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Guard, 0, len(s.guards))
	for _, g := range s.guards {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].env.Cwd < out[j].env.Cwd })
	return out
}

// List returns all known workspaces, sorted by cwd.
func (s *Sessions) List() []Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		out = append(out, *ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cwd < out[j].Cwd })
	return out
}

// Get returns the workspace for cwd, or an error if it was never seen.
func (s *Sessions) Get(cwd string) (Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ws, ok := s.workspaces[cleanCwd(cwd)]
	if !ok {
		return Workspace{}, fmt.Errorf("workspace %q not found", cwd)
	}
	return *ws, nil
}

// Save persists workspace stats. Called on graceful shutdown.
func (s *Sessions) Save() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	data, err := yaml.Marshal(&sessionsFile{Workspaces: s.workspaces})
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling sessions: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating sessions directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing sessions %s: %w", s.path, err)
	}
	return nil
}

func cleanCwd(cwd string) string {
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
		return "."
	}
	if abs, err := filepath.Abs(cwd); err == nil {
		return abs
	}
	return filepath.Clean(cwd)
}

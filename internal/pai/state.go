// Package pai tracks the personal AI infrastructure state for a user:
// the mission, goals, challenges, learnings, the seven-phase inner loop
// and the Ralph repeat-until-done loop.
//
// State persists to ~/.pai/state.yaml. Every mutation re-reads the file
// first, so the CLI and a running `pai serve` can both update it. Each
// mutation is also appended to the session log under its pai-* kind.
package pai

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arosstale/pi-pai/internal/audit"
)

var (
	// ErrNotFound is returned for an unknown goal ID.
	ErrNotFound = errors.New("not found")
	// ErrNoLoop is returned by Next when no inner loop is active.
	ErrNoLoop = errors.New("no active inner loop")
	// ErrEmpty is returned when a required text argument is blank.
	ErrEmpty = errors.New("text must not be empty")
	// ErrConfidence is returned for a confidence outside [0, 1].
	ErrConfidence = errors.New("confidence must be between 0 and 1")
)

// DefaultConfidence is assigned to learnings recorded without one.
const DefaultConfidence = 0.8

// Goal statuses and priorities.
const (
	GoalActive    = "active"
	GoalBlocked   = "blocked"
	GoalCompleted = "completed"
	GoalPaused    = "paused"

	DefaultPriority = "p1"
	DefaultSeverity = "medium"
)

type Goal struct {
	ID        string   `yaml:"id" json:"id"`
	Title     string   `yaml:"title" json:"title"`
	Status    string   `yaml:"status" json:"status"`
	Priority  string   `yaml:"priority" json:"priority"`
	BlockedBy []string `yaml:"blocked_by,omitempty" json:"blocked_by,omitempty"`
}

type Challenge struct {
	ID            string   `yaml:"id" json:"id"`
	Title         string   `yaml:"title" json:"title"`
	Severity      string   `yaml:"severity" json:"severity"`
	AffectedGoals []string `yaml:"affected_goals" json:"affected_goals"`
}

type Learning struct {
	Insight    string    `yaml:"insight" json:"insight"`
	Confidence float64   `yaml:"confidence" json:"confidence"`
	Timestamp  time.Time `yaml:"timestamp" json:"timestamp"`
}

// State is the persisted document.
type State struct {
	Mission    string      `yaml:"mission,omitempty" json:"mission,omitempty"`
	Goals      []Goal      `yaml:"goals" json:"goals"`
	Challenges []Challenge `yaml:"challenges" json:"challenges"`
	Learnings  []Learning  `yaml:"learnings" json:"learnings"`
	InnerLoop  *InnerLoop  `yaml:"inner_loop,omitempty" json:"inner_loop,omitempty"`
	Iterations int         `yaml:"iterations" json:"iterations"`
	Signals    int         `yaml:"signals" json:"signals"`
	Ralph      *Ralph      `yaml:"ralph,omitempty" json:"ralph,omitempty"`
}

// Appender receives session events. *audit.AuditLog implements it.
type Appender interface {
	Append(kind string, payload map[string]any)
}

// Store guards the state file.
type Store struct {
	mu    sync.Mutex
	path  string
	state State
	sink  Appender
}

// Open loads the state at path. A missing file is an empty state. sink
// may be nil.
func Open(path string, sink Appender) (*Store, error) {
	s := &Store{path: path, sink: sink}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the state file.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		slog.Warn("reading pai state", "error", err)
	}
	return s.state.clone()
}

// SetMission replaces the mission statement.
func (s *Store) SetMission(mission string) error {
	mission = strings.TrimSpace(mission)
	if mission == "" {
		return fmt.Errorf("mission: %w", ErrEmpty)
	}
	return s.update(func(st *State) (string, map[string]any) {
		st.Mission = mission
		return audit.KindMission, map[string]any{"mission": mission}
	})
}

// AddGoal adds an active goal with the next gN ID.
func (s *Store) AddGoal(title string) (Goal, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Goal{}, fmt.Errorf("goal: %w", ErrEmpty)
	}
	var g Goal
	err := s.update(func(st *State) (string, map[string]any) {
		g = Goal{
			ID:       fmt.Sprintf("g%d", len(st.Goals)),
			Title:    title,
			Status:   GoalActive,
			Priority: DefaultPriority,
		}
		st.Goals = append(st.Goals, g)
		return audit.KindGoal, map[string]any{
			"id": g.ID, "title": g.Title, "status": g.Status, "priority": g.Priority,
		}
	})
	return g, err
}

// CompleteGoal marks a goal completed.
func (s *Store) CompleteGoal(id string) (Goal, error) {
	id = strings.TrimSpace(id)
	var g Goal
	var missing bool
	err := s.update(func(st *State) (string, map[string]any) {
		for i := range st.Goals {
			if st.Goals[i].ID == id {
				st.Goals[i].Status = GoalCompleted
				g = st.Goals[i]
				return audit.KindGoalDone, map[string]any{"goalId": id}
			}
		}
		missing = true
		return "", nil
	})
	if err != nil {
		return Goal{}, err
	}
	if missing {
		return Goal{}, fmt.Errorf("goal %q: %w", id, ErrNotFound)
	}
	return g, nil
}

// AddChallenge records a challenge with the next cN ID.
func (s *Store) AddChallenge(title string) (Challenge, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Challenge{}, fmt.Errorf("challenge: %w", ErrEmpty)
	}
	var c Challenge
	err := s.update(func(st *State) (string, map[string]any) {
		c = Challenge{
			ID:            fmt.Sprintf("c%d", len(st.Challenges)),
			Title:         title,
			Severity:      DefaultSeverity,
			AffectedGoals: []string{},
		}
		st.Challenges = append(st.Challenges, c)
		return audit.KindChallenge, map[string]any{
			"id": c.ID, "title": c.Title, "severity": c.Severity, "affectedGoals": c.AffectedGoals,
		}
	})
	return c, err
}

// Learn records an insight.
func (s *Store) Learn(insight string, confidence float64) (Learning, error) {
	insight = strings.TrimSpace(insight)
	if insight == "" {
		return Learning{}, fmt.Errorf("learning: %w", ErrEmpty)
	}
	if confidence < 0 || confidence > 1 {
		return Learning{}, fmt.Errorf("learning confidence %v: %w", confidence, ErrConfidence)
	}
	l := Learning{Insight: insight, Confidence: confidence, Timestamp: time.Now().UTC()}
	err := s.update(func(st *State) (string, map[string]any) {
		st.Learnings = append(st.Learnings, l)
		return audit.KindLearning, map[string]any{"insight": insight, "confidence": confidence}
	})
	return l, err
}

// RecordSignal counts one damage-control block.
func (s *Store) RecordSignal() error {
	return s.update(func(st *State) (string, map[string]any) {
		st.Signals++
		return "", nil
	})
}

// update runs fn against freshly loaded state, saves, and appends the
// event fn returns. An empty kind appends nothing.
func (s *Store) update(fn func(*State) (kind string, payload map[string]any)) error {
	s.mu.Lock()
	unlock, err := lockFile(s.path)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.load(); err != nil {
		unlock()
		s.mu.Unlock()
		return err
	}
	kind, payload := fn(&s.state)
	err = s.save()
	unlock()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if kind != "" && s.sink != nil {
		payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)
		s.sink.Append(kind, payload)
	}
	return nil
}

// load replaces the in-memory state with the file contents.
// Caller must hold the mutex.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.state = State{}
			return nil
		}
		return fmt.Errorf("reading pai state %s: %w", s.path, err)
	}

	var st State
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("parsing pai state %s: %w", s.path, err)
		}
	}
	s.state = st
	return nil
}

// save writes the state through a temp file so a concurrent reader
// never sees a partial document. Caller must hold the mutex.
func (s *Store) save() error {
	data, err := yaml.Marshal(&s.state)
	if err != nil {
		return fmt.Errorf("marshaling pai state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating pai state directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing pai state %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing pai state %s: %w", s.path, err)
	}
	return nil
}

func (st State) clone() State {
	out := st
	out.Goals = append([]Goal(nil), st.Goals...)
	out.Challenges = append([]Challenge(nil), st.Challenges...)
	out.Learnings = append([]Learning(nil), st.Learnings...)
	if st.InnerLoop != nil {
		l := *st.InnerLoop
		l.Data = make(map[Phase]string, len(st.InnerLoop.Data))
		for k, v := range st.InnerLoop.Data {
			l.Data[k] = v
		}
		out.InnerLoop = &l
	}
	if st.Ralph != nil {
		r := *st.Ralph
		out.Ralph = &r
	}
	return out
}

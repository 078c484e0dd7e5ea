package pai

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arosstale/pi-pai/internal/audit"
)

// ErrRalphInactive is returned by ContinueRalph and StopRalph when no
// Ralph loop is running.
var ErrRalphInactive = errors.New("no active ralph loop")

// Ralph loop defaults.
const (
	DefaultRalphMax  = 50
	DefaultDoneToken = "RALPH_DONE"
)

// Ralph is a repeat-until-done loop: the same task is re-prompted until
// the agent's reply contains DoneMarker or MaxIterations is reached.
type Ralph struct {
	Task          string    `yaml:"task" json:"task"`
	Active        bool      `yaml:"active" json:"active"`
	Iteration     int       `yaml:"iteration" json:"iteration"`
	MaxIterations int       `yaml:"max_iterations" json:"max_iterations"`
	DoneMarker    string    `yaml:"done_marker" json:"done_marker"`
	Started       time.Time `yaml:"started" json:"started"`
	StopReason    string    `yaml:"stop_reason,omitempty" json:"stop_reason,omitempty"`
}

// Reasons a Ralph loop ends.
const (
	RalphDone    = "done"
	RalphMax     = "max_iterations"
	RalphStopped = "stopped"
)

// RalphStep is the outcome of starting or continuing a Ralph loop.
// Prompt is empty once the loop has ended.
type RalphStep struct {
	Iteration int    `json:"iteration"`
	Prompt    string `json:"prompt,omitempty"`
	Ended     bool   `json:"ended"`
	Reason    string `json:"reason,omitempty"`
}

// StartRalph begins a Ralph loop for task and returns the first prompt.
// Non-positive maxIter and an empty marker take the defaults.
func (s *Store) StartRalph(task string, maxIter int, marker string) (RalphStep, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return RalphStep{}, fmt.Errorf("ralph task: %w", ErrEmpty)
	}
	if maxIter <= 0 {
		maxIter = DefaultRalphMax
	}
	if marker == "" {
		marker = DefaultDoneToken
	}

	var step RalphStep
	err := s.update(func(st *State) (string, map[string]any) {
		st.Ralph = &Ralph{
			Task:          task,
			Active:        true,
			Iteration:     1,
			MaxIterations: maxIter,
			DoneMarker:    marker,
			Started:       time.Now().UTC(),
		}
		step = RalphStep{Iteration: 1, Prompt: firstPrompt(task, marker)}
		return audit.KindRalph, map[string]any{"event": "start", "task": task, "maxIterations": maxIter}
	})
	return step, err
}

// ContinueRalph is called with the agent's last reply. The loop ends at
// the iteration cap or when the reply contains the done marker;
// otherwise the next prompt is returned.
func (s *Store) ContinueRalph(lastText string) (RalphStep, error) {
	var step RalphStep
	var inactive bool
	err := s.update(func(st *State) (string, map[string]any) {
		r := st.Ralph
		if r == nil || !r.Active {
			inactive = true
			return "", nil
		}

		switch {
		case r.Iteration >= r.MaxIterations:
			r.StopReason = RalphMax
		case strings.Contains(lastText, r.DoneMarker):
			r.StopReason = RalphDone
		default:
			r.Iteration++
			step = RalphStep{Iteration: r.Iteration, Prompt: continuePrompt(r.Iteration, r.DoneMarker)}
			return "", nil
		}

		r.Active = false
		step = RalphStep{Iteration: r.Iteration, Ended: true, Reason: r.StopReason}
		return audit.KindRalph, map[string]any{
			"event": "end", "task": r.Task, "iterations": r.Iteration, "reason": r.StopReason,
		}
	})
	if err != nil {
		return RalphStep{}, err
	}
	if inactive {
		return RalphStep{}, ErrRalphInactive
	}
	return step, nil
}

// StopRalph ends the loop and returns the iterations it ran.
func (s *Store) StopRalph() (int, error) {
	var n int
	var inactive bool
	err := s.update(func(st *State) (string, map[string]any) {
		r := st.Ralph
		if r == nil || !r.Active {
			inactive = true
			return "", nil
		}
		r.Active = false
		r.StopReason = RalphStopped
		n = r.Iteration
		return audit.KindRalph, map[string]any{
			"event": "end", "task": r.Task, "iterations": r.Iteration, "reason": RalphStopped,
		}
	})
	if err != nil {
		return 0, err
	}
	if inactive {
		return 0, ErrRalphInactive
	}
	return n, nil
}

func firstPrompt(task, marker string) string {
	return fmt.Sprintf("[Ralph Wiggum Iteration #1]\n\nTask: %s\n\n"+
		"Execute this task. When you believe you are done, say %q in your response. "+
		"If not done, describe what remains.", task, marker)
}

func continuePrompt(iteration int, marker string) string {
	return fmt.Sprintf("[Ralph Wiggum Iteration #%d]\n\n"+
		"Continue the task. Review your previous output and git history for context. "+
		"If done, say %q. If not, keep going.", iteration, marker)
}

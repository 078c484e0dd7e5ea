package pai

import (
	"fmt"
	"strings"
	"time"

	"github.com/arosstale/pi-pai/internal/audit"
)

// Phase is a step of the inner loop.
type Phase string

const (
	PhaseObserve Phase = "OBSERVE"
	PhaseThink   Phase = "THINK"
	PhasePlan    Phase = "PLAN"
	PhaseDefine  Phase = "DEFINE"
	PhaseExecute Phase = "EXECUTE"
	PhaseMeasure Phase = "MEASURE"
	PhaseLearn   Phase = "LEARN"
)

// Phases lists the inner loop in order.
var Phases = []Phase{
	PhaseObserve, PhaseThink, PhasePlan, PhaseDefine, PhaseExecute, PhaseMeasure, PhaseLearn,
}

// InnerLoop is an active pass through Phases. Data holds the note
// recorded for each completed phase.
type InnerLoop struct {
	Phase   Phase            `yaml:"phase" json:"phase"`
	Goal    string           `yaml:"goal" json:"goal"`
	Data    map[Phase]string `yaml:"data" json:"data"`
	Started time.Time        `yaml:"started" json:"started"`
}

// Step is the result of Next.
type Step struct {
	Phase     Phase  `json:"phase,omitempty"` // new phase, empty when Completed
	Completed bool   `json:"completed"`
	Iteration int    `json:"iteration,omitempty"` // set when Completed
	Goal      string `json:"goal"`
}

func phaseIndex(p Phase) int {
	for i, q := range Phases {
		if q == p {
			return i
		}
	}
	return -1
}

// StartLoop begins an inner loop at OBSERVE, replacing any active loop.
// A blank goal falls back to the mission, then to "unnamed goal".
func (s *Store) StartLoop(goal string) (InnerLoop, error) {
	var loop InnerLoop
	err := s.update(func(st *State) (string, map[string]any) {
		goal = strings.TrimSpace(goal)
		if goal == "" {
			goal = st.Mission
		}
		if goal == "" {
			goal = "unnamed goal"
		}
		loop = InnerLoop{
			Phase:   PhaseObserve,
			Goal:    goal,
			Data:    map[Phase]string{},
			Started: time.Now().UTC(),
		}
		st.InnerLoop = &loop
		return "", nil
	})
	return loop, err
}

// Next records note against the current phase, when given, and
// advances. Completing LEARN increments the iteration count, appends a
// pai-loop-complete event and clears the loop.
func (s *Store) Next(note string) (Step, error) {
	var step Step
	var noLoop bool
	err := s.update(func(st *State) (string, map[string]any) {
		loop := st.InnerLoop
		if loop == nil {
			noLoop = true
			return "", nil
		}
		if loop.Data == nil {
			loop.Data = map[Phase]string{}
		}
		if note = strings.TrimSpace(note); note != "" {
			loop.Data[loop.Phase] = note
		}
		step.Goal = loop.Goal

		idx := phaseIndex(loop.Phase)
		if idx >= 0 && idx < len(Phases)-1 {
			loop.Phase = Phases[idx+1]
			step.Phase = loop.Phase
			return "", nil
		}

		st.Iterations++
		st.InnerLoop = nil
		step.Completed = true
		step.Iteration = st.Iterations

		data := make(map[string]any, len(loop.Data))
		for k, v := range loop.Data {
			data[string(k)] = v
		}
		return audit.KindLoopComplete, map[string]any{
			"goal": loop.Goal, "iteration": st.Iterations, "data": data,
		}
	})
	if err != nil {
		return Step{}, err
	}
	if noLoop {
		return Step{}, ErrNoLoop
	}
	return step, nil
}

// Summary is the machine-readable status, as returned to an agent.
type Summary struct {
	Mission    string        `json:"mission"`
	Goals      []Goal        `json:"goals"`
	Challenges []Challenge   `json:"challenges"`
	Learnings  []string      `json:"learnings"` // newest ten
	InnerLoop  *LoopSummary  `json:"innerLoop"`
	Iterations int           `json:"iterations"`
	Signals    int           `json:"signals"`
	Ralph      *RalphSummary `json:"ralph,omitempty"`
}

type LoopSummary struct {
	Phase Phase  `json:"phase"`
	Goal  string `json:"goal"`
}

type RalphSummary struct {
	Task      string `json:"task"`
	Active    bool   `json:"active"`
	Iteration int    `json:"iteration"`
}

// Summarize returns the status summary for st.
func Summarize(st State) Summary {
	sum := Summary{
		Mission:    st.Mission,
		Goals:      append([]Goal{}, st.Goals...),
		Challenges: append([]Challenge{}, st.Challenges...),
		Learnings:  []string{},
		Iterations: st.Iterations,
		Signals:    st.Signals,
	}
	for _, l := range lastLearnings(st.Learnings, 10) {
		sum.Learnings = append(sum.Learnings, l.Insight)
	}
	if st.InnerLoop != nil {
		sum.InnerLoop = &LoopSummary{Phase: st.InnerLoop.Phase, Goal: st.InnerLoop.Goal}
	}
	if st.Ralph != nil {
		sum.Ralph = &RalphSummary{Task: st.Ralph.Task, Active: st.Ralph.Active, Iteration: st.Ralph.Iteration}
	}
	return sum
}

// Report renders st as the markdown status report.
func Report(st State) string {
	var b strings.Builder
	b.WriteString("# PAI Status\n\n")

	mission := st.Mission
	if mission == "" {
		mission = "Not set"
	}
	fmt.Fprintf(&b, "**Mission:** %s\n\n", mission)

	fmt.Fprintf(&b, "**Goals (%d):**\n", len(st.Goals))
	for _, g := range st.Goals {
		icon := "🎯"
		switch g.Status {
		case GoalCompleted:
			icon = "✅"
		case GoalBlocked:
			icon = "🚫"
		}
		fmt.Fprintf(&b, "- %s [%s] %s (%s, %s)\n", icon, g.ID, g.Title, g.Status, g.Priority)
	}

	fmt.Fprintf(&b, "\n**Challenges (%d):**\n", len(st.Challenges))
	for _, c := range st.Challenges {
		fmt.Fprintf(&b, "- ⚠️ [%s] %s (%s)\n", c.ID, c.Title, c.Severity)
	}

	fmt.Fprintf(&b, "\n**Learnings (%d):**\n", len(st.Learnings))
	for _, l := range lastLearnings(st.Learnings, 5) {
		fmt.Fprintf(&b, "- 📚 %s\n", l.Insight)
	}

	fmt.Fprintf(&b, "\n**Iterations:** %d\n", st.Iterations)
	fmt.Fprintf(&b, "**Signals:** %d\n", st.Signals)
	if st.InnerLoop != nil {
		fmt.Fprintf(&b, "**Active Loop:** %s → %s\n", st.InnerLoop.Phase, st.InnerLoop.Goal)
	}
	if st.Ralph != nil && st.Ralph.Active {
		fmt.Fprintf(&b, "**Ralph:** iteration %d/%d → %s\n", st.Ralph.Iteration, st.Ralph.MaxIterations, st.Ralph.Task)
	}
	return b.String()
}

func lastLearnings(ls []Learning, n int) []Learning {
	if len(ls) > n {
		return ls[len(ls)-n:]
	}
	return ls
}

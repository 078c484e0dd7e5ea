package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arosstale/pi-pai/internal/pai"
)

// ============================================================================
// pai mission, goals, learnings and loops
// ============================================================================

func addPaiCommands(root *cobra.Command) {
	root.AddCommand(missionCmd)
	root.AddCommand(goalCmd)
	root.AddCommand(doneCmd)
	root.AddCommand(challengeCmd)
	root.AddCommand(learnCmd)
	root.AddCommand(loopCmd)
	root.AddCommand(nextCmd)
	root.AddCommand(statusCmd)
	root.AddCommand(ralphCmd)

	ralphCmd.AddCommand(ralphStartCmd)
	ralphCmd.AddCommand(ralphContinueCmd)
	ralphCmd.AddCommand(ralphStopCmd)
	ralphCmd.AddCommand(ralphStatusCmd)
}

// withState opens the app for a state command and closes it after fn.
func withState(fn func(*app) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

var missionCmd = &cobra.Command{
	Use:   "mission [text]",
	Short: "Show or set the mission",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withState(func(a *app) error {
			if len(args) == 0 {
				mission := a.state.Snapshot().Mission
				if mission == "" {
					mission = "Not set"
				}
				fmt.Printf("Mission: %s\n", mission)
				return nil
			}
			mission := strings.Join(args, " ")
			if err := a.state.SetMission(mission); err != nil {
				return err
			}
			fmt.Printf("Mission set: %s\n", mission)
			return nil
		})
	},
}

var goalCmd = &cobra.Command{
	Use:   "goal <title>",
	Short: "Add a goal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withState(func(a *app) error {
			g, err := a.state.AddGoal(strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Printf("Goal %s added: %s\n", g.ID, g.Title)
			return nil
		})
	},
}

var doneCmd = &cobra.Command{
	Use:   "done <goal-id>",
	Short: "Mark a goal completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withState(func(a *app) error {
			g, err := a.state.CompleteGoal(args[0])
			if errors.Is(err, pai.ErrNotFound) {
				return fmt.Errorf("goal %s not found", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Printf("Goal %s completed: %s\n", g.ID, g.Title)
			return nil
		})
	},
}

var challengeCmd = &cobra.Command{
	Use:   "challenge <title>",
	Short: "Record a challenge",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withState(func(a *app) error {
			c, err := a.state.AddChallenge(strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Printf("Challenge %s recorded: %s\n", c.ID, c.Title)
			return nil
		})
	},
}

var learnConfidence float64

var learnCmd = &cobra.Command{
	Use:   "learn <insight>",
	Short: "Record a learning",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withState(func(a *app) error {
			l, err := a.state.Learn(strings.Join(args, " "), learnConfidence)
			if err != nil {
				return err
			}
			fmt.Printf("Learned (confidence %.2f): %s\n", l.Confidence, l.Insight)
			return nil
		})
	},
}

func init() {
	learnCmd.Flags().Float64Var(&learnConfidence, "confidence", pai.DefaultConfidence, "Confidence between 0 and 1")
}

var loopCmd = &cobra.Command{
	Use:   "loop [goal]",
	Short: "Start the inner loop at OBSERVE",
	Long: `Start a pass through OBSERVE, THINK, PLAN, DEFINE, EXECUTE, MEASURE and
LEARN. Without a goal the mission is used. Advance with 'pai next'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withState(func(a *app) error {
			loop, err := a.state.StartLoop(strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Printf("Inner loop started: %s\nPhase: %s\n", loop.Goal, loop.Phase)
			return nil
		})
	},
}

var nextCmd = &cobra.Command{
	Use:   "next [note]",
	Short: "Record a note for the current phase and advance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withState(func(a *app) error {
			step, err := a.state.Next(strings.Join(args, " "))
			if errors.Is(err, pai.ErrNoLoop) {
				return fmt.Errorf("no active inner loop, start one with 'pai loop'")
			}
			if err != nil {
				return err
			}
			if step.Completed {
				fmt.Printf("Loop complete for %q (iteration %d)\n", step.Goal, step.Iteration)
				return nil
			}
			fmt.Printf("Phase: %s\n", step.Phase)
			return nil
		})
	},
}

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mission, goals, learnings and loop state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withState(func(a *app) error {
			st := a.state.Snapshot()
			if statusJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(pai.Summarize(st))
			}
			fmt.Print(pai.Report(st))
			return nil
		})
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the machine-readable summary")
}

// ============================================================================
// pai ralph: repeat-until-done loop
// ============================================================================

var ralphCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Repeat a task until the agent says it is done",
	Long: `Ralph re-prompts the agent with the same task until its reply contains
the done marker (default RALPH_DONE) or the iteration cap is reached.

  pai ralph start "migrate the tests to testify"
  <agent reply> | pai ralph continue
  pai ralph stop`,
}

var (
	ralphMax    int
	ralphMarker string
)

var ralphStartCmd = &cobra.Command{
	Use:   "start <task>",
	Short: "Start a Ralph loop and print the first prompt",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withState(func(a *app) error {
			maxIter, marker := ralphMax, ralphMarker
			if maxIter <= 0 {
				maxIter = a.cfg.Ralph.MaxIterations
			}
			if marker == "" {
				marker = a.cfg.Ralph.DoneMarker
			}
			step, err := a.state.StartRalph(strings.Join(args, " "), maxIter, marker)
			if err != nil {
				return err
			}
			fmt.Println(step.Prompt)
			return nil
		})
	},
}

func init() {
	ralphStartCmd.Flags().IntVar(&ralphMax, "max", 0, "Iteration cap (default ralph.maxIterations)")
	ralphStartCmd.Flags().StringVar(&ralphMarker, "marker", "", "Done marker (default ralph.doneMarker)")
}

var ralphContinueCmd = &cobra.Command{
	Use:   "continue [last reply]",
	Short: "Feed the agent's last reply and print the next prompt",
	Long: `Check the agent's last reply for the done marker. The reply is read from
the arguments, or from stdin when none are given. Prints the next prompt,
or why the loop ended.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		if len(args) == 0 {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("reading reply: %w", err)
			}
			text = string(data)
		}
		return withState(func(a *app) error {
			step, err := a.state.ContinueRalph(text)
			if errors.Is(err, pai.ErrRalphInactive) {
				return fmt.Errorf("no active Ralph loop, start one with 'pai ralph start'")
			}
			if err != nil {
				return err
			}
			if step.Ended {
				fmt.Printf("Ralph finished after %d iterations (%s)\n", step.Iteration, step.Reason)
				return nil
			}
			fmt.Println(step.Prompt)
			return nil
		})
	},
}

var ralphStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the active Ralph loop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withState(func(a *app) error {
			n, err := a.state.StopRalph()
			if errors.Is(err, pai.ErrRalphInactive) {
				fmt.Println("No active Ralph loop.")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("Ralph stopped after %d iterations\n", n)
			return nil
		})
	},
}

var ralphStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the Ralph loop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withState(func(a *app) error {
			r := a.state.Snapshot().Ralph
			if r == nil {
				fmt.Println("No Ralph loop has run.")
				return nil
			}
			state := "active"
			if !r.Active {
				state = "ended (" + r.StopReason + ")"
			}
			fmt.Printf("Task:      %s\nState:     %s\nIteration: %d/%d\nMarker:    %s\n",
				r.Task, state, r.Iteration, r.MaxIterations, r.DoneMarker)
			return nil
		})
	},
}

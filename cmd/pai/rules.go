package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arosstale/pi-pai/internal/config"
	"github.com/arosstale/pi-pai/internal/engine"
	"github.com/arosstale/pi-pai/internal/guard"
)

// ============================================================================
// pai rules: inspect and test damage-control patterns
// ============================================================================

var rulesCwd string

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and test damage-control patterns",
	Long: `Show which patterns file applies to a directory and test commands and
paths against it without running an agent.

Patterns are loaded from the first of these that exists:
  <cwd>/.pi/damage-control/patterns.yaml
  <repo root>/patterns.yaml
  <repo root>/.pi/damage-control/patterns.yaml
  rules.paths from ~/.pai/config.yaml
  the bundled defaults (rules.bundled)`,
}

func init() {
	rulesCmd.PersistentFlags().StringVar(&rulesCwd, "cwd", "", "Working directory to load patterns for (default: current directory)")

	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesTestCmd)
	rulesCmd.AddCommand(rulesCheckPathCmd)
	rulesCmd.AddCommand(rulesInitCmd)
}

// loadRulesGuard builds a guard for --cwd with no gate, audit or signals:
// rules commands only evaluate.
func loadRulesGuard() (*guard.Guard, error) {
	cfg, err := config.Load(filepath.Join(paiDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cwd := rulesCwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return nil, err
		}
	}
	if cwd, err = filepath.Abs(cwd); err != nil {
		return nil, err
	}
	store := &engine.Store{ExtraPaths: cfg.RulePaths(), Bundled: cfg.Rules.Bundled}
	return guard.New(guard.Options{Store: store, Cwd: cwd}), nil
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the active patterns for a directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := loadRulesGuard()
		if err != nil {
			return err
		}
		rs := g.Rules()

		if rs.Source == "" {
			fmt.Println("No patterns found: every action is allowed.")
			fmt.Println("Candidates probed:")
			for _, c := range g.Candidates() {
				fmt.Printf("  %s\n", c)
			}
			return nil
		}

		commands, paths := rs.Count()
		fmt.Printf("Source: %s (%d command rules, %d path rules)\n\n", rs.Source, commands, paths)

		if len(rs.CommandRules) > 0 {
			fmt.Printf("%-6s %-45s %s\n", "MODE", "PATTERN", "REASON")
			fmt.Printf("%-6s %-45s %s\n", "----", "-------", "------")
			for _, r := range rs.CommandRules {
				mode := "block"
				if r.Ask {
					mode = "ask"
				}
				fmt.Printf("%-6s %-45s %s\n", mode, r.Pattern, r.Reason)
			}
			fmt.Println()
		}

		printPaths := func(title string, prs []engine.PathRule) {
			if len(prs) == 0 {
				return
			}
			fmt.Printf("%s:\n", title)
			for _, pr := range prs {
				fmt.Printf("  %s\n", pr.Pattern)
			}
			fmt.Println()
		}
		printPaths("Zero access", rs.ZeroAccess)
		printPaths("Read only", rs.ReadOnly)
		printPaths("No delete", rs.NoDelete)

		for _, w := range rs.Warnings {
			fmt.Printf("WARNING: %s\n", w)
		}
		return nil
	},
}

// printDecision prints the verdict for rules test/check-path and returns
// an error when the action would be blocked, so scripts can test $?.
func printDecision(d engine.Decision) error {
	switch d.Outcome {
	case engine.Block:
		fmt.Printf("[pai] BLOCKED by %s\n  %s\n", d.RuleText(), d.Reason)
		return errors.New("blocked")
	case engine.AskUser:
		fmt.Printf("[pai] ASK (confirmation required) by %s\n  %s\n", d.RuleText(), d.Reason)
	default:
		fmt.Println("[pai] ALLOWED (no rule matched)")
	}
	return nil
}

var rulesTestCmd = &cobra.Command{
	Use:   "test <command>",
	Short: "Test a bash command against the patterns",
	Long: `Decide a bash command against the active patterns and print the result.
Exits non-zero when the command would be blocked.

Example:
  pai rules test 'git push --force origin main'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := loadRulesGuard()
		if err != nil {
			return err
		}
		cmd.SilenceErrors = true
		return printDecision(g.Evaluate(engine.BashAction{Command: strings.Join(args, " ")}))
	},
}

var rulesCheckOp string

var rulesCheckPathCmd = &cobra.Command{
	Use:   "check-path <path>",
	Short: "Test a file access against the path patterns",
	Long: `Decide a read, write or edit of a path against the active patterns.

Example:
  pai rules check-path --op write /etc/hosts`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, ok := engine.ParseFileOp(rulesCheckOp)
		if !ok {
			return fmt.Errorf("unknown --op %q (read, write, edit)", rulesCheckOp)
		}
		g, err := loadRulesGuard()
		if err != nil {
			return err
		}
		cmd.SilenceErrors = true
		return printDecision(g.Evaluate(engine.FileAction{Op: op, Path: args[0]}))
	},
}

func init() {
	rulesCheckPathCmd.Flags().StringVar(&rulesCheckOp, "op", "read", "File operation: read, write, edit")
}

var rulesInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the bundled patterns to .pi/damage-control/patterns.yaml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := rulesCwd
		if dir == "" {
			dir = "."
		}
		path := filepath.Join(dir, engine.ProjectPatternsPath)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := engine.WriteDefaultPatterns(path); err != nil {
			return fmt.Errorf("failed to write patterns: %w", err)
		}
		fmt.Printf("[pai] Wrote %s\n", path)
		return nil
	},
}

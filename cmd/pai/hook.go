package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/arosstale/pi-pai/internal/confirm"
	"github.com/arosstale/pi-pai/internal/guard"
	"github.com/arosstale/pi-pai/internal/hook"
)

var (
	hookExitCode bool
	hookYes      bool
	hookSession  string
)

// hookCmd judges one tool call. The host pipes the payload on stdin and
// reads {"block": bool, "reason": "..."} from stdout.
var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Judge one tool call read from stdin",
	Long: `Read a tool-call payload from stdin, decide it against the patterns of
the payload's working directory, and write the result to stdout.

Accepted payloads:
  {"toolName": "bash", "input": {"command": "rm -rf /"}, "cwd": "/repo"}
  {"tool_name": "Bash", "tool_input": {...}, "cwd": "...", "hook_event_name": "PreToolUse"}
  {"type": "tool_use", "name": "read", "input": {"path": ".env"}}
  {"function": {"name": "bash", "arguments": "{\"command\": \"...\"}"}}

With --exit-code the command exits 2 on a block and writes the reason
to stderr, which is how Claude-style hosts expect a hook to refuse.

Ask rules are confirmed on the controlling terminal. --yes allows them
without asking.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHook(cmd, os.Stdin, os.Stdout, os.Stderr)
	},
}

func init() {
	hookCmd.Flags().BoolVar(&hookExitCode, "exit-code", false, "Exit with status 2 when the call is blocked")
	hookCmd.Flags().BoolVarP(&hookYes, "yes", "y", false, "Allow ask rules without confirmation")
	hookCmd.Flags().StringVar(&hookSession, "session", os.Getenv("PAI_SESSION"), "Session ID recorded in the session log ($PAI_SESSION)")
}

func runHook(cmd *cobra.Command, in io.Reader, out, errOut io.Writer) error {
	a := openHookApp()
	defer a.Close()

	if a.auditLog != nil && hookSession != "" {
		a.auditLog.SetSession(hookSession)
	}

	var c confirm.Confirmer
	release := func() {}
	if hookYes {
		c = confirm.Static(true)
	} else {
		c, release = a.confirmer(nil)
	}
	defer release()

	gate := confirm.NewGate(c, a.cfg.Guard.ConfirmTimeout())
	sessions, err := guard.NewSessions("", a.newGuardFunc(gate))
	if err != nil {
		return err
	}

	if !hookExitCode {
		errOut = nil
	}
	res, err := hook.Run(cmd.Context(), in, out, errOut, sessions)
	if err != nil {
		slog.Error("hook", "error", err)
	}

	// Hosts run the call unless told otherwise, so every failure to decide
	// it ends as a block.
	if res.Block && hookExitCode {
		cmd.SilenceErrors = true
		return exitError{code: hook.ExitCodeBlock}
	}
	if err != nil && !res.Block {
		return fmt.Errorf("hook: %w", err)
	}
	return nil
}

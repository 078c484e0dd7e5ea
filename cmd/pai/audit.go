package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arosstale/pi-pai/internal/audit"
	"github.com/arosstale/pi-pai/internal/config"
)

// ============================================================================
// pai audit: query and verify the session log
// ============================================================================

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify the session log",
	Long: `The session log records every damage-control block together with the
pai events (mission, goals, learnings, loop completions, Ralph runs).
Entries are hash-chained: each entry's hash depends on the previous one,
so editing or removing an entry is detectable with 'pai audit verify'.`,
}

func init() {
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
}

// openAuditLog opens the log at the configured directory, even when
// audit.enabled is false, so old logs stay readable.
func openAuditLog() (*audit.AuditLog, error) {
	cfg, err := config.Load(filepath.Join(paiDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := audit.New(cfg.AuditDir(paiDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	return log, nil
}

var (
	auditFollowMode bool
	auditTailLimit  int
)

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent entries",
	Long:  `Show the most recent session log entries. Use -f to follow new entries (like tail -f).`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := openAuditLog()
		if err != nil {
			return err
		}
		defer log.Close()

		entries, err := log.Tail(auditTailLimit)
		if err != nil {
			return fmt.Errorf("failed to read session log: %w", err)
		}
		// Oldest first, so the newest line is next to the prompt.
		for i := len(entries) - 1; i >= 0; i-- {
			printAuditEntry(entries[i])
		}

		if auditFollowMode {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return log.Follow(ctx, printAuditEntry)
		}
		return nil
	},
}

func init() {
	auditTailCmd.Flags().BoolVarP(&auditFollowMode, "follow", "f", false, "Follow new entries in real time")
	auditTailCmd.Flags().IntVarP(&auditTailLimit, "limit", "n", 20, "Number of recent entries to show")
}

var (
	auditQuerySession  string
	auditQueryKind     string
	auditQueryDecision string
	auditQuerySince    string
	auditQueryLimit    int
)

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query entries with filters",
	Long: `Query the session log by session, kind, decision and time range.

Examples:
  pai audit query --kind pai-damage-blocked --since 24h
  pai audit query --decision block --limit 100`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := openAuditLog()
		if err != nil {
			return err
		}
		defer log.Close()

		entries, err := log.Query(audit.QueryParams{
			Session:  auditQuerySession,
			Kind:     auditQueryKind,
			Decision: auditQueryDecision,
			Since:    auditQuerySince,
			Limit:    auditQueryLimit,
		})
		if err != nil {
			return fmt.Errorf("audit query failed: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("No matching entries found.")
			return nil
		}
		for _, entry := range entries {
			printAuditEntry(entry)
		}
		fmt.Printf("\n%d entries found.\n", len(entries))
		return nil
	},
}

func init() {
	auditQueryCmd.Flags().StringVar(&auditQuerySession, "session", "", "Filter by session ID")
	auditQueryCmd.Flags().StringVar(&auditQueryKind, "kind", "", "Filter by kind (pai-damage-blocked, pai-goal, lifecycle, ...)")
	auditQueryCmd.Flags().StringVar(&auditQueryDecision, "decision", "", "Filter by decision (block/info)")
	auditQueryCmd.Flags().StringVar(&auditQuerySince, "since", "", "Entries since a duration (1h, 24h) or RFC 3339 time")
	auditQueryCmd.Flags().IntVar(&auditQueryLimit, "limit", 50, "Maximum number of entries to return")
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := openAuditLog()
		if err != nil {
			return err
		}
		defer log.Close()

		result, err := log.VerifyChain()
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if !result.Valid {
			fmt.Printf("[pai] Hash chain BROKEN at entry #%d\n", result.BrokenAt)
			fmt.Printf("  Expected hash: %s\n", result.ExpectedHash)
			fmt.Printf("  Actual hash:   %s\n", result.ActualHash)
			return fmt.Errorf("session log integrity violation detected")
		}
		fmt.Printf("[pai] Hash chain VALID (%d entries verified)\n", result.EntriesChecked)
		return nil
	},
}

var auditExportFormat string

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the session log",
	Long: `Export the full session log to stdout. Formats: csv, json, jsonl.

Example:
  pai audit export --format csv > session_log.csv`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := openAuditLog()
		if err != nil {
			return err
		}
		defer log.Close()

		return log.Export(os.Stdout, auditExportFormat)
	},
}

func init() {
	auditExportCmd.Flags().StringVar(&auditExportFormat, "format", "jsonl", "Export format: csv, json, jsonl")
}

// printAuditEntry prints a single entry on one line.
func printAuditEntry(e audit.Entry) {
	decision := e.Decision
	if decision == "block" {
		decision = "BLOCK"
	}
	if e.Kind == audit.KindDamageBlocked {
		fmt.Printf("[%s] #%d %-6s tool=%-6s cause=%-12s %s\n",
			e.Timestamp, e.Seq, decision, e.Tool, e.Cause, e.Target)
		return
	}
	fmt.Printf("[%s] #%d %-6s %s %v\n", e.Timestamp, e.Seq, decision, e.Kind, e.Payload)
}

// ============================================================================
// pai config: view and create configuration
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and create configuration",
	Long: `Manage ~/.pai/config.yaml: the server address, how ask rules are
confirmed, extra patterns files, the session log and Ralph limits.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(paiDir, "config.yaml")
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s (defaults apply)\n", configPath)
				fmt.Println("Run 'pai config init' to write one.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "[pai] Warning: %v\n", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml and create the audit directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(paiDir, "config.yaml")
		if err := config.WriteDefault(configPath); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.AuditDir(paiDir), 0o755); err != nil {
			return fmt.Errorf("failed to create audit directory: %w", err)
		}

		fmt.Printf("[pai] Config: %s\n", configPath)
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Println("  1. Add project patterns:   pai rules init")
		fmt.Println("  2. Wire the hook:          pai hook --exit-code   (reads the tool call on stdin)")
		fmt.Printf("     or run the server:      pai serve  (http://%s/v1/tool_call)\n", cfg.Server.Addr())
		return nil
	},
}

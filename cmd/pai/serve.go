package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/arosstale/pi-pai/internal/config"
	"github.com/arosstale/pi-pai/internal/confirm"
	"github.com/arosstale/pi-pai/internal/dashboard"
	"github.com/arosstale/pi-pai/internal/guard"
	"github.com/arosstale/pi-pai/internal/hook"
	"github.com/arosstale/pi-pai/internal/metrics"
)

// serveCmd runs the long-lived guard. Hosts POST tool calls to
// /v1/tool_call; each working directory gets its own rule set.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the tool-call endpoint and dashboard",
	Long: `Start the pai server. It listens on the address configured in
~/.pai/config.yaml (default 127.0.0.1:3141) and serves:

  - Tool calls:  POST /v1/tool_call, POST /v1/tool_calls
  - Dashboard:   /dashboard (live session log, pending confirmations)
  - REST API:    /api/...
  - Metrics:     /metrics (Prometheus)
  - Health:      /health

Patterns files are watched and reloaded when they change. Ask rules are
confirmed on the terminal and on the dashboard, whichever answers first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

// runServe wires the stack together:
//
//  1. Load config, the session log and pai state
//  2. Build the confirmation gate (terminal and/or dashboard broker)
//  3. Create the per-workspace guard registry
//  4. Mount the hook endpoint, dashboard, metrics, health and shutdown
//  5. Watch patterns files and config.yaml
//  6. Serve until SIGINT/SIGTERM or POST /shutdown
func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	a.metrics = metrics.New()
	sessionID := uuid.NewString()
	if a.auditLog != nil {
		a.auditLog.SetSession(sessionID)
	}
	a.lifecycle("serve_start", map[string]any{
		"version": version,
		"commit":  commit,
		"addr":    a.cfg.Server.Addr(),
	})

	// --- Confirmation ---
	broker := confirm.NewBroker()
	c, release := a.confirmer(broker)
	defer release()
	gate := confirm.NewGate(c, a.cfg.Guard.ConfirmTimeout())
	gate.OnResult = func(r confirm.Result) {
		a.metrics.RecordConfirmation(string(r))
	}

	// --- Workspaces ---
	sessions, err := guard.NewSessions(filepath.Join(a.dir, "sessions.yaml"), a.newGuardFunc(gate))
	if err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}

	// --- HTTP ---
	mux := http.NewServeMux()
	mux.Handle("/v1/", hook.NewHandler(sessions))
	mux.Handle("/metrics", a.metrics.Handler())

	var dash *dashboard.Dashboard
	if a.cfg.Dashboard.Enabled {
		dash = dashboard.New(dashboard.Options{
			AuditLog: a.auditLog,
			Sessions: sessions,
			Broker:   broker,
			State:    a.state,
		})
		defer dash.Close()
		if a.auditLog != nil {
			a.auditLog.OnAppend(dash.BroadcastEvent)
		}
		mux.Handle("/dashboard", dash)
		mux.Handle("/dashboard/ws", dash.WebSocketHandler())
		mux.Handle("/api/", dash.APIHandler())
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":%q,"session":%q}`, version, sessionID)
	})

	// Only loopback clients may stop the server.
	shutdownCh := make(chan struct{}, 1)
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	// --- Hot reload ---
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}
	if a.cfg.Rules.Watch {
		watcher, err := config.NewWatcher(config.WatchTargets{
			ConfigPath: filepath.Join(a.dir, "config.yaml"),
			OnConfigChange: func() {
				if _, err := config.Load(filepath.Join(a.dir, "config.yaml")); err != nil {
					slog.Error("config.yaml is invalid", "error", err)
					return
				}
				slog.Warn("config.yaml changed, restart pai serve to apply server and guard settings")
			},
			RulePaths: a.ruleStore().Candidates(cwd),
			OnRulesChange: func(path string) {
				sessions.ReloadAll()
				a.lifecycle("rules_reload", map[string]any{"path": path})
			},
		})
		if err != nil {
			return fmt.Errorf("starting file watcher: %w", err)
		}
		defer watcher.Close()

		sessions.OnCreate = func(g *guard.Guard) {
			if err := watcher.Add(g.Candidates()...); err != nil {
				slog.Warn("cannot watch workspace patterns", "cwd", g.Env().Cwd, "error", err)
			}
		}
	}
	sessions.Guard(cwd)

	// --- Serve ---
	addr := a.cfg.Server.Addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: a tool call can wait on a confirmation.
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[pai] Listening on http://%s\n", addr)
		if dash != nil {
			fmt.Printf("[pai] Dashboard at http://%s/dashboard\n", addr)
		}
		fmt.Println("[pai] Press Ctrl+C to stop")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[pai] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[pai] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[pai] Shutdown error: %v\n", err)
	}

	a.lifecycle("serve_stop", nil)
	if err := sessions.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "[pai] Warning: failed to save sessions: %v\n", err)
	}

	fmt.Println("[pai] Stopped")
	return nil
}

// isLoopback reports whether remoteAddr ("ip:port") is 127.x.x.x or ::1.
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")

	return host == "::1" || strings.HasPrefix(host, "127.")
}

// stopCmd asks a running server to shut down via POST /shutdown.
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running pai server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(filepath.Join(paiDir, "config.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		addr := "http://" + cfg.Server.Addr()
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post(addr+"/shutdown", "application/json", nil)
		if err != nil {
			return fmt.Errorf("pai serve is not responding at %s: %w", addr, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("shutdown refused: %s", resp.Status)
		}
		fmt.Println("[pai] Stop signal sent")
		return nil
	},
}

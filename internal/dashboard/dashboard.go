// Package dashboard serves the pai web UI and REST API.
//
// The dashboard is mounted on /dashboard and /api/ on the same port as
// the tool-call endpoint. It provides:
//
//   - Web UI:     GET  /dashboard            Single-page HTML dashboard
//   - WebSocket:  GET  /dashboard/ws         Live session log and confirmation prompts
//   - REST API:   GET  /api/status           Server status
//                 GET  /api/workspaces       Workspaces with stats
//                 GET  /api/rules?cwd=       Active rule set per workspace
//                 POST /api/rules/reload     Reload every workspace's rules
//                 GET  /api/audit            Recent session log entries
//                 GET  /api/audit/verify     Hash chain verification
//                 GET  /api/prompts          Pending confirmations
//                 POST /api/confirm          Answer a pending confirmation
//                 GET  /api/pai              Mission, goals and loop status
//
// The web UI is a minimal embedded HTML page (no build step, no framework).
package dashboard

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/arosstale/pi-pai/internal/audit"
	"github.com/arosstale/pi-pai/internal/confirm"
	"github.com/arosstale/pi-pai/internal/engine"
	"github.com/arosstale/pi-pai/internal/guard"
	"github.com/arosstale/pi-pai/internal/pai"
)

// Options holds the dependencies injected into the dashboard. Any of
// them may be nil; the matching endpoints then return empty results.
type Options struct {
	AuditLog *audit.AuditLog
	Sessions *guard.Sessions
	Broker   *confirm.Broker
	State    *pai.Store
}

// Dashboard serves the web UI and REST API.
type Dashboard struct {
	auditLog *audit.AuditLog
	sessions *guard.Sessions
	broker   *confirm.Broker
	state    *pai.Store
	wsHub    *wsHub
}

// Message types pushed over the websocket.
const (
	msgAudit          = "audit"
	msgPrompt         = "prompt"
	msgPromptResolved = "prompt_resolved"
	msgConfirm        = "confirm" // client to server
)

// wsMessage is the envelope for every websocket frame.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// confirmRequest answers a pending prompt, over REST or websocket.
type confirmRequest struct {
	ID    string `json:"id"`
	Allow bool   `json:"allow"`
}

// New creates a Dashboard and starts its websocket hub. New prompts
// parked in the broker are pushed to connected clients.
func New(opts Options) *Dashboard {
	d := &Dashboard{
		auditLog: opts.AuditLog,
		sessions: opts.Sessions,
		broker:   opts.Broker,
		state:    opts.State,
	}
	d.wsHub = newWSHub(d.handleClientMessage)
	go d.wsHub.run()

	if d.broker != nil {
		d.broker.OnPrompt(func(p confirm.Prompt) { d.broadcast(msgPrompt, p) })
	}
	return d
}

// Close stops the websocket hub and disconnects all clients.
func (d *Dashboard) Close() {
	d.wsHub.stop()
}

// ServeHTTP serves the embedded HTML dashboard.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

// WebSocketHandler returns the handler for /dashboard/ws.
func (d *Dashboard) WebSocketHandler() http.Handler {
	return http.HandlerFunc(d.handleWebSocket)
}

// APIHandler returns the handler for the /api/ REST endpoints.
func (d *Dashboard) APIHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", d.handleAPIStatus)
	mux.HandleFunc("/api/workspaces", d.handleAPIWorkspaces)
	mux.HandleFunc("/api/rules", d.handleAPIRules)
	mux.HandleFunc("/api/rules/reload", d.handleAPIRulesReload)
	mux.HandleFunc("/api/audit", d.handleAPIAudit)
	mux.HandleFunc("/api/audit/verify", d.handleAPIAuditVerify)
	mux.HandleFunc("/api/prompts", d.handleAPIPrompts)
	mux.HandleFunc("/api/confirm", d.handleAPIConfirm)
	mux.HandleFunc("/api/pai", d.handleAPIPai)

	return mux
}

// BroadcastEvent sends a session log entry to all websocket clients.
// Wired to audit.AuditLog.OnAppend.
func (d *Dashboard) BroadcastEvent(e audit.Entry) {
	d.broadcast(msgAudit, e)
}

func (d *Dashboard) broadcast(kind string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal broadcast event", "type", kind, "error", err)
		return
	}
	msg, _ := json.Marshal(wsMessage{Type: kind, Data: data})
	d.wsHub.broadcast(msg)
}

// handleClientMessage handles frames sent by a websocket client. The
// only accepted message answers a prompt.
func (d *Dashboard) handleClientMessage(raw []byte) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != msgConfirm {
		slog.Debug("ignoring websocket message", "bytes", len(raw))
		return
	}
	var req confirmRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		slog.Debug("invalid confirm message", "error", err)
		return
	}
	if err := d.respond(req); err != nil {
		slog.Info("confirmation answer rejected", "prompt", req.ID, "error", err)
	}
}

func (d *Dashboard) respond(req confirmRequest) error {
	if d.broker == nil {
		return confirm.ErrUnknownPrompt
	}
	if err := d.broker.Respond(req.ID, req.Allow); err != nil {
		return err
	}
	slog.Info("confirmation answered from dashboard", "prompt", req.ID, "allow", req.Allow)
	d.broadcast(msgPromptResolved, req)
	return nil
}

// --- REST API Handlers ---

// handleAPIStatus returns server status information.
// GET /api/status
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	status := map[string]any{
		"status":     "running",
		"workspaces": 0,
		"pending":    0,
	}
	if d.sessions != nil {
		var signals int64
		for _, g := range d.sessions.Guards() {
			signals += g.Signals()
		}
		status["workspaces"] = len(d.sessions.List())
		status["signals"] = signals
	}
	if d.broker != nil {
		status["pending"] = len(d.broker.Pending())
	}
	if d.auditLog != nil {
		status["audit_seq"] = d.auditLog.LastSeq()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleAPIWorkspaces returns all known workspaces with stats.
// GET /api/workspaces
func (d *Dashboard) handleAPIWorkspaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	if d.sessions == nil {
		writeJSON(w, http.StatusOK, []guard.Workspace{})
		return
	}
	writeJSON(w, http.StatusOK, d.sessions.List())
}

// ruleSetView is the JSON shape of a workspace's active rule set.
type ruleSetView struct {
	Cwd        string               `json:"cwd"`
	Source     string               `json:"source"`
	Commands   []engine.CommandRule `json:"commands"`
	ZeroAccess []string             `json:"zero_access"`
	ReadOnly   []string             `json:"read_only"`
	NoDelete   []string             `json:"no_delete"`
	Warnings   []engine.LoadWarning `json:"warnings"`
}

func viewRules(g *guard.Guard) ruleSetView {
	rs := g.Rules()
	patterns := func(prs []engine.PathRule) []string {
		out := make([]string, 0, len(prs))
		for _, pr := range prs {
			out = append(out, pr.Pattern)
		}
		return out
	}
	v := ruleSetView{
		Cwd:        g.Env().Cwd,
		Source:     rs.Source,
		Commands:   append([]engine.CommandRule{}, rs.CommandRules...),
		ZeroAccess: patterns(rs.ZeroAccess),
		ReadOnly:   patterns(rs.ReadOnly),
		NoDelete:   patterns(rs.NoDelete),
		Warnings:   append([]engine.LoadWarning{}, rs.Warnings...),
	}
	return v
}

// handleAPIRules lists the active rule sets.
// GET /api/rules          all workspaces
// GET /api/rules?cwd=DIR  one workspace (created on demand)
func (d *Dashboard) handleAPIRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	if d.sessions == nil {
		writeJSON(w, http.StatusOK, []ruleSetView{})
		return
	}

	if cwd := r.URL.Query().Get("cwd"); cwd != "" {
		writeJSON(w, http.StatusOK, viewRules(d.sessions.Guard(cwd)))
		return
	}

	guards := d.sessions.Guards()
	out := make([]ruleSetView, 0, len(guards))
	for _, g := range guards {
		out = append(out, viewRules(g))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAPIRulesReload reloads the rules of every workspace.
// POST /api/rules/reload
func (d *Dashboard) handleAPIRulesReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if d.sessions != nil {
		d.sessions.ReloadAll()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// handleAPIAudit returns recent session log entries.
// GET /api/audit?limit=50&session=abc&kind=pai-damage-blocked&decision=block&since=1h
func (d *Dashboard) handleAPIAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	if d.auditLog == nil {
		writeJSON(w, http.StatusOK, []audit.Entry{})
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	q := r.URL.Query()
	params := audit.QueryParams{
		Session:  q.Get("session"),
		Kind:     q.Get("kind"),
		Decision: q.Get("decision"),
		Since:    q.Get("since"),
		Limit:    limit,
	}

	entries, err := d.auditLog.Query(params)
	if err != nil {
		slog.Error("audit query failed", "error", err)
		http.Error(w, "audit query failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

// handleAPIAuditVerify verifies the hash chain.
// GET /api/audit/verify
func (d *Dashboard) handleAPIAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	if d.auditLog == nil {
		http.Error(w, "audit log disabled", http.StatusNotFound)
		return
	}

	result, err := d.auditLog.VerifyChain()
	if err != nil {
		slog.Error("chain verification failed", "error", err)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAPIPrompts lists confirmations waiting for an answer.
// GET /api/prompts
func (d *Dashboard) handleAPIPrompts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	if d.broker == nil {
		writeJSON(w, http.StatusOK, []confirm.Prompt{})
		return
	}
	writeJSON(w, http.StatusOK, d.broker.Pending())
}

// handleAPIConfirm answers a pending confirmation.
// POST /api/confirm  { "id": "...", "allow": true }
func (d *Dashboard) handleAPIConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id field required", http.StatusBadRequest)
		return
	}

	if err := d.respond(req); err != nil {
		if errors.Is(err, confirm.ErrUnknownPrompt) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := "denied"
	if req.Allow {
		status = "allowed"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "id": req.ID})
}

// handleAPIPai returns the mission, goals and loop summary.
// GET /api/pai
func (d *Dashboard) handleAPIPai(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	if d.state == nil {
		writeJSON(w, http.StatusOK, pai.Summarize(pai.State{}))
		return
	}
	writeJSON(w, http.StatusOK, pai.Summarize(d.state.Snapshot()))
}

// --- Helpers ---

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

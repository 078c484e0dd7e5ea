package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/arosstale/pi-pai/internal/engine"
	"github.com/arosstale/pi-pai/internal/guard"
)

// ExitCodeBlock is the exit status Claude-style hosts treat as "block
// this tool call and show stderr to the model".
const ExitCodeBlock = 2

// maxPayload bounds a single tool-call payload. Tool inputs carry file
// contents for write, so this is generous.
const maxPayload = 8 * 1024 * 1024

// ErrTooLarge is returned for a payload over maxPayload.
var ErrTooLarge = fmt.Errorf("tool call exceeds %d bytes", maxPayload)

// Interceptor decides a tool call for a working directory.
// *guard.Sessions implements it.
type Interceptor interface {
	Intercept(ctx context.Context, cwd string, action engine.Action) (guard.Result, engine.Decision)
}

// claudeResponse is the PreToolUse hook output.
type claudeResponse struct {
	Decision string            `json:"decision,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Specific *claudeHookOutput `json:"hookSpecificOutput,omitempty"`
}

type claudeHookOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
}

// Response returns the reply body for a call in the host's format.
func Response(c Call, res guard.Result) any {
	if c.Format != FormatClaude {
		return res
	}
	if !res.Block {
		return claudeResponse{}
	}
	event := c.Event
	if event == "" {
		event = "PreToolUse"
	}
	return claudeResponse{
		Decision: "block",
		Reason:   res.Reason,
		Specific: &claudeHookOutput{
			HookEventName:            event,
			PermissionDecision:       "deny",
			PermissionDecisionReason: res.Reason,
		},
	}
}

// Run handles one payload for `pai hook`: it reads the tool call from in,
// decides it, and writes the response to out. The block reason is also
// written to errOut when non-nil, which is where Claude-style hosts
// read it when the exit code is ExitCodeBlock.
//
// A payload that cannot be read or parsed is refused: Run still writes a
// block response and returns it together with the error.
func Run(ctx context.Context, in io.Reader, out, errOut io.Writer, i Interceptor) (guard.Result, error) {
	data, err := readPayload(in)
	var c Call
	if err == nil {
		c, err = Parse(data)
	}
	if err != nil {
		c = Call{Format: sniffFormat(data)}
		res := refusal(err)
		if werr := writeRun(out, errOut, c, res); werr != nil {
			slog.Error("failed to write refusal", "error", werr)
		}
		return res, err
	}

	res, _ := i.Intercept(ctx, c.Cwd, c.Action())
	return res, writeRun(out, errOut, c, res)
}

func writeRun(out, errOut io.Writer, c Call, res guard.Result) error {
	if err := json.NewEncoder(out).Encode(Response(c, res)); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	if res.Block && errOut != nil {
		fmt.Fprintln(errOut, res.Reason)
	}
	return nil
}

// readPayload reads at most maxPayload bytes. A longer payload is an
// error rather than a truncated document.
func readPayload(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxPayload+1))
	if err != nil {
		return data, fmt.Errorf("reading tool call: %w", err)
	}
	if len(data) > maxPayload {
		return data[:maxPayload], ErrTooLarge
	}
	return data, nil
}

// refusal is the result for a tool call that could not be decided.
func refusal(err error) guard.Result {
	return guard.Result{
		Block:  true,
		Reason: engine.BlockReason(fmt.Sprintf("tool call could not be evaluated (%v)", err)),
	}
}

// sniffFormat picks the response shape for a payload Parse rejected.
func sniffFormat(data []byte) Format {
	if bytes.Contains(data, []byte(`"hook_event_name"`)) || bytes.Contains(data, []byte(`"tool_name"`)) {
		return FormatClaude
	}
	return FormatPi
}

// Handler serves the tool-call boundary over HTTP for `pai serve`.
//
//	POST /v1/tool_call    one payload, one response
//	POST /v1/tool_calls   a JSON array of payloads, evaluated in order
type Handler struct {
	interceptor Interceptor
	mux         *http.ServeMux
}

// NewHandler returns the HTTP handler for i.
func NewHandler(i Interceptor) *Handler {
	h := &Handler{interceptor: i, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /v1/tool_call", h.handleToolCall)
	h.mux.HandleFunc("POST /v1/tool_calls", h.handleToolCalls)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleToolCall(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, ok := readBody(w, r)
	if !ok {
		return
	}

	c, err := Parse(body)
	if err != nil {
		slog.Warn("invalid tool call", "error", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, d := h.interceptor.Intercept(r.Context(), c.Cwd, c.Action())

	slog.Debug("tool call decided",
		"format", c.Format.String(),
		"tool", c.Tool,
		"cwd", c.Cwd,
		"outcome", d.Outcome.String(),
		"latency_us", time.Since(start).Microseconds(),
	)
	writeJSON(w, Response(c, res))
}

func (h *Handler) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("expected a JSON array of tool calls"))
		return
	}

	calls := make([]Call, 0, len(raws))
	for i, raw := range raws {
		c, err := Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("tool call %d: %w", i, err))
			return
		}
		calls = append(calls, c)
	}

	out := make([]any, 0, len(calls))
	for _, c := range calls {
		res, _ := h.interceptor.Intercept(r.Context(), c.Cwd, c.Action())
		out = append(out, Response(c, res))
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// readBody reads a request body of at most maxPayload bytes. On failure
// it has already written the error response.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrTooLarge)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("reading tool call: %w", err))
		return nil, false
	}
	return body, true
}

// writeError replies with an error status. The body is also a block
// result, so a host that only reads "block" refuses the call.
func writeError(w http.ResponseWriter, status int, err error) {
	res := refusal(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
		guard.Result
	}{err.Error(), res})
}

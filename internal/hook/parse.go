// Package hook is the tool-call boundary between an agent host and the
// guard. A host sends one tool call before executing it and receives
// {"block": bool, "reason": string} back.
//
// Supported payload formats, detected from the fields present:
//   - pi tool_call event:      {"toolName", "input", "cwd"}
//   - Claude PreToolUse hook:  {"tool_name", "tool_input", "cwd", "session_id"}
//   - generic:                 {"tool", "input", "cwd"}
//   - Anthropic tool_use block: {"type": "tool_use", "id", "name", "input"}
//   - OpenAI tool call:        {"id", "type": "function", "function": {"name", "arguments"}}
//
// Tool names are kept as-is. Case-insensitive matching happens in
// engine.NewAction.
package hook

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/arosstale/pi-pai/internal/engine"
)

// Format identifies which host produced a payload. It selects the
// response shape.
type Format int

const (
	FormatPi Format = iota
	FormatClaude
	FormatGeneric
	FormatAnthropic
	FormatOpenAI
)

func (f Format) String() string {
	switch f {
	case FormatPi:
		return "pi"
	case FormatClaude:
		return "claude"
	case FormatGeneric:
		return "generic"
	case FormatAnthropic:
		return "anthropic"
	case FormatOpenAI:
		return "openai"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ErrNoTool is returned for a payload that names no tool.
var ErrNoTool = errors.New("payload has no tool name")

// Call is one tool invocation normalized from any supported format.
type Call struct {
	Format    Format
	ID        string         // provider tool-call ID, if any
	Tool      string         // tool name as sent by the host
	Input     map[string]any // parsed arguments
	Cwd       string
	SessionID string
	Event     string // Claude hook_event_name
}

// Action converts the call for the engine.
func (c Call) Action() engine.Action {
	return engine.NewAction(c.Tool, c.Input)
}

// payload is the union of every supported format. Input fields stay raw
// because OpenAI sends arguments as a JSON string.
type payload struct {
	ToolName  string          `json:"toolName"`
	ToolNameS string          `json:"tool_name"`
	Tool      string          `json:"tool"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolInput json.RawMessage `json:"tool_input"`
	Cwd       string          `json:"cwd"`
	SessionID string          `json:"session_id"`
	Event     string          `json:"hook_event_name"`
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Function  *struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"` // JSON string, not object.
	} `json:"function"`
}

// Parse decodes a payload in any supported format.
func Parse(data []byte) (Call, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Call{}, fmt.Errorf("decoding tool call: %w", err)
	}

	c := Call{Cwd: p.Cwd, SessionID: p.SessionID, Event: p.Event, ID: p.ID}
	var raw json.RawMessage

	switch {
	case p.ToolName != "":
		c.Format, c.Tool, raw = FormatPi, p.ToolName, p.Input
	case p.ToolNameS != "":
		c.Format, c.Tool, raw = FormatClaude, p.ToolNameS, p.ToolInput
	case p.Tool != "":
		c.Format, c.Tool, raw = FormatGeneric, p.Tool, firstRaw(p.Input, p.ToolInput)
	case p.Type == "tool_use" && p.Name != "":
		c.Format, c.Tool, raw = FormatAnthropic, p.Name, p.Input
	case p.Function != nil && p.Function.Name != "":
		c.Format, c.Tool = FormatOpenAI, p.Function.Name
		raw = json.RawMessage(p.Function.Arguments)
	default:
		return Call{}, ErrNoTool
	}

	input, err := parseInput(raw)
	if err != nil {
		return Call{}, fmt.Errorf("decoding %s input for %s: %w", c.Format, c.Tool, err)
	}
	c.Input = input
	return c, nil
}

func firstRaw(vals ...json.RawMessage) json.RawMessage {
	for _, v := range vals {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}

// parseInput accepts an object, null, or a JSON string holding an
// object.
func parseInput(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if s == "" {
			return map[string]any{}, nil
		}
		raw = json.RawMessage(s)
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}

package engine

import (
	"fmt"
	"strings"
)

// Action is an intercepted tool invocation. The set of implementations is
// closed: BashAction, FileAction and UnknownAction. Code switching on an
// Action should handle all three.
type Action interface {
	// Tool is the host tool kind ("bash", "read", "write", "edit", ...).
	Tool() string
	// Text is the literal text shown to the user and written to the audit
	// log: the command for bash, the path for file operations.
	Text() string

	isAction()
}

// BashAction is a shell command.
type BashAction struct {
	Command string
}

func (BashAction) Tool() string   { return "bash" }
func (a BashAction) Text() string { return a.Command }
func (BashAction) isAction()      {}

// FileOp is a file operation kind.
type FileOp int

const (
	OpRead FileOp = iota
	OpWrite
	OpEdit
)

func (op FileOp) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpEdit:
		return "edit"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// Mutates reports whether the operation changes the file.
func (op FileOp) Mutates() bool {
	return op == OpWrite || op == OpEdit
}

// ParseFileOp maps a host tool name to a FileOp. Matching is
// case-insensitive so "Read" and "read" are the same tool.
func ParseFileOp(tool string) (FileOp, bool) {
	switch strings.ToLower(tool) {
	case "read":
		return OpRead, true
	case "write":
		return OpWrite, true
	case "edit":
		return OpEdit, true
	default:
		return 0, false
	}
}

// FileAction is a read, write or edit of a single path.
type FileAction struct {
	Op   FileOp
	Path string
}

func (a FileAction) Tool() string { return a.Op.String() }
func (a FileAction) Text() string { return a.Path }
func (FileAction) isAction()      {}

// UnknownAction is a tool kind the engine does not judge. It is always
// allowed, which means new host tools are unprotected until they are
// mapped to BashAction or FileAction.
type UnknownAction struct {
	Name string
}

func (a UnknownAction) Tool() string { return a.Name }
func (UnknownAction) Text() string   { return "" }
func (UnknownAction) isAction()      {}

// NewAction builds an Action from a host tool name and its input fields.
// Bash commands are read from "command"; file paths from "path", falling
// back to "file_path".
func NewAction(tool string, input map[string]any) Action {
	if strings.EqualFold(tool, "bash") {
		return BashAction{Command: stringArg(input, "command")}
	}
	if op, ok := ParseFileOp(tool); ok {
		path := stringArg(input, "path")
		if path == "" {
			path = stringArg(input, "file_path")
		}
		return FileAction{Op: op, Path: path}
	}
	return UnknownAction{Name: tool}
}

// stringArg safely extracts a string value from a tool input map.
// Returns "" if the key doesn't exist or the value isn't a string.
func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	s, _ := args[key].(string)
	return s
}

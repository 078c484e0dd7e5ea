package engine

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the result class of a decision.
type Outcome int

const (
	Allow Outcome = iota
	Block
	AskUser
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Block:
		return "block"
	case AskUser:
		return "ask"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Cause explains why an action was blocked.
type Cause string

const (
	CauseNone       Cause = ""
	CauseRule       Cause = "rule"        // a command rule or a bash zero-access substring matched
	CausePath       Cause = "path"        // a protected path matched
	CauseUserDenied Cause = "user_denied" // a confirmation was denied or timed out
)

// NoRetry is appended to every block reason. The acting agent would
// otherwise loop on the blocked action.
const NoRetry = "DO NOT retry or work around this."

// Decision is the outcome of evaluating one Action.
type Decision struct {
	Outcome Outcome
	Reason  string
	Cause   Cause

	// At most one of these is set: the rule that produced the decision.
	CommandRule *CommandRule
	PathRule    *PathRule
}

// Blocked reports whether the decision is a final block.
func (d Decision) Blocked() bool { return d.Outcome == Block }

// RuleText returns the pattern of the matched rule, or "".
func (d Decision) RuleText() string {
	switch {
	case d.CommandRule != nil:
		return d.CommandRule.Pattern
	case d.PathRule != nil:
		return d.PathRule.Pattern
	default:
		return ""
	}
}

// Env carries the directories path patterns are resolved against.
type Env struct {
	Cwd  string
	Home string
}

// Decide evaluates an action against a rule set.
//
// Precedence is fixed:
//   - bash: the first matching command rule in declaration order decides
//     (Block, or AskUser when the rule has ask set). Without a command
//     match, a zero-access pattern appearing anywhere in the command text
//     blocks. Zero-access blocks are never askable.
//   - file: zero-access blocks every operation, including read. Read-only
//     then blocks write and edit.
//   - anything else is allowed.
//
// Decide has no side effects and is safe for concurrent use.
func Decide(action Action, rs *RuleSet, env Env) Decision {
	if rs == nil {
		return Decision{Outcome: Allow}
	}

	switch a := action.(type) {
	case BashAction:
		return decideBash(a, rs)
	case FileAction:
		return decideFile(a, rs, env)
	case UnknownAction:
		return Decision{Outcome: Allow}
	default:
		return Decision{Outcome: Allow}
	}
}

func decideBash(a BashAction, rs *RuleSet) Decision {
	for i := range rs.CommandRules {
		rule := &rs.CommandRules[i]
		if !MatchCommand(rule, a.Command) {
			continue
		}
		if rule.Ask {
			return Decision{Outcome: AskUser, Reason: rule.Reason, Cause: CauseRule, CommandRule: rule}
		}
		return Decision{
			Outcome:     Block,
			Reason:      BlockReason(rule.Reason),
			Cause:       CauseRule,
			CommandRule: rule,
		}
	}

	// Coarse check: the command is not parsed into path arguments, so a
	// zero-access pattern is looked up as a literal substring.
	for i := range rs.ZeroAccess {
		pr := &rs.ZeroAccess[i]
		needle := strings.TrimPrefix(pr.Pattern, "~/")
		if needle == "" {
			continue
		}
		if strings.Contains(a.Command, needle) {
			return Decision{
				Outcome:  Block,
				Reason:   BlockReason(fmt.Sprintf("zero-access path %s", pr.Pattern)),
				Cause:    CauseRule,
				PathRule: pr,
			}
		}
	}

	return Decision{Outcome: Allow}
}

func decideFile(a FileAction, rs *RuleSet, env Env) Decision {
	if a.Path == "" {
		return Decision{Outcome: Allow}
	}

	for i := range rs.ZeroAccess {
		pr := &rs.ZeroAccess[i]
		if MatchPath(a.Path, pr.Pattern, env) {
			return Decision{
				Outcome:  Block,
				Reason:   BlockReason(fmt.Sprintf("zero-access path %s (%s %s)", pr.Pattern, a.Op, a.Path)),
				Cause:    CausePath,
				PathRule: pr,
			}
		}
	}

	if !a.Op.Mutates() {
		return Decision{Outcome: Allow}
	}

	for i := range rs.ReadOnly {
		pr := &rs.ReadOnly[i]
		if MatchPath(a.Path, pr.Pattern, env) {
			return Decision{
				Outcome:  Block,
				Reason:   BlockReason(fmt.Sprintf("read-only path %s (%s %s)", pr.Pattern, a.Op, a.Path)),
				Cause:    CausePath,
				PathRule: pr,
			}
		}
	}

	return Decision{Outcome: Allow}
}

// BlockReason formats a human-readable block message that tells the
// caller not to retry.
func BlockReason(reason string) string {
	return fmt.Sprintf("PAI blocked: %s. %s", reason, NoRetry)
}

// DeniedReason formats the message for an AskUser decision the user
// denied or let time out.
func DeniedReason(reason string) string {
	return fmt.Sprintf("PAI blocked: %s (not confirmed). %s", reason, NoRetry)
}

// AuditEvent is a terminal block, recorded once per blocked action.
type AuditEvent struct {
	Action    Action
	Decision  Decision
	Cause     Cause
	Timestamp time.Time
}

// Package engine implements the damage-control rule engine.
//
// Rules are loaded from a patterns.yaml document (see store.go for the
// candidate locations) into an immutable RuleSet. Every intercepted tool
// call is turned into an Action and evaluated by Decide against the
// RuleSet. Decide is a pure function: it never logs, audits or prompts.
// Those side effects belong to the guard package.
//
// A patterns document has four sections:
//
//	bashToolPatterns:        # command rules, first match wins
//	  - pattern: '\brm\s+(-[^\s]*)*-[rRf]'
//	    reason: rm with recursive/force flags
//	    ask: false           # optional, default false
//	zeroAccessPaths: [...]   # no read, no write
//	readOnlyPaths: [...]     # read allowed, write/edit blocked
//	noDeletePaths: [...]     # deletion forbidden
package engine

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProtectionClass is the class a path pattern belongs to.
type ProtectionClass int

const (
	// ZeroAccess paths can be neither read nor written.
	ZeroAccess ProtectionClass = iota
	// ReadOnly paths can be read but not written or edited.
	ReadOnly
	// NoDelete paths must not be deleted. There is no delete tool in the
	// host interface, so this class is loaded but never matched.
	NoDelete
)

func (c ProtectionClass) String() string {
	switch c {
	case ZeroAccess:
		return "zero-access"
	case ReadOnly:
		return "read-only"
	case NoDelete:
		return "no-delete"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// CommandRule blocks (or asks about) shell commands matching a regex.
type CommandRule struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Reason  string `yaml:"reason" json:"reason"`
	Ask     bool   `yaml:"ask,omitempty" json:"ask,omitempty"`

	compiled *commandRegex
}

// PathRule is a bare path pattern in one protection class.
// Patterns are resolved against the home and working directory at match
// time, never at load time.
type PathRule struct {
	Pattern string          `json:"pattern"`
	Class   ProtectionClass `json:"class"`
}

// LoadWarning records a rule that was dropped while loading.
type LoadWarning struct {
	Source  string `json:"source"`
	Index   int    `json:"index"`
	Pattern string `json:"pattern"`
	Problem string `json:"problem"`
}

func (w LoadWarning) String() string {
	return fmt.Sprintf("%s: bashToolPatterns[%d] %q: %s", w.Source, w.Index, w.Pattern, w.Problem)
}

// RuleSet is the active set of protection rules for a session.
// It must not be modified after load; reloading builds a new RuleSet.
type RuleSet struct {
	CommandRules []CommandRule
	ZeroAccess   []PathRule
	ReadOnly     []PathRule
	NoDelete     []PathRule

	// Source is the file (or "bundled") the rules came from. Empty for
	// the empty RuleSet returned when nothing could be loaded.
	Source   string
	Warnings []LoadWarning
}

// Empty reports whether the RuleSet contains no rules at all.
func (rs *RuleSet) Empty() bool {
	return rs == nil || (len(rs.CommandRules) == 0 && len(rs.ZeroAccess) == 0 &&
		len(rs.ReadOnly) == 0 && len(rs.NoDelete) == 0)
}

// Count returns the number of command rules and path rules.
func (rs *RuleSet) Count() (commands, paths int) {
	if rs == nil {
		return 0, 0
	}
	return len(rs.CommandRules), len(rs.ZeroAccess) + len(rs.ReadOnly) + len(rs.NoDelete)
}

// patternsFile is the YAML envelope for patterns.yaml.
type patternsFile struct {
	BashToolPatterns []rawCommandRule `yaml:"bashToolPatterns"`
	ZeroAccessPaths  []string         `yaml:"zeroAccessPaths"`
	ReadOnlyPaths    []string         `yaml:"readOnlyPaths"`
	NoDeletePaths    []string         `yaml:"noDeletePaths"`
}

// rawCommandRule keeps ask as a pointer so a missing key and "ask: false"
// are both accepted without a custom unmarshaler.
type rawCommandRule struct {
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
	Ask     *bool  `yaml:"ask"`
}

// ParseRuleSet parses and compiles a patterns document.
// A document that is not valid YAML is an error. Individual command rules
// that cannot be used (bad regex, missing reason) are dropped and reported
// in RuleSet.Warnings.
func ParseRuleSet(source string, data []byte) (*RuleSet, error) {
	var file patternsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing patterns %s: %w", source, err)
	}

	rs := &RuleSet{Source: source}

	for i, raw := range file.BashToolPatterns {
		warn := func(problem string) {
			rs.Warnings = append(rs.Warnings, LoadWarning{
				Source:  source,
				Index:   i,
				Pattern: raw.Pattern,
				Problem: problem,
			})
		}

		if strings.TrimSpace(raw.Pattern) == "" {
			warn("empty pattern")
			continue
		}
		if strings.TrimSpace(raw.Reason) == "" {
			warn("missing reason")
			continue
		}

		rule := CommandRule{Pattern: raw.Pattern, Reason: raw.Reason}
		if raw.Ask != nil {
			rule.Ask = *raw.Ask
		}
		if err := rule.compile(); err != nil {
			warn(err.Error())
			continue
		}
		rs.CommandRules = append(rs.CommandRules, rule)
	}

	rs.ZeroAccess = pathRules(file.ZeroAccessPaths, ZeroAccess)
	rs.ReadOnly = pathRules(file.ReadOnlyPaths, ReadOnly)
	rs.NoDelete = pathRules(file.NoDeletePaths, NoDelete)

	return rs, nil
}

// pathRules converts raw strings into PathRules, skipping blanks.
func pathRules(patterns []string, class ProtectionClass) []PathRule {
	var out []PathRule
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, PathRule{Pattern: p, Class: class})
	}
	return out
}

// compile pre-compiles the rule's pattern.
func (r *CommandRule) compile() error {
	re, err := compileCommandRegex(r.Pattern)
	if err != nil {
		return err
	}
	r.compiled = re
	return nil
}

// commandRegex is a compiled command pattern. RE2 has no lookaround, so a
// pattern ending in a negative lookahead "X(?!Y)" is split into the main
// expression X and the rejected continuation Y.
//
// When X has top-level alternatives "A|B", the lookahead binds to B only:
// A is matched on its own by other. Trailing \b, \B and $ in B are checked
// against the whole command at the cut point rather than inside the
// prefix, where the cut would look like the end of the text.
type commandRegex struct {
	main   *regexp.Regexp
	other  *regexp.Regexp // alternatives before the last, nil if none
	tail   *regexp.Regexp // last alternative anchored at the end of the input
	unless *regexp.Regexp // Y anchored at the start of the input
	after  []string       // trailing assertions of the last alternative
	multi  bool           // (?m): $ also matches before a newline
}

// compileCommandRegex compiles a rule pattern, supporting one trailing
// negative lookahead group.
func compileCommandRegex(pattern string) (*commandRegex, error) {
	main, look, ok := splitLookahead(pattern)
	if !ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		return &commandRegex{main: re}, nil
	}

	flags := leadingFlags(main)
	mainRe, err := regexp.Compile(main)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	c := &commandRegex{main: mainRe, multi: strings.Contains(flags, "m")}

	body := strings.TrimPrefix(main, flags)
	last := body
	if i := lastAlternation(body); i >= 0 {
		last = body[i+1:]
		if c.other, err = regexp.Compile(flags + `(?:` + body[:i] + `)`); err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
	}
	last, c.after = trailingAssertions(last)

	if c.tail, err = regexp.Compile(flags + `(?:` + last + `)$`); err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	if c.unless, err = regexp.Compile(flags + `^(?:` + look + `)`); err != nil {
		return nil, fmt.Errorf("invalid lookahead: %w", err)
	}
	return c, nil
}

// match reports whether the command contains a match. With a lookahead,
// some prefix of the command must end in a match of the last alternative
// that is not followed by Y.
func (c *commandRegex) match(command string) bool {
	if !c.main.MatchString(command) {
		return false
	}
	if c.unless == nil {
		return true
	}
	if c.other != nil && c.other.MatchString(command) {
		return true
	}
	for end := 0; end <= len(command); end++ {
		if !c.assertionsHold(command, end) || !c.tail.MatchString(command[:end]) {
			continue
		}
		if !c.unless.MatchString(command[end:]) {
			return true
		}
	}
	return false
}

// assertionsHold evaluates the trailing assertions at position pos.
func (c *commandRegex) assertionsHold(command string, pos int) bool {
	for _, a := range c.after {
		switch a {
		case `\b`:
			if !wordBoundary(command, pos) {
				return false
			}
		case `\B`:
			if wordBoundary(command, pos) {
				return false
			}
		case `$`:
			if pos != len(command) && !(c.multi && command[pos] == '\n') {
				return false
			}
		}
	}
	return true
}

// wordBoundary matches RE2's ASCII \b at pos.
func wordBoundary(s string, pos int) bool {
	before := pos > 0 && isWordByte(s[pos-1])
	after := pos < len(s) && isWordByte(s[pos])
	return before != after
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// trailingAssertions strips unescaped \b, \B and $ from the end of s.
func trailingAssertions(s string) (string, []string) {
	var out []string
	for {
		switch {
		case strings.HasSuffix(s, "$") && !escaped(s, len(s)-1):
			out = append(out, "$")
			s = s[:len(s)-1]
		case (strings.HasSuffix(s, `\b`) || strings.HasSuffix(s, `\B`)) && !escaped(s, len(s)-2):
			out = append(out, s[len(s)-2:])
			s = s[:len(s)-2]
		default:
			return s, out
		}
	}
}

// escaped reports whether s[i] is preceded by an odd number of backslashes.
func escaped(s string, i int) bool {
	n := 0
	for j := i - 1; j >= 0 && s[j] == '\\'; j-- {
		n++
	}
	return n%2 == 1
}

// lastAlternation returns the index of the last "|" outside groups and
// character classes, or -1.
func lastAlternation(s string) int {
	idx, depth, class := -1, 0, false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\':
			i++
		case class:
			if c == ']' {
				class = false
			}
		case c == '[':
			class = true
			// A ']' right after '[' or '[^' is literal.
			if i+1 < len(s) && s[i+1] == '^' {
				i++
			}
			if i+1 < len(s) && s[i+1] == ']' {
				i++
			}
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == '|' && depth == 0:
			idx = i
		}
	}
	return idx
}

// splitLookahead splits "X(?!Y)" into X and Y. The lookahead must be the
// last group in the pattern and must not be nested.
func splitLookahead(pattern string) (main, look string, ok bool) {
	idx := strings.LastIndex(pattern, "(?!")
	if idx < 0 || !strings.HasSuffix(pattern, ")") {
		return "", "", false
	}
	body := pattern[idx+3 : len(pattern)-1]
	if !balanced(body) || strings.Contains(pattern[:idx], "(?!") || !balanced(pattern[:idx]) {
		return "", "", false
	}
	return pattern[:idx], body, true
}

// balanced reports whether unescaped parentheses in s are balanced.
func balanced(s string) bool {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

var flagGroup = regexp.MustCompile(`^\(\?[imsU]+\)`)

// leadingFlags returns a leading "(?i)"-style flag group, if any, so the
// lookahead half of a split pattern keeps the same flags.
func leadingFlags(pattern string) string {
	return flagGroup.FindString(pattern)
}

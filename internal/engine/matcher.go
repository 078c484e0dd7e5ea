package engine

import (
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// MatchCommand reports whether the rule's pattern occurs anywhere in the
// raw command text. Matching is case-sensitive unless the pattern sets
// (?i) itself. The command is not parsed: aliases, variables and quoting
// are not resolved.
//
// A rule that was never compiled is compiled here; a pattern that does not
// compile is a non-match.
func MatchCommand(r *CommandRule, command string) bool {
	re := r.compiled
	if re == nil {
		var err error
		re, err = compileCommandRegex(r.Pattern)
		if err != nil {
			return false
		}
	}
	return re.match(command)
}

// MatchPath reports whether target satisfies a path pattern.
//
// Both are expanded for a leading "~" and target is made absolute against
// env.Cwd. Then:
//   - "dir/" patterns match the directory itself and anything below it;
//   - patterns containing "*" are globs matched against the basename and
//     the full path ("*" spans any characters, including separators);
//   - other patterns match the basename exactly, a trailing path suffix,
//     or the full path when the pattern is absolute.
func MatchPath(target, pattern string, env Env) bool {
	if target == "" || pattern == "" {
		return false
	}

	pattern = expandHome(pattern, env.Home)
	resolved := resolvePath(expandHome(target, env.Home), env.Cwd)
	base := filepath.Base(resolved)

	if strings.HasSuffix(pattern, "/") {
		dir := resolvePath(pattern, env.Cwd)
		return resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator))
	}

	if strings.Contains(pattern, "*") {
		g, err := compileWildcard(pattern)
		if err != nil {
			return false
		}
		return g.Match(base) || g.Match(resolved)
	}

	if base == pattern {
		return true
	}
	if filepath.IsAbs(pattern) {
		return resolved == filepath.Clean(pattern)
	}
	return strings.HasSuffix(resolved, string(filepath.Separator)+pattern)
}

// compileWildcard compiles a pattern where "*" is the only wildcard.
// Everything else, including glob syntax like "?" and "[...]", is literal.
func compileWildcard(pattern string) (glob.Glob, error) {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = glob.QuoteMeta(p)
	}
	// No separators: "*" also matches "/".
	return glob.Compile(strings.Join(parts, "*"))
}

// expandHome replaces a leading "~" with home.
func expandHome(p, home string) string {
	if home == "" {
		return p
	}
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:]) + trailingSlash(p)
	}
	return p
}

// resolvePath makes p absolute against cwd and cleans it. Cleaning drops
// a trailing separator.
func resolvePath(p, cwd string) string {
	if !filepath.IsAbs(p) && cwd != "" {
		p = filepath.Join(cwd, p)
	}
	return filepath.Clean(p)
}

// trailingSlash preserves the directory marker that filepath.Join drops.
func trailingSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return "/"
	}
	return ""
}

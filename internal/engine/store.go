package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// BundledSource is the RuleSet.Source value for the embedded defaults.
const BundledSource = "bundled"

// ProjectPatternsPath is the project-local override, relative to the
// working directory and to the repository root.
var ProjectPatternsPath = filepath.Join(".pi", "damage-control", "patterns.yaml")

// Store probes an ordered list of candidate patterns files and loads the
// first one that exists and parses.
type Store struct {
	// ExtraPaths are probed after the project and repo-root candidates.
	ExtraPaths []string
	// Bundled enables the embedded default patterns as the last candidate.
	Bundled bool
	// OnWarning is called for every dropped rule. Optional.
	OnWarning func(LoadWarning)
}

// NewStore returns a Store that falls back to the bundled defaults.
func NewStore(extraPaths ...string) *Store {
	return &Store{ExtraPaths: extraPaths, Bundled: true}
}

// Candidates returns the file candidates for a working directory, in
// probe order, without duplicates. The bundled default is not a file and
// is not listed.
func (s *Store) Candidates(cwd string) []string {
	if abs, err := filepath.Abs(cwd); err == nil {
		cwd = abs
	}
	root := repoRoot(cwd)
	paths := []string{
		filepath.Join(cwd, ProjectPatternsPath),
		filepath.Join(root, "patterns.yaml"),
		filepath.Join(root, ProjectPatternsPath),
	}
	paths = append(paths, s.ExtraPaths...)

	seen := make(map[string]bool, len(paths))
	out := paths[:0]
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Load returns the RuleSet for a working directory. It never fails: a
// candidate that is missing is skipped, one that fails to parse is logged
// and skipped, and when nothing loads the result is an empty RuleSet, so
// missing configuration never makes the host unusable.
func (s *Store) Load(cwd string) *RuleSet {
	for _, path := range s.Candidates(cwd) {
		rs, err := loadPatternsFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				slog.Warn("skipping patterns file", "path", path, "error", err)
			}
			continue
		}
		s.report(rs)
		return rs
	}

	if s.Bundled {
		rs, err := ParseRuleSet(BundledSource, DefaultPatterns())
		if err == nil {
			s.report(rs)
			return rs
		}
		slog.Error("bundled patterns failed to parse", "error", err)
	}

	slog.Info("no damage-control patterns found, all actions allowed", "cwd", cwd)
	return &RuleSet{}
}

// report logs the load result and forwards warnings.
func (s *Store) report(rs *RuleSet) {
	for _, w := range rs.Warnings {
		slog.Warn("dropped command rule", "source", w.Source, "index", w.Index, "pattern", w.Pattern, "problem", w.Problem)
		if s.OnWarning != nil {
			s.OnWarning(w)
		}
	}
	commands, paths := rs.Count()
	slog.Info("damage-control patterns loaded", "source", rs.Source, "commands", commands, "paths", paths, "warnings", len(rs.Warnings))
}

// loadPatternsFile reads and parses a single candidate. A missing file
// returns an error wrapping os.ErrNotExist.
func loadPatternsFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("reading patterns %s: %w", path, err)
	}
	return ParseRuleSet(path, data)
}

// repoRoot walks up from dir to the nearest directory containing .git.
// Returns dir itself when there is none.
func repoRoot(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	for d := abs; ; {
		if _, err := os.Stat(filepath.Join(d, ".git")); err == nil {
			return d
		}
		parent := filepath.Dir(d)
		if parent == d {
			return abs
		}
		d = parent
	}
}

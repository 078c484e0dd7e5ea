package engine

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

// defaultPatterns is the bundled patterns document. It is the last
// candidate the Store probes and the template written by `pai config init`.
//
//go:embed default_patterns.yaml
var defaultPatterns []byte

// DefaultPatterns returns a copy of the bundled patterns document.
func DefaultPatterns() []byte {
	out := make([]byte, len(defaultPatterns))
	copy(out, defaultPatterns)
	return out
}

// WriteDefaultPatterns writes the bundled patterns to path, creating the
// parent directory. An existing file is left untouched.
func WriteDefaultPatterns(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating patterns directory: %w", err)
	}
	return os.WriteFile(path, defaultPatterns, 0o644)
}

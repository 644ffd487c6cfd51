package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// syncignoreName is the per-root ignore file, gitignore syntax.
const syncignoreName = ".syncignore"

// dataDirName is the engine's own metadata directory inside the sync
// root. It must never sync: the state database corrupts if copied
// mid-transaction.
const dataDirName = ".syncagent"

// defaultIgnorePatterns are always active, before any .syncignore
// rules. They cover VCS metadata, OS droppings, and editor
// temporaries.
var defaultIgnorePatterns = []string{
	".git",
	".git/**",
	".DS_Store",
	"Thumbs.db",
	"*.tmp",
	"*.temp",
	"~*",
	"*.swp",
	"*.swo",
	dataDirName,
	dataDirName + "/**",
}

// Ignorer decides which relative paths stay out of sync. Compiled
// once per run; a changed .syncignore takes effect on the next scan.
type Ignorer struct {
	matcher *gitignore.GitIgnore
}

// NewIgnorer compiles the default rules plus the sync root's
// .syncignore, if present.
func NewIgnorer(syncRoot string) (*Ignorer, error) {
	patterns := append([]string{}, defaultIgnorePatterns...)

	data, err := os.ReadFile(filepath.Join(syncRoot, syncignoreName))
	switch {
	case os.IsNotExist(err):
		// No user rules.
	case err != nil:
		return nil, fmt.Errorf("sync: reading %s: %w", syncignoreName, err)
	default:
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			patterns = append(patterns, line)
		}
	}

	return &Ignorer{matcher: gitignore.CompileIgnoreLines(patterns...)}, nil
}

// Match reports whether the relative path (forward slashes) is
// ignored. The ignore file itself is never synced either.
func (ig *Ignorer) Match(relPath string) bool {
	if relPath == syncignoreName {
		return true
	}
	return ig.matcher.MatchesPath(relPath)
}

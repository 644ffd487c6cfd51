package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIgnorerDefaults(t *testing.T) {
	ig, err := NewIgnorer(t.TempDir())
	require.NoError(t, err)

	ignored := []string{
		".git",
		".git/config",
		".DS_Store",
		"photos/.DS_Store",
		"Thumbs.db",
		"draft.tmp",
		"report.temp",
		"~lockfile",
		"notes.swp",
		".syncagent",
		".syncagent/state.db",
		".syncignore",
	}
	for _, path := range ignored {
		assert.True(t, ig.Match(path), "expected %q to be ignored", path)
	}

	synced := []string{
		"docs/a.txt",
		"code/main.go",
		"tmp-results.csv",
		"gitlog.txt",
	}
	for _, path := range synced {
		assert.False(t, ig.Match(path), "expected %q to sync", path)
	}
}

func TestIgnorerReadsSyncignore(t *testing.T) {
	root := t.TempDir()
	rules := "# build output\n*.log\nbuild/\n\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, syncignoreName), []byte(rules), 0o644))

	ig, err := NewIgnorer(root)
	require.NoError(t, err)

	assert.True(t, ig.Match("debug.log"))
	assert.True(t, ig.Match("nested/deep/trace.log"))
	assert.True(t, ig.Match("build/app"))
	assert.False(t, ig.Match("changelog.txt"))
	assert.False(t, ig.Match("builder.go"))

	// Defaults still apply alongside user rules.
	assert.True(t, ig.Match(".DS_Store"))
}

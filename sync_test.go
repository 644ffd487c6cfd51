package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	syncpkg "github.com/syncagent/syncagent/internal/sync"
)

func TestProgressPrinter_CollectsFailures(t *testing.T) {
	p := &progressPrinter{}

	p.result("a.txt", syncpkg.TransferUpload, nil)
	p.result("b.txt", syncpkg.TransferDownload, errors.New("chunk missing"))
	p.result("c.txt", syncpkg.TransferDelete, nil)

	assert.Len(t, p.failures, 1)
	assert.Contains(t, p.failures[0], "b.txt")
	assert.Contains(t, p.failures[0], "chunk missing")
}

func TestProgressPrinter_CollectsConflicts(t *testing.T) {
	p := &progressPrinter{}

	p.conflict(syncpkg.ConflictInfo{
		Path:         "doc.txt",
		ConflictCopy: "doc.conflict-20260826T101500123-laptop.txt",
		Type:         syncpkg.ConflictAtCommit,
	})

	assert.Len(t, p.conflicts, 1)
	assert.Equal(t, "doc.txt", p.conflicts[0].Path)
}

func TestProgressPrinter_PaintRespectsColorize(t *testing.T) {
	colored := &progressPrinter{colorize: true}
	plain := &progressPrinter{colorize: false}

	assert.Contains(t, colored.paint(colorYellow, "x"), colorYellow)
	assert.Equal(t, "x", plain.paint(colorYellow, "x"))
}

func TestWatchPIDPath_InsideConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path, err := watchPIDPath()
	assert.NoError(t, err)
	assert.Contains(t, path, "syncagent")
	assert.Contains(t, path, "watch.pid")
}

package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCmd_RegistersSubcommands(t *testing.T) {
	cmd := newRootCmd()

	got := map[string]bool{}
	for _, sub := range cmd.Commands() {
		got[sub.Name()] = true
	}

	for _, name := range []string{"serve", "invite", "purge"} {
		assert.True(t, got[name], "missing subcommand %q", name)
	}
}

func TestLoadConfig_DefaultsFromDataDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_DATA_HOME", dir)

	oldListen, oldDB, oldBlobs, oldCfgPath := flagListenAddr, flagDBPath, flagBlobRoot, flagConfigPath
	t.Cleanup(func() {
		flagListenAddr, flagDBPath, flagBlobRoot, flagConfigPath = oldListen, oldDB, oldBlobs, oldCfgPath
	})
	flagListenAddr, flagDBPath, flagBlobRoot, flagConfigPath = "", "", "", ""

	require.NoError(t, loadConfig())

	assert.Equal(t, ":8080", resolvedCfg.ListenAddr)
	assert.Equal(t, filepath.Join(dir, "syncagent", "server.db"), resolvedCfg.DatabasePath)
	assert.Equal(t, filepath.Join(dir, "syncagent", "chunks"), resolvedCfg.BlobRoot)
	assert.Equal(t, 30, resolvedCfg.Retention.TrashDays)
}

func TestLoadConfig_FlagsWin(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_DATA_HOME", dir)

	oldListen, oldDB, oldBlobs, oldCfgPath := flagListenAddr, flagDBPath, flagBlobRoot, flagConfigPath
	t.Cleanup(func() {
		flagListenAddr, flagDBPath, flagBlobRoot, flagConfigPath = oldListen, oldDB, oldBlobs, oldCfgPath
	})
	flagListenAddr = "127.0.0.1:9999"
	flagDBPath = filepath.Join(dir, "meta.db")
	flagBlobRoot = filepath.Join(dir, "store")
	flagConfigPath = ""

	require.NoError(t, loadConfig())

	assert.Equal(t, "127.0.0.1:9999", resolvedCfg.ListenAddr)
	assert.Equal(t, filepath.Join(dir, "meta.db"), resolvedCfg.DatabasePath)
	assert.Equal(t, filepath.Join(dir, "store"), resolvedCfg.BlobRoot)
}

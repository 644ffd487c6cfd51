package main

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncagent/syncagent/internal/keystore"
)

// isolateConfig points the config and data directories at a temp dir
// and supplies the master password through the environment so no
// command prompts.
func isolateConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_DATA_HOME", dir)
	t.Setenv(passwordEnvVar, "test-password")

	return filepath.Join(dir, "syncagent")
}

func execute(t *testing.T, args ...string) error {
	t.Helper()

	cmd := newRootCmd()
	cmd.SetArgs(args)

	return cmd.Execute()
}

func TestInit_CreatesConfigAndKeystore(t *testing.T) {
	cfgDir := isolateConfig(t)

	require.NoError(t, execute(t, "init"))

	assert.FileExists(t, filepath.Join(cfgDir, "config.toml"))
	assert.FileExists(t, filepath.Join(cfgDir, keystore.FileName))

	// Key material must be owner-only.
	info, err := os.Stat(filepath.Join(cfgDir, keystore.FileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestInit_RefusesSecondRun(t *testing.T) {
	isolateConfig(t)

	require.NoError(t, execute(t, "init"))

	err := execute(t, "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestImportKey_RoundTripsExportedKey(t *testing.T) {
	cfgDir := isolateConfig(t)

	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)

	require.NoError(t, execute(t, "import-key", encoded))

	ks, err := keystore.Load(cfgDir)
	require.NoError(t, err)
	require.NoError(t, ks.Unlock("test-password"))

	exported, err := ks.Export()
	require.NoError(t, err)
	assert.Equal(t, encoded, exported)
}

func TestImportKey_RejectsBadKey(t *testing.T) {
	isolateConfig(t)

	err := execute(t, "import-key", "bm90LWEta2V5")
	require.Error(t, err)
	assert.ErrorIs(t, err, keystore.ErrBadImport)
}

func TestReset_RequiresForce(t *testing.T) {
	cfgDir := isolateConfig(t)

	require.NoError(t, execute(t, "init"))

	err := execute(t, "reset")
	require.Error(t, err)
	assert.FileExists(t, filepath.Join(cfgDir, keystore.FileName))

	require.NoError(t, execute(t, "reset", "--force"))
	assert.NoFileExists(t, filepath.Join(cfgDir, keystore.FileName))
}

func TestUnlock_CachesSession(t *testing.T) {
	cfgDir := isolateConfig(t)

	require.NoError(t, execute(t, "init"))
	require.NoError(t, execute(t, "unlock"))

	assert.FileExists(t, filepath.Join(cfgDir, "session.key"))

	// With a session present the keystore unlocks without a password.
	t.Setenv(passwordEnvVar, "")
	ks, err := loadUnlockedKeystore(false)
	require.NoError(t, err)

	_, err = ks.Key()
	assert.NoError(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	creds := &Credentials{
		ServerURL:   "https://sync.example.com",
		MachineID:   "9f1c2a",
		MachineName: "laptop",
		Token:       "sa_secret",
	}

	require.NoError(t, SaveCredentials(path, creds))

	loaded, err := LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, creds, loaded)
}

func TestCredentialsFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes not meaningful on windows")
	}
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, SaveCredentials(path, &Credentials{
		MachineID: "m", Token: "sa_x",
	}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadCredentialsMissing(t *testing.T) {
	_, err := LoadCredentials(filepath.Join(t.TempDir(), "credentials.json"))
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestLoadCredentialsIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"machine_name":"laptop"}`), 0o600))

	_, err := LoadCredentials(path)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoCredentials)
}

func TestLoadCredentialsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := LoadCredentials(path)
	assert.Error(t, err)
}

func TestDeleteCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, SaveCredentials(path, &Credentials{MachineID: "m", Token: "sa_x"}))

	require.NoError(t, DeleteCredentials(path))
	_, err := LoadCredentials(path)
	assert.ErrorIs(t, err, ErrNoCredentials)

	// Deleting again is fine.
	assert.NoError(t, DeleteCredentials(path))
}

func TestSaveCredentialsOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, SaveCredentials(path, &Credentials{MachineID: "old", Token: "sa_old"}))
	require.NoError(t, SaveCredentials(path, &Credentials{MachineID: "new", Token: "sa_new"}))

	loaded, err := LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, "new", loaded.MachineID)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

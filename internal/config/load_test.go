package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFullFile(t *testing.T) {
	path := writeConfig(t, `
server_url = "https://sync.example.com"
sync_dir = "/data/sync"

[sync]
watch_debounce = "500ms"
sync_delay = "10s"
workers = 4
request_timeout = "1m"

[logging]
log_level = "debug"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://sync.example.com", cfg.ServerURL)
	assert.Equal(t, "/data/sync", cfg.SyncDir)
	assert.Equal(t, 500*time.Millisecond, cfg.WatchDebounce())
	assert.Equal(t, 10*time.Second, cfg.SyncDelay())
	assert.Equal(t, 4, cfg.WorkerCount())
	assert.Equal(t, time.Minute, cfg.RequestTimeout())
	assert.Equal(t, "debug", cfg.Logging.LogLevel)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `server_url = "http://localhost:8080"`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.ServerURL)
	assert.Equal(t, 250*time.Millisecond, cfg.WatchDebounce())
	assert.Equal(t, 3*time.Second, cfg.SyncDelay())
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.Equal(t, "info", cfg.Logging.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadUnknownKey(t *testing.T) {
	path := writeConfig(t, `server_uri = "https://sync.example.com"`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown key "server_uri"`)
	assert.Contains(t, err.Error(), `did you mean "server_url"`)
}

func TestLoadUnknownSectionKey(t *testing.T) {
	path := writeConfig(t, `
[sync]
worker = 4
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown key "sync.worker"`)
	assert.Contains(t, err.Error(), `did you mean "sync.workers"`)
}

func TestLoadMalformedTOML(t *testing.T) {
	path := writeConfig(t, `server_url = `)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestResolvePrecedence(t *testing.T) {
	path := writeConfig(t, `
server_url = "https://file.example.com"
sync_dir = "/from/file"
`)

	t.Setenv(EnvServerURL, "https://env.example.com")

	cliURL := "https://cli.example.com"
	cfg, err := Resolve(path, CLIOverrides{ServerURL: &cliURL})
	require.NoError(t, err)

	// CLI beats env beats file.
	assert.Equal(t, "https://cli.example.com", cfg.ServerURL)
	assert.Equal(t, "/from/file", cfg.SyncDir)
}

func TestResolveEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `sync_dir = "/from/file"`)

	t.Setenv(EnvSyncDir, "/from/env")

	cfg, err := Resolve(path, CLIOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.SyncDir)
}

func TestResolveExpandsHome(t *testing.T) {
	path := writeConfig(t, `sync_dir = "~/Sync"`)

	cfg, err := Resolve(path, CLIOverrides{})
	require.NoError(t, err)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "Sync"), cfg.SyncDir)
}

func TestResolveRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad scheme", `server_url = "ftp://sync.example.com"`},
		{"bad duration", "[sync]\nwatch_debounce = \"fast\""},
		{"negative workers", "[sync]\nworkers = -1"},
		{"bad log level", "[logging]\nlog_level = \"verbose\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Resolve(path, CLIOverrides{})
			assert.Error(t, err)
		})
	}
}

func TestWorkerCountDefault(t *testing.T) {
	cfg := Default()
	assert.GreaterOrEqual(t, cfg.WorkerCount(), 2)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.ServerURL = "https://sync.example.com"
	cfg.SyncDir = "/data/sync"

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadServerDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte(`listen_addr = "127.0.0.1:9090"`), 0o644))

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.ListenAddr)
	assert.Equal(t, 30, cfg.Retention.TrashDays)
	assert.Equal(t, 30, cfg.Retention.ChangeLogDays)
	assert.Equal(t, 3, cfg.Retention.PurgeHour)
}

func TestResolveServerMissingFileUsesDefaults(t *testing.T) {
	cfg, err := ResolveServer(filepath.Join(t.TempDir(), "nope.toml"), ServerCLIOverrides{})
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.NotEmpty(t, cfg.DatabasePath)
	assert.NotEmpty(t, cfg.BlobRoot)
}

func TestResolveServerFlagOverrides(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "meta.db")
	blobRoot := filepath.Join(t.TempDir(), "blobs")
	addr := "127.0.0.1:0"

	cfg, err := ResolveServer(filepath.Join(t.TempDir(), "nope.toml"), ServerCLIOverrides{
		ListenAddr:   &addr,
		DatabasePath: &dbPath,
		BlobRoot:     &blobRoot,
	})
	require.NoError(t, err)
	assert.Equal(t, addr, cfg.ListenAddr)
	assert.Equal(t, dbPath, cfg.DatabasePath)
	assert.Equal(t, blobRoot, cfg.BlobRoot)
}

func TestServerValidate(t *testing.T) {
	cfg := DefaultServer()
	cfg.Retention.PurgeHour = 24
	assert.Error(t, cfg.Validate())

	cfg = DefaultServer()
	cfg.Retention.TrashDays = -1
	assert.Error(t, cfg.Validate())

	cfg = DefaultServer()
	cfg.ListenAddr = ""
	assert.Error(t, cfg.Validate())
}

package config

import "os"

// Environment variables recognized by the client and server.
const (
	// EnvConfig overrides the config file path.
	EnvConfig = "SYNCAGENT_CONFIG"

	// EnvServerURL overrides server_url.
	EnvServerURL = "SYNCAGENT_SERVER_URL"

	// EnvSyncDir overrides sync_dir.
	EnvSyncDir = "SYNCAGENT_SYNC_DIR"

	// EnvLogLevel overrides logging.log_level.
	EnvLogLevel = "SYNCAGENT_LOG_LEVEL"

	// EnvPassword supplies the keystore password non-interactively.
	// Read by the CLI commands that unlock the keystore, never
	// stored in config.
	EnvPassword = "SYNCAGENT_PASSWORD"

	// EnvListenAddr overrides the server's listen_addr.
	EnvListenAddr = "SYNCAGENT_LISTEN_ADDR"
)

// EnvOverrides holds values read from the environment. Empty
// strings mean "not set".
type EnvOverrides struct {
	ServerURL  string
	SyncDir    string
	LogLevel   string
	ListenAddr string
}

// ReadEnvOverrides collects SYNCAGENT_* settings from the process
// environment.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ServerURL:  os.Getenv(EnvServerURL),
		SyncDir:    os.Getenv(EnvSyncDir),
		LogLevel:   os.Getenv(EnvLogLevel),
		ListenAddr: os.Getenv(EnvListenAddr),
	}
}

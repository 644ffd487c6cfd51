package config

import "time"

const (
	defaultWatchDebounce  = 250 * time.Millisecond
	defaultSyncDelay      = 3 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// Default returns a client Config populated with built-in defaults.
// ServerURL and SyncDir have no sensible defaults and stay empty
// until the file, environment or flags provide them.
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			WatchDebounce:  defaultWatchDebounce.String(),
			SyncDelay:      defaultSyncDelay.String(),
			Workers:        0,
			RequestTimeout: defaultRequestTimeout.String(),
		},
		Logging: LoggingConfig{
			LogLevel: "info",
		},
	}
}

// DefaultServer returns a ServerConfig populated with built-in
// defaults. DatabasePath and BlobRoot default to the data directory
// at resolve time.
func DefaultServer() *ServerConfig {
	return &ServerConfig{
		ListenAddr: ":8080",
		Retention: RetentionConfig{
			TrashDays:     30,
			ChangeLogDays: 30,
			PurgeHour:     3,
		},
		Logging: LoggingConfig{
			LogLevel: "info",
		},
	}
}

package config

import "fmt"

// ServerConfig holds the configuration for syncagentd.
type ServerConfig struct {
	// ListenAddr is the address the HTTP server binds to,
	// e.g. ":8080" or "127.0.0.1:8080".
	ListenAddr string `toml:"listen_addr"`

	// DatabasePath is the SQLite metadata database file. Defaults
	// to <data dir>/server.db.
	DatabasePath string `toml:"database_path"`

	// BlobRoot is the directory encrypted chunks are stored under.
	// Defaults to <data dir>/chunks.
	BlobRoot string `toml:"blob_root"`

	Retention RetentionConfig `toml:"retention"`
	Logging   LoggingConfig   `toml:"logging"`
}

// RetentionConfig controls the nightly maintenance jobs.
type RetentionConfig struct {
	// TrashDays is how long soft-deleted files stay restorable
	// before the purge job removes them and their unreferenced
	// chunks.
	TrashDays int `toml:"trash_days"`

	// ChangeLogDays is how long change log entries are kept.
	ChangeLogDays int `toml:"change_log_days"`

	// PurgeHour is the local hour of day (0-23) the purge job
	// runs at. The change log prune runs 30 minutes later.
	PurgeHour int `toml:"purge_hour"`
}

// ServerCLIOverrides carries syncagentd flag values into
// ResolveServer. Nil pointer fields mean "flag not given".
type ServerCLIOverrides struct {
	ListenAddr   *string
	DatabasePath *string
	BlobRoot     *string
	LogLevel     *string
}

// Validate checks field values after all layers are applied.
func (c *ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr must not be empty")
	}
	if c.Retention.TrashDays < 0 {
		return fmt.Errorf("config: invalid retention.trash_days %d: must be >= 0", c.Retention.TrashDays)
	}
	if c.Retention.ChangeLogDays < 0 {
		return fmt.Errorf("config: invalid retention.change_log_days %d: must be >= 0", c.Retention.ChangeLogDays)
	}
	if c.Retention.PurgeHour < 0 || c.Retention.PurgeHour > 23 {
		return fmt.Errorf("config: invalid retention.purge_hour %d: must be 0-23", c.Retention.PurgeHour)
	}
	if err := validateLogLevel(c.Logging.LogLevel); err != nil {
		return err
	}
	return nil
}

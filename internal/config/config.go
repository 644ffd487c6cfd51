// Package config loads and resolves syncagent configuration.
//
// Settings are resolved in four layers, later layers winning:
// built-in defaults, the TOML config file, SYNCAGENT_* environment
// variables, and command-line flags. The file is parsed strictly:
// unknown keys are an error so typos fail fast instead of being
// silently ignored.
package config

import (
	"fmt"
	"net/url"
	"runtime"
	"time"
)

// Config holds the client-side configuration for the sync agent.
type Config struct {
	// ServerURL is the base URL of the coordination server,
	// e.g. "https://sync.example.com".
	ServerURL string `toml:"server_url"`

	// SyncDir is the local directory kept in sync. "~" expands to
	// the user's home directory.
	SyncDir string `toml:"sync_dir"`

	Sync    SyncConfig    `toml:"sync"`
	Logging LoggingConfig `toml:"logging"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	// WatchDebounce is how long the watcher waits after the last
	// filesystem event on a path before emitting it.
	WatchDebounce string `toml:"watch_debounce"`

	// SyncDelay is the quiet period between a debounced event and
	// the transfer actually starting, so rapid re-edits coalesce.
	SyncDelay string `toml:"sync_delay"`

	// Workers is the number of concurrent transfer workers.
	// 0 means max(NumCPU, 2).
	Workers int `toml:"workers"`

	// RequestTimeout bounds each individual HTTP request to the
	// server. Transfers span many requests, so a large file is not
	// limited by this.
	RequestTimeout string `toml:"request_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `toml:"log_level"`
}

// CLIOverrides carries values from command-line flags into Resolve.
// Nil pointer fields mean "flag not given".
type CLIOverrides struct {
	ServerURL *string
	SyncDir   *string
	LogLevel  *string
}

// WatchDebounce returns the parsed watcher debounce interval.
func (c *Config) WatchDebounce() time.Duration {
	return mustDuration(c.Sync.WatchDebounce, defaultWatchDebounce)
}

// SyncDelay returns the parsed pre-transfer quiet period.
func (c *Config) SyncDelay() time.Duration {
	return mustDuration(c.Sync.SyncDelay, defaultSyncDelay)
}

// RequestTimeout returns the parsed per-request HTTP timeout.
func (c *Config) RequestTimeout() time.Duration {
	return mustDuration(c.Sync.RequestTimeout, defaultRequestTimeout)
}

// WorkerCount returns the effective transfer worker count.
func (c *Config) WorkerCount() int {
	if c.Sync.Workers > 0 {
		return c.Sync.Workers
	}
	n := runtime.NumCPU()
	if n < 2 {
		n = 2
	}
	return n
}

// Validate checks field values after all layers are applied.
func (c *Config) Validate() error {
	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			return fmt.Errorf("config: invalid server_url %q: %w", c.ServerURL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("config: invalid server_url %q: scheme must be http or https", c.ServerURL)
		}
	}
	for _, d := range []struct{ name, val string }{
		{"sync.watch_debounce", c.Sync.WatchDebounce},
		{"sync.sync_delay", c.Sync.SyncDelay},
		{"sync.request_timeout", c.Sync.RequestTimeout},
	} {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("config: invalid %s %q: %w", d.name, d.val, err)
		}
	}
	if c.Sync.Workers < 0 {
		return fmt.Errorf("config: invalid sync.workers %d: must be >= 0", c.Sync.Workers)
	}
	if err := validateLogLevel(c.Logging.LogLevel); err != nil {
		return err
	}
	return nil
}

func validateLogLevel(level string) error {
	switch level {
	case "", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("config: invalid log_level %q: must be debug, info, warn or error", level)
}

// mustDuration parses s, falling back to def for empty or invalid
// values. Validate has already rejected invalid strings on the load
// path, so the fallback only fires for zero-value structs in tests.
func mustDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

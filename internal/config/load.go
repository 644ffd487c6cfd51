package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Load reads and strictly parses the client config file at path.
// Fields absent from the file keep their built-in defaults. Unknown
// keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := decodeStrict(path, cfg, clientKeys); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file returns the built-in
// defaults instead of an error.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Resolve produces the effective client configuration: defaults,
// then the file at path (if it exists), then SYNCAGENT_* environment
// variables, then CLI flags. The result is validated.
func Resolve(path string, cli CLIOverrides) (*Config, error) {
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	env := ReadEnvOverrides()
	if env.ServerURL != "" {
		cfg.ServerURL = env.ServerURL
	}
	if env.SyncDir != "" {
		cfg.SyncDir = env.SyncDir
	}
	if env.LogLevel != "" {
		cfg.Logging.LogLevel = env.LogLevel
	}

	if cli.ServerURL != nil {
		cfg.ServerURL = *cli.ServerURL
	}
	if cli.SyncDir != nil {
		cfg.SyncDir = *cli.SyncDir
	}
	if cli.LogLevel != nil {
		cfg.Logging.LogLevel = *cli.LogLevel
	}

	if cfg.SyncDir != "" {
		expanded, err := ExpandHome(cfg.SyncDir)
		if err != nil {
			return nil, fmt.Errorf("config: expanding sync_dir: %w", err)
		}
		cfg.SyncDir = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServer reads and strictly parses the server config file at
// path. Fields absent from the file keep their built-in defaults.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServer()
	if err := decodeStrict(path, cfg, serverKeys); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveServer produces the effective syncagentd configuration.
// A missing file is not an error; defaults, environment and flags
// still apply. DatabasePath and BlobRoot fall back to the data
// directory.
func ResolveServer(path string, cli ServerCLIOverrides) (*ServerConfig, error) {
	cfg, err := LoadServer(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = DefaultServer(), nil
	}
	if err != nil {
		return nil, err
	}

	env := ReadEnvOverrides()
	if env.ListenAddr != "" {
		cfg.ListenAddr = env.ListenAddr
	}
	if env.LogLevel != "" {
		cfg.Logging.LogLevel = env.LogLevel
	}

	if cli.ListenAddr != nil {
		cfg.ListenAddr = *cli.ListenAddr
	}
	if cli.DatabasePath != nil {
		cfg.DatabasePath = *cli.DatabasePath
	}
	if cli.BlobRoot != nil {
		cfg.BlobRoot = *cli.BlobRoot
	}
	if cli.LogLevel != nil {
		cfg.Logging.LogLevel = *cli.LogLevel
	}

	if cfg.DatabasePath == "" || cfg.BlobRoot == "" {
		dataDir, err := DefaultDataDir()
		if err != nil {
			return nil, fmt.Errorf("config: locating data directory: %w", err)
		}
		if cfg.DatabasePath == "" {
			cfg.DatabasePath = filepath.Join(dataDir, "server.db")
		}
		if cfg.BlobRoot == "" {
			cfg.BlobRoot = filepath.Join(dataDir, "chunks")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeStrict parses TOML from path into v and rejects keys not in
// the known set.
func decodeStrict(path string, v any, known map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	md, err := toml.Decode(string(data), v)
	if err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := checkUnknownKeys(md, known); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/syncagent/syncagent/internal/client"
	"github.com/syncagent/syncagent/internal/config"
	"github.com/syncagent/syncagent/internal/cryptor"
	syncpkg "github.com/syncagent/syncagent/internal/sync"
)

// stateFileName is the client state database inside the config
// directory.
const stateFileName = "state.db"

// newAPIClient builds an authenticated API client from the stored
// credentials, for commands that talk to the server without touching
// the keystore or the state database.
func newAPIClient() (*client.Client, error) {
	credsPath, err := config.CredentialsPath()
	if err != nil {
		return nil, err
	}

	creds, err := config.LoadCredentials(credsPath)
	if err != nil {
		return nil, err
	}

	return client.New(creds.ServerURL, creds.Token,
		client.WithTimeout(resolvedCfg.RequestTimeout())), nil
}

// clientEnv bundles everything a sync-facing command needs: resolved
// credentials, the API client, the unlocked cryptor and the open
// state store. Close the store when done.
type clientEnv struct {
	Creds   *config.Credentials
	API     *client.Client
	Store   *syncpkg.Store
	Cryptor *cryptor.Cryptor
	SyncDir string
}

// newClientEnv assembles the common client-side dependencies. The
// keystore must be unlockable (session cache or prompted password).
func newClientEnv(ctx context.Context, logger *slog.Logger) (*clientEnv, error) {
	credsPath, err := config.CredentialsPath()
	if err != nil {
		return nil, err
	}

	creds, err := config.LoadCredentials(credsPath)
	if err != nil {
		return nil, err
	}

	syncDir, err := config.ExpandHome(resolvedCfg.SyncDir)
	if err != nil {
		return nil, err
	}
	if syncDir == "" {
		return nil, fmt.Errorf("sync_dir not configured: set it in the config file or pass --sync-dir")
	}

	ks, err := loadUnlockedKeystore(false)
	if err != nil {
		return nil, err
	}

	key, err := ks.Key()
	if err != nil {
		return nil, err
	}

	crypt, err := cryptor.New(key)
	if err != nil {
		return nil, err
	}

	serverURL := creds.ServerURL
	if resolvedCfg.ServerURL != "" {
		serverURL = resolvedCfg.ServerURL
	}

	api := client.New(serverURL, creds.Token,
		client.WithTimeout(resolvedCfg.RequestTimeout()))

	configDir, err := config.DefaultConfigDir()
	if err != nil {
		return nil, err
	}

	store, err := syncpkg.OpenStore(ctx, filepath.Join(configDir, stateFileName), logger)
	if err != nil {
		return nil, err
	}

	return &clientEnv{
		Creds:   creds,
		API:     api,
		Store:   store,
		Cryptor: crypt,
		SyncDir: syncDir,
	}, nil
}

// newEngine builds a sync engine over the environment with CLI
// callbacks attached.
func (env *clientEnv) newEngine(logger *slog.Logger, onConflict func(syncpkg.ConflictInfo),
	onResult func(string, syncpkg.TransferType, error)) (*syncpkg.Engine, error) {
	return syncpkg.NewEngine(syncpkg.Options{
		Root:        env.SyncDir,
		API:         env.API,
		Store:       env.Store,
		Cryptor:     env.Cryptor,
		MachineName: env.Creds.MachineName,
		Workers:     resolvedCfg.WorkerCount(),
		Debounce:    resolvedCfg.WatchDebounce(),
		SyncDelay:   resolvedCfg.SyncDelay(),
		OnConflict:  onConflict,
		OnResult:    onResult,
		Logger:      logger,
	})
}

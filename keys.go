package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/syncagent/syncagent/internal/config"
	"github.com/syncagent/syncagent/internal/keystore"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the config file and a fresh encryption key",
		Long: `Set up this machine: write a default config file and generate a new
32-byte file-encryption key wrapped with a master password.

Run init on the FIRST machine only. Additional machines must receive the
existing key with export-key / import-key, otherwise they cannot decrypt
anything the first machine uploaded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd)
		},
	}
}

func runInit(cmd *cobra.Command) error {
	dir, err := config.DefaultConfigDir()
	if err != nil {
		return fmt.Errorf("locating config directory: %w", err)
	}

	cfgPath := flagConfigPath
	if cfgPath == "" {
		cfgPath = filepath.Join(dir, "config.toml")
	}

	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("config file %s already exists (use reset to start over)", cfgPath)
	}

	cfg := config.Default()
	if cmd.Flags().Changed("server") {
		cfg.ServerURL = flagServerURL
	}
	if cmd.Flags().Changed("sync-dir") {
		cfg.SyncDir = flagSyncDir
	}

	password, err := readNewPassword()
	if err != nil {
		return err
	}

	ks, err := keystore.Create(dir, password)
	if err != nil {
		return fmt.Errorf("creating keystore: %w", err)
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}

	statusf("Wrote %s\n", cfgPath)
	statusf("Generated encryption key, id %s\n", shortKeyID(ks.KeyID()))
	statusf("Next: syncagent register --server <url> --token <invitation> --name <machine>\n")

	return nil
}

func newUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Unlock the keystore for subsequent commands",
		Long: `Verify the master password and cache the unwrapped key in a session
file, so sync and status runs do not prompt again. Reset removes the
session.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ks, err := loadUnlockedKeystore(true)
			if err != nil {
				return err
			}

			statusf("Keystore unlocked, key id %s\n", shortKeyID(ks.KeyID()))

			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the keystore and local sync state",
		Long: `Remove the keyfile, the cached session, the credentials, and the local
sync state database. Files on the server and in the sync folder are left
alone.

Without an exported copy of the key this is IRREVERSIBLE: data already
on the server can never be decrypted again.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if !force {
				return fmt.Errorf("refusing to delete key material without --force")
			}

			dir, err := config.DefaultConfigDir()
			if err != nil {
				return err
			}

			if err := keystore.Reset(dir); err != nil {
				return err
			}

			credsPath, err := config.CredentialsPath()
			if err != nil {
				return err
			}

			if err := config.DeleteCredentials(credsPath); err != nil {
				return err
			}

			statePath := filepath.Join(dir, stateFileName)
			if err := os.Remove(statePath); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing state database: %w", err)
			}

			statusf("Removed keystore, credentials and local state\n")

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "confirm the irreversible reset")

	return cmd
}

func newExportKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-key",
		Short: "Print the encryption key for import on another machine",
		Long: `Print the raw file-encryption key base64-encoded. Run import-key with
this value on each additional machine. Treat the output like a password:
anyone holding it can decrypt every synced file.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ks, err := loadUnlockedKeystore(false)
			if err != nil {
				return err
			}

			exported, err := ks.Export()
			if err != nil {
				return err
			}

			fmt.Println(exported)

			return nil
		},
	}
}

func newImportKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-key <base64-key>",
		Short: "Install a key exported from another machine",
		Long: `Wrap the given key with this machine's master password and write the
keyfile, replacing any existing one. The key must come from export-key
on a machine already syncing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir, err := config.DefaultConfigDir()
			if err != nil {
				return err
			}

			password, err := readNewPassword()
			if err != nil {
				return err
			}

			ks, err := keystore.ImportKey(dir, password, args[0])
			if err != nil {
				return err
			}

			statusf("Imported key, id %s\n", shortKeyID(ks.KeyID()))

			return nil
		},
	}
}

// loadUnlockedKeystore loads the keyfile and obtains the raw key, from
// the session cache when present or by prompting for the password.
// saveSession controls whether a fresh unlock is cached.
func loadUnlockedKeystore(saveSession bool) (*keystore.Store, error) {
	dir, err := config.DefaultConfigDir()
	if err != nil {
		return nil, err
	}

	ks, err := keystore.Load(dir)
	if err != nil {
		return nil, err
	}

	if err := ks.LoadSession(); err == nil {
		return ks, nil
	}

	password, err := readPassword("Master password: ")
	if err != nil {
		return nil, err
	}

	if err := ks.Unlock(password); err != nil {
		return nil, err
	}

	if saveSession {
		if err := ks.SaveSession(); err != nil {
			return nil, err
		}
	}

	return ks, nil
}

// shortKeyID abbreviates a key id for display; two devices comparing
// the first 16 hex chars is plenty to confirm a shared key.
func shortKeyID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}

	return id
}

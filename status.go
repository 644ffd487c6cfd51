package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncagent/syncagent/internal/client"
	"github.com/syncagent/syncagent/internal/config"
	"github.com/syncagent/syncagent/internal/keystore"
	syncpkg "github.com/syncagent/syncagent/internal/sync"
)

// statusOutput is the machine-readable form of the status command.
type statusOutput struct {
	MachineID   string         `json:"machine_id"`
	MachineName string         `json:"machine_name"`
	ServerURL   string         `json:"server_url"`
	Reachable   bool           `json:"server_reachable"`
	KeyID       string         `json:"key_id"`
	Cursor      *time.Time     `json:"cursor,omitempty"`
	Tracked     int            `json:"tracked_files"`
	ByStatus    map[string]int `json:"by_status"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show this machine's sync status",
		Long: `Print the registered machine identity, server reachability, the change
cursor, and tracked-path counts by state. Use --json for scripts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context())
		},
	}
}

func runStatus(ctx context.Context) error {
	logger := buildLogger()

	credsPath, err := config.CredentialsPath()
	if err != nil {
		return err
	}

	creds, err := config.LoadCredentials(credsPath)
	if err != nil {
		return err
	}

	configDir, err := config.DefaultConfigDir()
	if err != nil {
		return err
	}

	store, err := syncpkg.OpenStore(ctx, filepath.Join(configDir, stateFileName), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	api := client.New(creds.ServerURL, creds.Token,
		client.WithTimeout(resolvedCfg.RequestTimeout()))

	out := statusOutput{
		MachineID:   creds.MachineID,
		MachineName: creds.MachineName,
		ServerURL:   api.BaseURL(),
		ByStatus:    map[string]int{},
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	out.Reachable = api.Health(probeCtx) == nil
	cancel()

	// The key id is public; the locked keystore is enough.
	if ks, err := keystore.Load(configDir); err == nil {
		out.KeyID = shortKeyID(ks.KeyID())
	}

	if cursor, err := store.Cursor(ctx); err == nil && !cursor.IsZero() {
		out.Cursor = &cursor
	}

	states, err := store.All(ctx)
	if err != nil {
		return err
	}

	out.Tracked = len(states)
	for _, st := range states {
		out.ByStatus[string(st.Status)]++
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("Machine:  %s (%s)\n", out.MachineName, out.MachineID)
	fmt.Printf("Server:   %s", out.ServerURL)
	if out.Reachable {
		fmt.Println(" (reachable)")
	} else {
		fmt.Println(" (UNREACHABLE)")
	}
	fmt.Printf("Key:      %s\n", out.KeyID)
	if out.Cursor != nil {
		fmt.Printf("Cursor:   %s\n", formatTime(out.Cursor.Local()))
	} else {
		fmt.Println("Cursor:   (never synced)")
	}
	fmt.Printf("Tracked:  %d files\n", out.Tracked)

	for _, status := range []syncpkg.FileStatus{
		syncpkg.StatusSynced, syncpkg.StatusNew, syncpkg.StatusModified,
		syncpkg.StatusPendingUpload, syncpkg.StatusConflict, syncpkg.StatusDeleted,
	} {
		if n := out.ByStatus[string(status)]; n > 0 {
			fmt.Printf("  %-15s %d\n", status, n)
		}
	}

	return nil
}

package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/syncagent/syncagent/internal/config"
	syncpkg "github.com/syncagent/syncagent/internal/sync"
)

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List paths with unresolved conflicts",
		Long: `Show tracked paths in CONFLICT state plus any conflict copies waiting
to upload. Conflict copies are ordinary files named
<stem>.conflict-<timestamp>-<machine><ext>; keep the copy you want and
delete the other.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConflicts(cmd.Context())
		},
	}
}

func runConflicts(ctx context.Context) error {
	logger := buildLogger()

	configDir, err := config.DefaultConfigDir()
	if err != nil {
		return err
	}

	store, err := syncpkg.OpenStore(ctx, filepath.Join(configDir, stateFileName), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	conflicted, err := store.ListByStatus(ctx, syncpkg.StatusConflict)
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(conflicted))
	for _, st := range conflicted {
		paths = append(paths, st.Path)
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(paths)
	}

	if len(paths) == 0 {
		statusf("No conflicts\n")
		return nil
	}

	for _, p := range paths {
		os.Stdout.WriteString(p + "\n")
	}

	return nil
}

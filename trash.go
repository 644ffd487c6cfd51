package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newTrashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trash",
		Short: "List and restore deleted files",
	}

	cmd.AddCommand(newTrashListCmd())
	cmd.AddCommand(newTrashRestoreCmd())

	return cmd
}

func newTrashListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List files in the server-side trash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := newAPIClient()
			if err != nil {
				return err
			}

			files, err := api.ListTrash(cmd.Context())
			if err != nil {
				return err
			}

			if flagJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(files)
			}

			rows := make([][]string, 0, len(files))
			for _, f := range files {
				deleted := ""
				if f.DeletedAt != nil {
					deleted = formatTime(f.DeletedAt.Local())
				}
				rows = append(rows, []string{f.Path, formatSize(f.Size), deleted})
			}

			printTable(os.Stdout, []string{"PATH", "SIZE", "DELETED"}, rows)

			return nil
		},
	}
}

func newTrashRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <path>",
		Short: "Restore a trashed file",
		Long: `Bring a soft-deleted file back from the trash. The restored record
reappears in listings and the next sync downloads it again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newAPIClient()
			if err != nil {
				return err
			}

			file, err := api.RestoreFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			statusf("Restored %s at version %d\n", file.Path, file.Version)

			return nil
		},
	}
}

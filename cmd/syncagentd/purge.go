package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/syncagent/syncagent/internal/server/maintenance"
)

func newPurgeCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Purge expired trash now",
		Long: `Run the trash purge immediately instead of waiting for the nightly
job: remove trashed file records older than the cutoff along with any
chunk blobs no remaining file references.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			retention := olderThan
			if !cmd.Flags().Changed("older-than") {
				retention = time.Duration(resolvedCfg.Retention.TrashDays) * day
			}

			return withStores(cmd.Context(), logger, func(st *stores) error {
				jobs := &maintenance.Jobs{
					Meta:           st.meta,
					Blobs:          st.blobs,
					Logger:         logger,
					TrashRetention: retention,
				}

				removed := jobs.PurgeTrash(cmd.Context())
				statusf("Purged %d trashed files\n", removed)

				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*day, "purge trash entries older than this")

	return cmd
}

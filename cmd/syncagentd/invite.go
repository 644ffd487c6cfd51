package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const defaultInvitationTTL = 24 * time.Hour

func newInviteCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Mint a single-use machine invitation",
		Long: `Create an invitation token a new machine can exchange for its bearer
token with "syncagent register". The token is printed exactly once and
cannot be recovered; mint another if it is lost.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			return withStores(cmd.Context(), logger, func(st *stores) error {
				raw, inv, err := st.meta.CreateInvitation(cmd.Context(), ttl)
				if err != nil {
					return err
				}

				fmt.Println(raw)
				fmt.Fprintf(cmd.ErrOrStderr(), "Expires %s\n", inv.ExpiresAt.Local().Format(time.RFC1123))

				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", defaultInvitationTTL, "how long the invitation stays valid")

	return cmd
}

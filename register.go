package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/syncagent/syncagent/internal/client"
	"github.com/syncagent/syncagent/internal/config"
)

func newRegisterCmd() *cobra.Command {
	var (
		serverURL  string
		invitation string
		name       string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this machine with the server",
		Long: `Exchange a single-use invitation token for this machine's bearer token
and store the credentials. Invitations are minted on the server with
"syncagentd invite".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				host, err := os.Hostname()
				if err != nil {
					return fmt.Errorf("--name not given and hostname unavailable: %w", err)
				}
				name = host
			}

			api := client.New(serverURL, "")
			resp, err := api.Register(cmd.Context(), name, invitation)
			if err != nil {
				return fmt.Errorf("registering with %s: %w", serverURL, err)
			}

			credsPath, err := config.CredentialsPath()
			if err != nil {
				return err
			}

			creds := &config.Credentials{
				ServerURL:   serverURL,
				MachineID:   resp.Machine.ID,
				MachineName: resp.Machine.Name,
				Token:       resp.Token,
			}
			if err := config.SaveCredentials(credsPath, creds); err != nil {
				return err
			}

			statusf("Registered as %q (machine %s)\n", resp.Machine.Name, resp.Machine.ID)

			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL")
	cmd.Flags().StringVar(&invitation, "token", "", "single-use invitation token")
	cmd.Flags().StringVar(&name, "name", "", "machine name (defaults to hostname)")
	cmd.MarkFlagRequired("server")
	cmd.MarkFlagRequired("token")

	return cmd
}

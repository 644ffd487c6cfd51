package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newMachinesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "machines",
		Short: "Manage registered machines",
	}

	cmd.AddCommand(newMachinesListCmd())
	cmd.AddCommand(newMachinesRemoveCmd())

	return cmd
}

func newMachinesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List machines registered with the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := newAPIClient()
			if err != nil {
				return err
			}

			machines, err := api.ListMachines(cmd.Context())
			if err != nil {
				return err
			}

			if flagJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(machines)
			}

			rows := make([][]string, 0, len(machines))
			for _, m := range machines {
				lastSeen := "never"
				if m.LastSeen != nil {
					lastSeen = formatTime(m.LastSeen.Local())
				}
				rows = append(rows, []string{m.ID, m.Name, m.Platform, lastSeen})
			}

			printTable(os.Stdout, []string{"ID", "NAME", "PLATFORM", "LAST SEEN"}, rows)

			return nil
		},
	}
}

func newMachinesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <machine-id>",
		Short: "Remove a machine and revoke its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newAPIClient()
			if err != nil {
				return err
			}

			if err := api.DeleteMachine(cmd.Context(), args[0]); err != nil {
				return err
			}

			statusf("Removed machine %s\n", args[0])

			return nil
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <name> <table>...",
		Short: "Resolve a reference through symbolic targets",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			_, m, closeAll, err := openStack(args[1:])
			if err != nil {
				return err
			}
			defer closeAll()

			ref, err := m.Resolve(name)
			if err != nil {
				return err
			}
			if ref == nil {
				return fmt.Errorf("%s: not found", name)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ref.Name, ref.ID)
			return nil
		},
	}
	return cmd
}

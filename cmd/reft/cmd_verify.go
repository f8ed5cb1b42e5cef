package main

import (
	"fmt"

	"github.com/odvcencio/reftable/pkg/reftable"
	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <table>...",
		Short: "Check every block and the footer of each table",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, path := range args {
				src, err := reftable.OpenFileSource(path)
				if err != nil {
					return err
				}
				r, err := reftable.NewReader(src)
				if err != nil {
					src.Close()
					return fmt.Errorf("%s: %w", path, err)
				}
				err = r.Verify()
				r.Close()
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(out, "%s: ok\n", path)
			}
			return nil
		},
	}
}

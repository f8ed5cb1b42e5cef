package main

import (
	"fmt"

	"github.com/odvcencio/reftable/pkg/reftable"
	"github.com/spf13/cobra"
)

func newRefsCmd() *cobra.Command {
	var (
		prefix  string
		deleted bool
	)

	cmd := &cobra.Command{
		Use:   "refs <table>...",
		Short: "List references from a stack of tables, oldest first",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, m, closeAll, err := openStack(args)
			if err != nil {
				return err
			}
			defer closeAll()
			m.SetIncludeDeletes(deleted)

			c, err := m.SeekRefsWithPrefix(prefix)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for {
				ok, err := c.Next()
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				ref := c.Ref()
				switch ref.Kind {
				case reftable.RefSymbolic:
					fmt.Fprintf(out, "%-8d %s -> %s\n", ref.UpdateIndex, ref.Name, ref.Target)
				case reftable.RefTag:
					fmt.Fprintf(out, "%-8d %s %s peeled=%s\n", ref.UpdateIndex, ref.Name, ref.ID, ref.PeeledID)
				case reftable.RefAbsent:
					fmt.Fprintf(out, "%-8d %s (deleted)\n", ref.UpdateIndex, ref.Name)
				default:
					fmt.Fprintf(out, "%-8d %s %s\n", ref.UpdateIndex, ref.Name, ref.ID)
				}
			}
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only list refs under this prefix")
	cmd.Flags().BoolVar(&deleted, "deleted", false, "include deletion tombstones")
	return cmd
}

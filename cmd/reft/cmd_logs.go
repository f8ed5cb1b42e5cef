package main

import (
	"fmt"
	"math"
	"time"

	"github.com/odvcencio/reftable/pkg/reftable"
	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var (
		ref      string
		maxIndex uint64
	)

	cmd := &cobra.Command{
		Use:   "logs <table>...",
		Short: "List reflog entries, newest first per ref",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, m, closeAll, err := openStack(args)
			if err != nil {
				return err
			}
			defer closeAll()

			var c *reftable.LogCursor
			if ref != "" {
				c, err = m.SeekLog(ref, maxIndex)
			} else {
				c, err = m.AllLogs()
			}
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
				l := c.Log()
				ts := time.Unix(int64(l.Time), 0).UTC().Format(time.RFC3339)
				fmt.Fprintf(out, "%s@%d %s -> %s %s <%s> %s %s\n",
					l.Name, l.UpdateIndex, l.Old, l.New, l.AuthorName, l.AuthorEmail, ts, l.Message)
			}
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "only entries for this ref")
	cmd.Flags().Uint64Var(&maxIndex, "max-update-index", math.MaxUint64, "newest update index to include (used with --ref)")
	return cmd
}

package main

import (
	"fmt"

	"github.com/odvcencio/reftable/pkg/reftable"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <table>...",
		Short: "Print table metadata",
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

				refs, err := countRefs(r)
				if err != nil {
					r.Close()
					return fmt.Errorf("%s: %w", path, err)
				}
				logs, err := countLogs(r)
				if err != nil {
					r.Close()
					return fmt.Errorf("%s: %w", path, err)
				}

				fmt.Fprintf(out, "%s\n", path)
				fmt.Fprintf(out, "  size:          %d bytes\n", src.Size())
				fmt.Fprintf(out, "  block size:    %d\n", r.BlockSize())
				fmt.Fprintf(out, "  update range:  [%d, %d]\n", r.MinUpdateIndex(), r.MaxUpdateIndex())
				fmt.Fprintf(out, "  refs:          %d\n", refs)
				fmt.Fprintf(out, "  log entries:   %d\n", logs)
				fmt.Fprintf(out, "  object map:    %v\n", r.HasObjectMap())
				r.Close()
			}
			return nil
		},
	}
}

func countRefs(r *reftable.Reader) (int, error) {
	c, err := r.AllRefs()
	if err != nil {
		return 0, err
	}
	n := 0
	for {
		ok, err := c.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

func countLogs(r *reftable.Reader) (int, error) {
	c, err := r.AllLogs()
	if err != nil {
		return 0, err
	}
	n := 0
	for {
		ok, err := c.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

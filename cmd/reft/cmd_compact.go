package main

import (
	"fmt"
	"os"

	"github.com/odvcencio/reftable/pkg/reftable"
	"github.com/spf13/cobra"
)

func newCompactCmd() *cobra.Command {
	var (
		outPath        string
		configPath     string
		includeDeletes bool
	)

	cmd := &cobra.Command{
		Use:   "compact -o <output> <table>...",
		Short: "Merge a stack of tables into one, oldest first",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWriterConfig(configPath)
			if err != nil {
				return err
			}
			readers, _, closeAll, err := openStack(args)
			if err != nil {
				return err
			}
			defer closeAll()

			tmp, err := os.CreateTemp(".", ".reft-compact-*")
			if err != nil {
				return fmt.Errorf("compact: tmpfile: %w", err)
			}
			tmpName := tmp.Name()

			stats, err := reftable.Compact(tmp, readers, reftable.CompactConfig{
				Options:        cfg.options(),
				IncludeDeletes: includeDeletes,
			})
			if err != nil {
				tmp.Close()
				os.Remove(tmpName)
				return err
			}
			if err := tmp.Close(); err != nil {
				os.Remove(tmpName)
				return fmt.Errorf("compact: close: %w", err)
			}
			if err := os.Rename(tmpName, outPath); err != nil {
				os.Remove(tmpName)
				return fmt.Errorf("compact: rename: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d refs (%d in), %d log entries (%d in), %d bytes\n",
				outPath, stats.OutputRefs, stats.InputRefs, stats.OutputLogs, stats.InputLogs, stats.TotalBytes)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "output table path")
	cmd.Flags().StringVar(&configPath, "config", "", "TOML file with writer options")
	cmd.Flags().BoolVar(&includeDeletes, "include-deletes", false, "keep deletion tombstones in the output")
	cmd.MarkFlagRequired("output")
	return cmd
}

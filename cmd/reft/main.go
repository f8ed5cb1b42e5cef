package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "reft",
		Short: "Inspect, verify, and compact reftable files",
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newRefsCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newResolveCmd())
	root.AddCommand(newVerifyCmd())
	root.AddCommand(newCompactCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("reft 0.1.0-dev")
		},
	}
}

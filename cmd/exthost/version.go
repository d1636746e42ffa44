package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/dshills/exthost/internal/extension"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "exthost %s\n", version)
			fmt.Fprintf(out, "API version: %s\n", extension.APIVersion)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
			fmt.Fprintf(out, "Go: %s\n", runtime.Version())
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/tabhub/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "tabhub %s %s (protocol %d)\n", info.Version, info.Commit, info.Protocol)
			return err
		},
	}
}

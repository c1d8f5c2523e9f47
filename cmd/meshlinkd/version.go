package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meshcommons/meshlink/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show meshlinkd version and supported firmware",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "meshlinkd version %s\n", version.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "node firmware %s - %s\n", version.MinFirmware, version.MaxFirmware)
			return nil
		},
	}
}

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meshcommons/meshlink/internal/security"
)

func newKeygenCmd(g *globals) *cobra.Command {
	var (
		out   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a link key file",
		Long: `keygen writes a fresh encryption key and integrity key to the key file.
The same file must be installed on the node side of the link.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := out
			if path == "" {
				path = g.cfg.Security.KeyFile
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to replace it)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			m, err := security.GenerateMaterial()
			if err != nil {
				return err
			}
			if err := security.SaveMaterial(path, m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote key file %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "key file path (default is security.key_file)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}

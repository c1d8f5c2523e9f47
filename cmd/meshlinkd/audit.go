package main

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/meshcommons/meshlink/internal/audit"
	"github.com/meshcommons/meshlink/internal/store"
)

func newAuditCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the archived audit trail",
	}

	var (
		out         string
		minSeverity string
		limit       int
	)
	export := &cobra.Command{
		Use:   "export",
		Short: "Write archived audit entries in export format",
		RunE: func(cmd *cobra.Command, args []string) error {
			min, err := audit.ParseSeverity(minSeverity)
			if err != nil {
				return err
			}
			db, err := store.Open(g.cfg.Store.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.Migrate(db); err != nil {
				return err
			}
			entries, err := db.ListArchived(limit, min)
			if err != nil {
				return err
			}
			// archive lists newest first; exports run oldest first
			slices.Reverse(entries)

			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return fmt.Errorf("open %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}
			if err := audit.WriteEntries(w, entries); err != nil {
				return fmt.Errorf("write entries: %w", err)
			}
			if w != cmd.OutOrStdout() {
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d entries to %s\n", len(entries), out)
			}
			return nil
		},
	}
	export.Flags().StringVarP(&out, "out", "f", "-", "output file, - for stdout")
	export.Flags().StringVar(&minSeverity, "min-severity", "info", "lowest severity to include")
	export.Flags().IntVar(&limit, "limit", 10000, "maximum entries")

	cmd.AddCommand(export)
	return cmd
}

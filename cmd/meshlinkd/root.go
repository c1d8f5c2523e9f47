package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meshcommons/meshlink/internal/config"
)

// globals holds the persistent flags and the configuration they resolve to.
type globals struct {
	cfgFile   string
	logLevel  string
	transport string
	cfg       *config.Config
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "meshlinkd",
		Short: "Mesh node link daemon",
		Long: `meshlinkd connects to a mesh node over Bluetooth LE or USB serial,
keeps the link alive, and exposes node commands, decoded map markers and
the security audit trail over an HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := g.cfgFile
			if path == "" {
				path = config.DefaultPath()
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if g.logLevel != "" {
				cfg.Log.Level = g.logLevel
			}
			if g.transport != "" {
				cfg.Transport = g.transport
			}
			g.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&g.cfgFile, "config", "", "config file (default is ~/.meshlink/config.yaml)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&g.transport, "transport", "", "initial link: ble or serial")

	root.AddCommand(
		newServeCmd(g),
		newKeygenCmd(g),
		newAuditCmd(g),
		newVersionCmd(),
	)
	return root
}

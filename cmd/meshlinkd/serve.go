package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/config"
	"github.com/meshcommons/meshlink/internal/gateway"
	"github.com/meshcommons/meshlink/internal/logging"
	"github.com/meshcommons/meshlink/internal/store"
	"github.com/meshcommons/meshlink/internal/transport"
	"github.com/meshcommons/meshlink/internal/transport/blueradio"
	"github.com/meshcommons/meshlink/internal/transport/serialport"
	"github.com/meshcommons/meshlink/internal/version"
)

func newServeCmd(g *globals) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the link daemon and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := g.cfg
			if listen != "" {
				cfg.Gateway.ListenAddr = listen
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			db, err := store.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.Migrate(db); err != nil {
				return err
			}

			gw, err := gateway.New(cfg, db, platformDrivers(log), log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("meshlinkd starting",
				zap.String("version", version.Version),
				zap.String("transport", cfg.Transport),
				zap.String("db", cfg.Store.Path),
			)
			if err := gw.Start(ctx); err != nil {
				return fmt.Errorf("gateway: %w", err)
			}
			log.Info("meshlinkd stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides gateway.listen_addr)")
	return cmd
}

func platformDrivers(log *zap.Logger) gateway.Drivers {
	return gateway.Drivers{
		Radio: func(rc config.RadioConfig) (transport.RadioDriver, error) {
			drv, err := blueradio.New(rc, log.Named("bluetooth"))
			if err != nil {
				return nil, err
			}
			return drv, nil
		},
		Serial: func(sc config.SerialConfig) (transport.SerialDriver, error) {
			return serialport.Driver{ReadTimeout: sc.ReadTimeout}, nil
		},
	}
}

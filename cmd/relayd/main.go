package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rbarinov/echoshell/internal/config"
	"github.com/rbarinov/echoshell/internal/logger"
	"github.com/rbarinov/echoshell/internal/relay"
)

func main() {
	root := &cobra.Command{
		Use:   "relayd",
		Short: "echoshell relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")

			cfg, err := config.LoadRelay(configPath)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			srv, err := relay.NewServer(relay.Config{
				Port:            cfg.Port,
				PublicHost:      cfg.PublicHost,
				PublicProtocol:  cfg.PublicProtocol,
				RegistrationKey: cfg.RegistrationKey,
				BandwidthRate:   cfg.BandwidthRate,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("relay listening", "port", cfg.Port)
			return srv.ListenAndServe(ctx)
		},
	}

	root.Flags().String("config", "", "path to YAML config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/omochice/pairchat/internal/config"
	"github.com/omochice/pairchat/internal/devserver"
	"github.com/omochice/pairchat/internal/logging"
)

func main() {
	var (
		configPath string
		addr       string
		seed       bool
	)
	root := &cobra.Command{
		Use:          "pairchat-server",
		Short:        "In-memory chat backend for local development",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load(".env")

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.DevServer.Addr = addr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Out: os.Stderr})
			if err != nil {
				return err
			}

			store := devserver.NewStore(nil)
			if seed {
				d := store.SeedDemo()
				logger.Info().
					Stringer("player1", d.Player1).
					Stringer("player2", d.Player2).
					Stringer("official1", d.Official1).
					Stringer("official2", d.Official2).
					Msg("seeded demo users")
			}

			srv := devserver.New(store,
				devserver.WithLogger(logger),
				devserver.WithRateLimit(cfg.DevServer.Rate.RPS, cfg.DevServer.Rate.Burst))
			if err := srv.Start(cfg.DevServer.Addr); err != nil {
				return err
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			sig := <-sigChan
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			srv.Stop()
			return nil
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	root.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, 127.0.0.1:8000)")
	root.Flags().BoolVar(&seed, "seed", true, "Create the demo users and messages")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

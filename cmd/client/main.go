package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/omochice/pairchat/internal/config"
	"github.com/omochice/pairchat/internal/logging"
)

type app struct {
	configPath string
	server     string
	logLevel   string
	logFormat  string

	cfg    config.Config
	logger zerolog.Logger
}

// setup loads .env, the config file, PAIRCHAT_* variables and finally the
// flags set on the command line.
func (a *app) setup(cmd *cobra.Command) error {
	_ = godotenv.Load(".env")

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Server.URL = a.server
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = a.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Out: os.Stderr})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger.With().Str("session", uuid.NewString()).Logger()
	return nil
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:   "pairchat",
		Short: "Two-party chat client",
		Long: `pairchat opens a conversation between two users: it loads the stored
history, then follows the live channel and appends every new message in
arrival order.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&a.server, "server", "", "Backend URL (default from config, http://localhost:8000)")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error, disabled")
	pf.StringVar(&a.logFormat, "log-format", "", "Log format: auto, console, json")

	root.AddCommand(newChatCmd(a), newUsersCmd(a), newTranscriptCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

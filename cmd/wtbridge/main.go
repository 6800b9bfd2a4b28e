package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/wtbridge/bridge"
)

var rootCmd = &cobra.Command{
	Use:           "wtbridge",
	Short:         "WebTransport session bridge over QUIC",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(flagLogLevel)
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
}

var (
	flagConfig   string
	flagLogLevel string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "", "YAML bridge config file (defaults apply when empty)")
	flags.StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, dialCmd)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}

// loadConfig reads --config on top of the defaults.
func loadConfig() (*bridge.Config, error) {
	if flagConfig == "" {
		cfg := bridge.DefaultConfig()
		return &cfg, nil
	}
	return bridge.LoadConfig(flagConfig)
}

package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/IvanLushnikov/aibuyereeo/pkg/relay"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chat-relay",
		Short: "Relay chat messages to the workflow-automation webhook",
	}

	var logLevel string
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat relay HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			zerolog.SetGlobalLevel(lvl)

			settings, err := relay.LoadSettings()
			if err != nil {
				return err
			}
			srv, err := relay.NewServer(settings)
			if err != nil {
				return err
			}
			return srv.Run(context.Background())
		},
	}
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

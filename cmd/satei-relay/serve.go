package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"satei-lead-relay/internal/app"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and push webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.Load(*configPath)
			if err != nil {
				return err
			}
			logrus.WithField("version", Version).Info("Starting satei-relay server")

			a, err := app.New(cmd.Context(), cfg, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Serve(prometheus.DefaultGatherer)
		},
	}
}

func newPollCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run ingestion on the configured cron schedule",
		Long:  "Runs ingestion on poller.schedule as a fallback for missed push notifications. Runs share the ingestion lock with push-triggered runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.Load(*configPath)
			if err != nil {
				return err
			}
			logrus.WithField("version", Version).Info("Starting satei-relay poller")

			a, err := app.New(cmd.Context(), cfg, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Poll()
		},
	}
}

package main

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"satei-lead-relay/internal/app"
	"satei-lead-relay/internal/trigger"
)

func newFetchCmd(configPath *string) *cobra.Command {
	var (
		days        int
		maxMessages int
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Run one ingestion pass",
		Long:  "Fetches notification mail received in the last --days days, at most --max messages, and stores new messages and leads.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.Load(*configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("days") {
				days = cfg.Ingest.DefaultDays
			}
			if !cmd.Flags().Changed("max") {
				maxMessages = cfg.Ingest.DefaultMax
			}
			if days < 1 {
				return fmt.Errorf("--days must be at least 1")
			}
			if maxMessages < 1 {
				return fmt.Errorf("--max must be at least 1")
			}

			a, err := app.New(cmd.Context(), cfg, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Runner.RunExclusive(cmd.Context(), trigger.SourceManual, time.Duration(days)*24*time.Hour, maxMessages)
			if err != nil {
				return fmt.Errorf("ingestion failed: %w", err)
			}
			out := cmd.OutOrStdout()
			if !res.Ran {
				fmt.Fprintln(out, "Another ingestion run is in progress, nothing done")
				return nil
			}

			r := res.Report
			fmt.Fprintf(out, "Run %s\n", res.RunID)
			fmt.Fprintf(out, "  fetched:            %d\n", r.Fetched)
			fmt.Fprintf(out, "  stored new:         %d\n", r.StoredNew)
			fmt.Fprintf(out, "  skipped duplicate:  %d\n", r.SkippedDuplicate)
			fmt.Fprintf(out, "  extracted:          %d\n", r.Extracted)
			fmt.Fprintf(out, "  extraction skipped: %d\n", r.ExtractionSkipped)
			fmt.Fprintf(out, "  failed:             %d\n", r.Failed)
			if r.ReauthRequired {
				fmt.Fprintln(out, "Mailbox credentials need reauthentication")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 1, "how many days back to fetch (default ingest.default_days)")
	cmd.Flags().IntVar(&maxMessages, "max", 100, "maximum number of messages to fetch (default ingest.default_max)")
	return cmd
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"satei-lead-relay/internal/app"
	"satei-lead-relay/internal/provider"
)

func newWatchCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Manage Gmail push notifications",
	}
	cmd.AddCommand(newWatchStartCmd(configPath))
	cmd.AddCommand(newWatchStopCmd(configPath))
	return cmd
}

func newWatchStartCmd(configPath *string) *cobra.Command {
	var (
		topic  string
		labels []string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start or renew the mailbox watch",
		Long:  "Publishes mailbox changes to a Pub/Sub topic. Gmail expires a watch after 7 days, so renew it daily.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if topic == "" {
				return fmt.Errorf("--topic is required")
			}
			w, closeFn, err := openWatcher(cmd, *configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := w.Watch(cmd.Context(), topic, labels)
			if err != nil {
				return fmt.Errorf("watch failed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Watching mailbox, publishing to %s\n", topic)
			fmt.Fprintf(out, "  history id: %d\n", res.HistoryID)
			fmt.Fprintf(out, "  expires:    %s\n", res.Expiration.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "Pub/Sub topic, projects/<project>/topics/<topic>")
	cmd.Flags().StringSliceVar(&labels, "label", []string{"INBOX"}, "label ids to watch")
	return cmd
}

func newWatchStopCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop push notifications for the mailbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, closeFn, err := openWatcher(cmd, *configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := w.StopWatch(cmd.Context()); err != nil {
				return fmt.Errorf("stop watch failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Mailbox watch stopped")
			return nil
		},
	}
}

func openWatcher(cmd *cobra.Command, configPath string) (provider.Watcher, func(), error) {
	cfg, err := app.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	p, err := provider.New(cmd.Context(), &cfg.Gmail)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { _ = p.Close() }

	w, ok := p.(provider.Watcher)
	if !ok {
		closeFn()
		return nil, nil, fmt.Errorf("push notifications require the Gmail API provider (gmail.use_imap is set)")
	}
	return w, closeFn, nil
}

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runNoCache bool

func init() {
	runCmd.Flags().BoolVar(&runNoCache, "no-cache", false, "do not start the offline cache proxy")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the hub, sync queued records and serve the offline cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cfg, err := openAgent(true)
		if err != nil {
			return err
		}
		defer closeAgent(a)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := a.Start(ctx); err != nil {
			return err
		}
		slog.Info("Agent running",
			"client_id", a.ClientID(),
			"user_id", cfg.Client.UserID,
			"hub", cfg.Client.Channel.URL,
			"ingest", cfg.Client.Sync.Endpoint,
		)

		if runNoCache {
			<-ctx.Done()
			return nil
		}
		return a.ServeCache(ctx)
	},
}

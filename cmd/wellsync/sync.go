package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the queue to the server once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := openAgent(false)
		if err != nil {
			return err
		}
		defer closeAgent(a)

		res, err := a.Syncer().Drain(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Attempted %d, succeeded %d, failed %d, dead-lettered %d\n",
			res.Attempted, res.Succeeded, res.Failed, res.DeadLettered)
		if res.Failed > 0 {
			return fmt.Errorf("%d record(s) kept for a later sync", res.Failed)
		}
		return nil
	},
}

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	cacheCmd.AddCommand(cacheInstallCmd, cacheActivateCmd, cacheListCmd, cacheServeCmd)
	rootCmd.AddCommand(cacheCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the offline cache",
}

var cacheInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Pre-fetch the asset manifest into the current generation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cfg, err := openAgent(false)
		if err != nil {
			return err
		}
		defer closeAgent(a)

		n, err := a.Cache().Install(context.Background(), cfg.Client.Offline.Manifest)
		if err != nil {
			return err
		}
		fmt.Printf("Installed %d assets into %s\n", n, a.Cache().Generation())
		return nil
	},
}

var cacheActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Delete every cache generation except the current one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := openAgent(false)
		if err != nil {
			return err
		}
		defer closeAgent(a)

		deleted, err := a.Cache().Activate(context.Background())
		if err != nil {
			return err
		}
		if len(deleted) == 0 {
			fmt.Printf("%s is the only generation\n", a.Cache().Generation())
			return nil
		}
		for _, gen := range deleted {
			fmt.Printf("Deleted %s\n", gen)
		}
		return nil
	},
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored cache generations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := openAgent(false)
		if err != nil {
			return err
		}
		defer closeAgent(a)

		gens, err := a.Cache().Generations()
		if err != nil {
			return err
		}
		for _, gen := range gens {
			marker := " "
			if gen == a.Cache().Generation() {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, gen)
		}
		return nil
	},
}

var cacheServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run only the caching proxy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := openAgent(true)
		if err != nil {
			return err
		}
		defer closeAgent(a)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return a.ServeCache(ctx)
	},
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wellsync/wellsync/internal/agent"
	"github.com/wellsync/wellsync/internal/channel"
	"github.com/wellsync/wellsync/internal/config"
	"github.com/wellsync/wellsync/internal/logging"
	"github.com/wellsync/wellsync/internal/profile"
)

var (
	configDir   string
	profilePath string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:           "wellsync",
	Short:         "WellSync client agent",
	Long:          "Keeps health-data submissions in a durable queue, syncs them to the server\nand holds the live channel to the WellSync hub.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "config", "configuration directory")
	rootCmd.PersistentFlags().StringVar(&profilePath, "profile", "", "profile file (default ~/.wellsync/profile.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at info level on the console")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func resolveProfilePath() (string, error) {
	if profilePath != "" {
		return profilePath, nil
	}
	return profile.DefaultPath()
}

// loadConfig reads the config directory, overlays the profile and sets up
// logging. Commands other than run only log warnings unless --verbose.
func loadConfig(longRunning bool) (*config.Config, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}

	path, err := resolveProfilePath()
	if err != nil {
		return nil, err
	}
	p, err := profile.Load(path)
	if err != nil {
		return nil, err
	}
	if err := p.Apply(&cfg.Client, cfg.Hub.Path, cfg.Ingest.Path); err != nil {
		return nil, err
	}
	if err := cfg.Client.Validate(); err != nil {
		return nil, err
	}

	if !longRunning && !verbose {
		cfg.Logging.Console.Level = "warn"
		cfg.Logging.File.Enabled = false
	}
	if err := logging.Initialize(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openAgent loads configuration and opens the agent store.
func openAgent(longRunning bool) (*agent.Agent, *config.Config, error) {
	cfg, err := loadConfig(longRunning)
	if err != nil {
		return nil, nil, err
	}
	a, err := agent.New(cfg.Client, slog.Default())
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

func closeAgent(a *agent.Agent) {
	if err := a.Close(); err != nil {
		slog.Warn("Failed to close agent", "error", err)
	}
	logging.Shutdown()
}

// waitAuthenticated connects the channel and waits until the hub accepted
// the principal.
func waitAuthenticated(ctx context.Context, a *agent.Agent, timeout time.Duration) error {
	if err := a.Channel().Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		st := a.Channel().Status()
		if st.State == channel.StateAuthenticated {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if st.Error != "" {
				return fmt.Errorf("not authenticated after %s: %s", timeout, st.Error)
			}
			return fmt.Errorf("not authenticated after %s", timeout)
		case <-tick.C:
		}
	}
}

package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wellsync/wellsync/internal/config"
	"github.com/wellsync/wellsync/internal/logging"
	"github.com/wellsync/wellsync/internal/services"
)

func main() {
	// 0. Parse Command Line Flags
	configDir := flag.String("config", "config", "Configuration directory")
	runHub := flag.Bool("hub", false, "Run the channel hub")
	runIngest := flag.Bool("ingest", false, "Run the health-data ingest endpoint")
	runAll := flag.Bool("all", false, "Run all services")
	flag.Parse()

	// Default to running all if no specific flags are provided or if --all is set
	opts := services.Options{RunHub: *runHub, RunIngest: *runIngest}
	if *runAll || (!*runHub && !*runIngest) {
		opts = services.DefaultOptions()
	}

	// 1. Load Configuration
	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if err := logging.Initialize(cfg.Logging); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Shutdown()

	slog.Info("Starting WellSync server", "config", cfg.Summary(), "hub", opts.RunHub, "ingest", opts.RunIngest)

	// 2. Initialize Service Manager
	mgr := services.NewManager(cfg, opts, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := mgr.Init(ctx); err != nil {
		slog.Error("Failed to initialize services", "error", err)
		os.Exit(1)
	}

	// 3. Start Services
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	mgr.Start(bgCtx)

	// 4. Wait for Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	exitCode := 0
	select {
	case <-quit:
		slog.Info("Shutting down services...")
	case err := <-mgr.Errors():
		slog.Error("Server failed, shutting down", "error", err)
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Cancel background tasks first
	bgCancel()

	mgr.Shutdown(shutdownCtx)

	slog.Info("All services stopped")
	if exitCode != 0 {
		logging.Shutdown()
		os.Exit(exitCode)
	}
}

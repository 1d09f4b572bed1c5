package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/darkroom/pkg/config"
	"github.com/cuemby/darkroom/pkg/log"
	"github.com/cuemby/darkroom/pkg/platform"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "darkroom",
	Short: "Darkroom - distributed photo ingestion and processing",
	Long: `Darkroom ingests photos, fans them through configurable processing
pipelines on a pool of workers, and streams lifecycle events to
connected clients over websockets.

A single binary runs as a full node (API, ingestion, workers, event
fabric) or as a worker-only node that drains the shared queue.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Darkroom version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Darkroom version %s\nCommit: %s\nBuilt: %s\n",
			Version, Commit, BuildTime)
	},
}

// Node commands

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a full darkroom node",
	Long: `Run a full darkroom node: HTTP API, photo ingestion, a worker pool,
the websocket event fabric, and the consistency sweeper.

Configuration is read from the environment, optionally overlaid by a
YAML file (--config). Flags win over both.

Examples:
  # All defaults: API on :8080, MinIO and Redis on localhost
  darkroom serve

  # Explicit config file and listen address
  darkroom serve --config darkroom.yaml --listen-addr :9090`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode(cmd, false)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker-only node",
	Long: `Run a worker-only node. It claims jobs from the shared queue and
processes them, but serves no API and accepts no uploads. Scale these
horizontally next to one serve node.

Examples:
  # Eight workers against the backends named in the environment
  darkroom worker --concurrency 8`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode(cmd, true)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "YAML config file (optional)")
	serveCmd.Flags().String("listen-addr", "", "API listen address (overrides config)")
	serveCmd.Flags().Int("concurrency", 0, "Worker pool size (overrides config)")

	workerCmd.Flags().String("config", "", "YAML config file (optional)")
	workerCmd.Flags().Int("concurrency", 0, "Worker pool size (overrides config)")
}

func runNode(cmd *cobra.Command, workerOnly bool) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %v", err)
	}

	// Flags win over env and file
	if cmd.Flags().Changed("listen-addr") {
		cfg.ListenAddr, _ = cmd.Flags().GetString("listen-addr")
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Worker.Concurrency, _ = cmd.Flags().GetInt("concurrency")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: true,
	})

	p, err := platform.New(cfg, platform.Options{
		WorkerOnly: workerOnly,
		Version:    Version,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble node: %v", err)
	}

	if err := p.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start node: %v", err)
	}

	if workerOnly {
		fmt.Printf("✓ Worker node started (%d workers)\n", cfg.Worker.Concurrency)
	} else {
		fmt.Println("✓ Node started")
		fmt.Printf("  API:     http://%s\n", p.APIAddr())
		fmt.Printf("  Workers: %d\n", cfg.Worker.Concurrency)
	}
	fmt.Println("Press Ctrl+C to stop.")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")

	// Give the drain its full budget plus room for the other components
	ctx, cancel := context.WithTimeout(context.Background(),
		cfg.Worker.ShutdownTimeout()+15*time.Second)
	defer cancel()

	if err := p.Stop(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: forced shutdown: %v\n", err)
		os.Exit(2)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

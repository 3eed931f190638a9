// Gatekeeper Daemon - serves the decision engine over HTTP
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quantumlife/gatekeeper/internal/api"
	"github.com/quantumlife/gatekeeper/internal/app"
	"github.com/quantumlife/gatekeeper/internal/config"
	"github.com/quantumlife/gatekeeper/internal/logging"
)

var (
	configPath string
	dataDir    string
	host       string
	port       int
	trustMode  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "gatekeeper",
		Short:        "Gatekeeper Daemon - trust-gated decisions for autonomous agents",
		RunE:         runDaemon,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Config file (.json, .toml, .yaml)")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")
	rootCmd.Flags().StringVar(&host, "host", "", "HTTP listen host (overrides config)")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP server port (overrides config)")
	rootCmd.Flags().StringVar(&trustMode, "mode", "", "Trust mode: shadow, suggest or active (overrides config)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
		cfg.Storage.Path = filepath.Join(dataDir, "gatekeeper.db")
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if trustMode != "" {
		cfg.Strategy.TrustMode = trustMode
	}
	return cfg, cfg.Validate()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		return err
	}
	defer logging.Sync()

	log := logging.WithFields(map[string]interface{}{
		"data_dir": cfg.DataDir,
		"mode":     cfg.Strategy.TrustMode,
	})
	log.Info("Starting gatekeeper daemon")

	container := app.New(cfg)
	defer container.Close()

	strat, err := container.Strategy()
	if err != nil {
		return fmt.Errorf("failed to build strategy: %w", err)
	}

	engine, err := container.Prediction()
	if err != nil {
		log.Warn("Prediction engine unavailable: %v", err)
	}

	ledgerStore, err := container.Ledger()
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	if ledgerStore != nil {
		if err := ledgerStore.VerifyChain(cmd.Context()); err != nil {
			log.Error("Ledger chain verification failed: %v", err)
		}
	}

	if r := container.LLM(); r.IsConfigured() {
		log.WithField("providers", r.Providers()).Info("LLM configured")
	}

	server := api.New(api.Config{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		Strategy:   strat,
		Prediction: engine,
		Ledger:     ledgerStore,
		TrustSaver: container,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobs, err := container.Maintenance()
	if err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}
	if err := jobs.Start(ctx); err != nil {
		return err
	}

	err = server.Start(ctx)

	log.Info("Shutting down")
	jobs.Stop()
	if saveErr := container.SaveTrust(context.Background()); saveErr != nil {
		log.Error("Failed to save trust state: %v", saveErr)
	}
	return err
}

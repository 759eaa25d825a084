// Package cli implements the recovery service commands.
package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/api"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/control"
	"github.com/JaikishoreKC/omnichannel-agentic-commerce/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Abandoned-cart voice recovery service",
	Long:  `Recovery scans for abandoned carts and wins them back with guardrailed outbound voice calls.`,
	Run:   runService,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

// setupLogging installs the global logger per config: colorized tint
// for terminals, JSON for log pipelines.
func setupLogging(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	if isDebug || cfg.Level == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		})
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

func runService(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := setupLogging(cfg.Logging)

	engine, err := control.NewEngine(control.Config{
		Engine:   cfg.Engine,
		Provider: cfg.Provider,
		Alerts:   cfg.Alerts,
		Redis:    cfg.Redis,
		Database: cfg.Database,
	}, log)
	if err != nil {
		log.Error("Failed to initialize engine", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(engine, cfg.Server, cfg.Webhook, cfg.Admin, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := engine.Start(ctx); err != nil {
			log.Error("Engine failed", "error", err)
		}
	}()
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("API server stopped", "error", err)
		}
	}()

	log.Info("Recovery service started", "config", cfgPath, "port", cfg.Server.Port)

	sig := <-sigChan
	log.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping API server", "error", err)
	}
	if err := engine.Stop(); err != nil {
		log.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
}

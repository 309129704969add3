package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/app"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/config"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "enricher start failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.Init(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()

	logger.InfoObj("enricher starting", "config", cfg.Redacted())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	enricher, err := app.NewEnricher(ctx, cfg, log)
	if err != nil {
		logger.ErrorObj("failed to initialize enricher", "error", err)
		return err
	}

	if err := enricher.Run(ctx); err != nil {
		return fmt.Errorf("enricher run: %w", err)
	}

	return nil
}

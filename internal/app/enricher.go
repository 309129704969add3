package app

import (
	"context"
	"fmt"
	"time"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/config"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/jobs"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/logger"
	"golang.org/x/sync/errgroup"
)

const defaultRefreshInterval = 6 * time.Hour

// Enricher is the worker runtime. It drives the job runner and a slower
// maintenance loop that schedules background refreshes and purges old jobs.
type Enricher struct {
	core            *Core
	runner          *jobs.Runner
	refreshInterval time.Duration
	refreshBatch    int
	log             logger.Logger
}

// NewEnricher builds the worker from config.
func NewEnricher(ctx context.Context, cfg *config.Config, log logger.Logger) (*Enricher, error) {
	log = logger.Ensure(log)
	core, err := NewCore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	refresh := cfg.RefreshInterval
	if refresh <= 0 {
		refresh = defaultRefreshInterval
	}
	return &Enricher{
		core:            core,
		runner:          jobs.NewRunner(core.Queue, cfg.TickInterval, cfg.WorkerCount, cfg.WorkerCount, log),
		refreshInterval: refresh,
		refreshBatch:    cfg.RefreshBatchSize,
		log:             log,
	}, nil
}

// Run processes jobs until the context is cancelled.
func (e *Enricher) Run(ctx context.Context) error {
	if e == nil || e.core == nil || e.runner == nil {
		return fmt.Errorf("enricher is not initialized")
	}
	defer e.close()

	if len(e.core.Providers.Configured()) == 0 {
		e.log.WarnObj("no provider has credentials; only free and scrape routes will succeed", "providers", e.core.Providers.Names())
	}

	e.log.InfoObj("enricher starting", "enricher_state", map[string]any{
		"providers_count":  len(e.core.Providers.All()),
		"publishers_count": e.core.Events.Size(),
		"refresh_interval": e.refreshInterval.String(),
		"refresh_batch":    e.refreshBatch,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.runner.Run(gctx) })
	g.Go(func() error { return e.maintain(gctx) })
	return g.Wait()
}

func (e *Enricher) maintain(ctx context.Context) error {
	ticker := time.NewTicker(e.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.maintainOnce(ctx)
		}
	}
}

func (e *Enricher) maintainOnce(ctx context.Context) {
	start := time.Now()
	scheduled, err := e.core.Scheduler.RefreshStale(ctx, e.refreshBatch)
	if err != nil {
		e.log.ErrorObj("background refresh failed", "error", err)
	}
	purged, err := e.core.Store.MaybeCleanup(start.UTC())
	if err != nil {
		e.log.ErrorObj("job cleanup failed", "error", err)
	}
	e.log.InfoObj("maintenance completed", "maintenance_meta", map[string]any{
		"refresh_jobs": len(scheduled),
		"purged_jobs":  purged,
		"elapsed_ms":   time.Since(start).Milliseconds(),
	})
}

// close safely releases the core, logging any errors encountered.
func (e *Enricher) close() {
	if err := e.core.Close(); err != nil {
		e.log.ErrorObj("enricher close failed", "error", err)
	}
}

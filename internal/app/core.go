package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/config"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/enrichment"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/jobs"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/logger"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/metrics"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/storage"
	"github.com/samvad-hq/samvad-podcast-enricher/pkg/providers"
	"github.com/samvad-hq/samvad-podcast-enricher/pkg/publishers"
)

// Core holds every wired component. The worker and the operator console both
// build one.
type Core struct {
	Cfg       *config.Config
	Store     *storage.BoltStore
	Providers *providers.Registry
	Manager   *enrichment.Manager
	Fetcher   *metrics.Fetcher
	Queue     *jobs.Queue
	Scheduler *jobs.Scheduler
	Events    *publishers.Fanout

	log logger.Logger
}

// NewCore opens storage, loads the enrichment and publisher files and wires
// the fetch pipeline.
func NewCore(ctx context.Context, cfg *config.Config, log logger.Logger) (*Core, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	log = logger.Ensure(log)
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := storage.NewStore(cfg.BBoltPath, storage.Options{
		JobRetention: cfg.JobRetention,
		ClaimTimeout: cfg.ClaimTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	log.InfoObj("storage initialized", "storage_config", map[string]any{
		"path":                  cfg.BBoltPath,
		"job_retention_seconds": int(cfg.JobRetention.Seconds()),
		"claim_timeout_seconds": int(cfg.ClaimTimeout.Seconds()),
	})

	core, err := wire(ctx, cfg, store, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	return core, nil
}

func wire(ctx context.Context, cfg *config.Config, store *storage.BoltStore, log logger.Logger) (*Core, error) {
	fileCfg, err := providers.LoadFile(cfg.EnrichmentFile)
	if err != nil {
		return nil, fmt.Errorf("load enrichment file: %w", err)
	}
	settings := providers.ChainSettings{store, cfg}
	reg, err := providers.BuildRegistry(fileCfg, settings, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("build providers: %w", err)
	}
	configured := make([]string, 0)
	for _, p := range reg.Configured() {
		configured = append(configured, p.Name())
	}
	log.InfoObj("providers registry loaded", "providers_meta", map[string]any{
		"names":      reg.Names(),
		"configured": configured,
		"priorities": fileCfg.Priorities,
	})

	fanout, err := buildFanout(ctx, cfg.PublishersFile, log)
	if err != nil {
		return nil, err
	}

	manager := enrichment.NewManager(reg, fileCfg.PlatformPriorities(), &eventObserver{events: fanout, log: log}, log)
	fetcher := metrics.NewFetcher(store, manager, RoutesFor(fileCfg, reg), fanout, log, cfg.MetricsTTL)
	queue := jobs.NewQueue(store, fetcher, fanout, log, jobs.Options{
		PlatformDelay: cfg.PlatformDelay,
		RetryBackoff:  cfg.RetryBackoff,
	})

	return &Core{
		Cfg:       cfg,
		Store:     store,
		Providers: reg,
		Manager:   manager,
		Fetcher:   fetcher,
		Queue:     queue,
		Scheduler: jobs.NewScheduler(store, queue, log),
		Events:    fanout,
		log:       log,
	}, nil
}

// RoutesFor picks the free and scrape providers out of reg by their declared
// type: YouTube goes to the Data API while it has a key, Spotify and Apple
// Podcasts go to the page scraper.
func RoutesFor(fc providers.FileConfig, reg *providers.Registry) metrics.Routes {
	routes := metrics.Routes{
		Free:   map[domain.Platform]providers.Provider{},
		Scrape: map[domain.Platform]providers.Provider{},
	}
	for _, pc := range fc.Providers {
		p, ok := reg.Get(pc.Name)
		if !ok {
			continue
		}
		switch pc.Type {
		case providers.TypeYouTube:
			if p.SupportsPlatform(domain.PlatformYouTube) {
				routes.Free[domain.PlatformYouTube] = p
			}
		case providers.TypePageScraper:
			for _, platform := range []domain.Platform{domain.PlatformSpotify, domain.PlatformApplePodcasts} {
				if p.SupportsPlatform(platform) {
					routes.Scrape[platform] = p
				}
			}
		}
	}
	return routes
}

// buildFanout returns an empty fanout when no publishers file is set.
func buildFanout(ctx context.Context, path string, log logger.Logger) (*publishers.Fanout, error) {
	if strings.TrimSpace(path) == "" {
		log.WarnObj("no publishers file configured; events are dropped", "publishers_file", path)
		return publishers.NewFanout(nil), nil
	}

	publisherReg, err := publishers.LoadRegistry(path)
	if err != nil {
		return nil, fmt.Errorf("load publishers registry: %w", err)
	}
	enabled := publisherReg.Enabled()
	pubClients, err := publishers.BuildAll(ctx, publishers.DefaultRegistry(), enabled, log)
	if err != nil {
		return nil, fmt.Errorf("build publishers: %w", err)
	}

	summaries := make([]map[string]string, 0, len(enabled))
	for _, pubCfg := range enabled {
		summaries = append(summaries, map[string]string{
			"id":   pubCfg.ID,
			"type": pubCfg.Type,
		})
	}
	log.InfoObj("publishers registry loaded", "publishers_meta", map[string]any{
		"count":      len(summaries),
		"publishers": summaries,
	})
	return publishers.NewFanout(pubClients), nil
}

// Close releases publishers and the store.
func (c *Core) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if err := c.Events.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	return errors.Join(errs...)
}

// eventObserver publishes provider.failed for every failed attempt in the
// fallback chain.
type eventObserver struct {
	events jobs.EventPublisher
	log    logger.Logger
}

func (o *eventObserver) ProviderSucceeded(context.Context, string, domain.Platform, domain.NormalizedMetrics) {
}

func (o *eventObserver) ProviderFailed(ctx context.Context, provider string, platform domain.Platform, err error) {
	if o.events == nil || err == nil {
		return
	}
	evt := publishers.NewEvent(publishers.EventProviderFailed)
	evt.Provider = provider
	evt.Platform = platform
	evt.Error = err.Error()
	if _, pubErr := o.events.Publish(ctx, evt); pubErr != nil {
		o.log.WarnObj("provider event publish failed", "publish_error", map[string]any{
			"provider": provider,
			"error":    pubErr.Error(),
		})
	}
}

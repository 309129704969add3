package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/logger"
	"github.com/samvad-hq/samvad-podcast-enricher/pkg/providers"
	"github.com/samvad-hq/samvad-podcast-enricher/pkg/publishers"
	"golang.org/x/sync/singleflight"
)

// Store is the persistence the Fetcher needs.
type Store interface {
	GetSocialLinks(podcastID int64) ([]domain.SocialLink, error)
	SaveFetch(rec domain.MetricRecord, entry domain.CostLogEntry) (domain.MetricRecord, error)
	Latest(podcastID int64, platform domain.Platform) (domain.MetricRecord, bool, error)
}

// PaidFetcher resolves paid platforms through a provider fallback chain.
type PaidFetcher interface {
	FetchMetrics(ctx context.Context, platform domain.Platform, ref domain.ProfileRef, preferred string) (domain.NormalizedMetrics, error)
}

// EventPublisher publishes lifecycle events downstream.
type EventPublisher interface {
	Publish(ctx context.Context, evt publishers.Event) (int, error)
}

// Routes names the providers that bypass the paid chain. Free providers are
// used only while configured; scrape providers need no credential.
type Routes struct {
	Free   map[domain.Platform]providers.Provider
	Scrape map[domain.Platform]providers.Provider
}

// Route kinds reported by RouteFor.
const (
	RouteFree   = "free"
	RoutePaid   = "paid"
	RouteScrape = "scrape"
)

// Result describes one persisted fetch.
type Result struct {
	MetricsID string        `json:"metrics_id"`
	Provider  string        `json:"provider"`
	Cost      float64       `json:"cost"`
	Duration  time.Duration `json:"duration"`
	Record    domain.MetricRecord
}

// Fetcher fetches and persists metrics for one (podcast, platform) pair.
type Fetcher struct {
	store  Store
	paid   PaidFetcher
	routes Routes
	events EventPublisher
	log    logger.Logger
	ttl    time.Duration
	now    func() time.Time

	inflight singleflight.Group
}

// NewFetcher wires a Fetcher. ttl <= 0 uses domain.MetricsTTL.
func NewFetcher(store Store, paid PaidFetcher, routes Routes, events EventPublisher, log logger.Logger, ttl time.Duration) *Fetcher {
	if ttl <= 0 {
		ttl = domain.MetricsTTL
	}
	return &Fetcher{
		store:  store,
		paid:   paid,
		routes: routes,
		events: events,
		log:    logger.Ensure(log),
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RouteFor reports which path a platform takes.
func (f *Fetcher) RouteFor(platform domain.Platform) string {
	if _, ok := f.routes.Scrape[platform]; ok {
		return RouteScrape
	}
	if p, ok := f.routes.Free[platform]; ok && p.IsConfigured() {
		return RouteFree
	}
	return RoutePaid
}

// Fetch fetches, stores and returns metrics for podcastID on platform.
// Concurrent calls for the same pair share one upstream call and one write.
func (f *Fetcher) Fetch(ctx context.Context, podcastID int64, platform domain.Platform) (Result, error) {
	key := fmt.Sprintf("%d/%s", podcastID, platform)
	v, err, shared := f.inflight.Do(key, func() (any, error) {
		return f.fetch(ctx, podcastID, platform)
	})
	if err != nil {
		return Result{}, err
	}
	if shared {
		f.log.DebugObj("joined in-flight fetch", "fetch_shared", map[string]any{
			"podcast_id": podcastID,
			"platform":   platform,
		})
	}
	return v.(Result), nil
}

func (f *Fetcher) fetch(ctx context.Context, podcastID int64, platform domain.Platform) (Result, error) {
	ref, err := f.profileFor(podcastID, platform)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	m, err := f.dispatch(ctx, platform, ref)
	if err != nil {
		return Result{}, err
	}
	elapsed := time.Since(start)

	rec := domain.NewMetricRecord(podcastID, platform, m, f.now(), f.ttl)
	rec.FetchDurationSeconds = elapsed.Seconds()
	entry := domain.CostLogEntry{
		EntityID:   podcastID,
		ActionType: domain.ActionFetchMetrics,
		Platform:   platform,
		CostUSD:    m.Cost,
		Provider:   m.Provider,
		Success:    true,
		Metadata: map[string]any{
			"profile_url": ref.URL,
			"route":       f.RouteFor(platform),
		},
		LoggedAt: rec.FetchedAt,
	}
	rec, err = f.store.SaveFetch(rec, entry)
	if err != nil {
		return Result{}, fmt.Errorf("persist %s metrics for podcast %d: %w", platform, podcastID, err)
	}

	f.log.InfoObj("metrics fetched", "metrics_fetch", map[string]any{
		"podcast_id":  podcastID,
		"platform":    platform,
		"provider":    m.Provider,
		"followers":   m.Followers,
		"cost":        m.Cost,
		"duration_ms": elapsed.Milliseconds(),
	})

	res := Result{MetricsID: rec.ID, Provider: m.Provider, Cost: m.Cost, Duration: elapsed, Record: rec}
	f.publish(ctx, res, podcastID, platform)
	return res, nil
}

func (f *Fetcher) dispatch(ctx context.Context, platform domain.Platform, ref domain.ProfileRef) (domain.NormalizedMetrics, error) {
	switch f.RouteFor(platform) {
	case RouteScrape:
		return f.routes.Scrape[platform].FetchMetrics(ctx, platform, ref.URL, ref.Handle)
	case RouteFree:
		return f.routes.Free[platform].FetchMetrics(ctx, platform, ref.URL, ref.Handle)
	}
	if f.paid == nil {
		return domain.NormalizedMetrics{}, fmt.Errorf("%w for %s", domain.ErrNoProviderAvailable, platform)
	}
	return f.paid.FetchMetrics(ctx, platform, ref, "")
}

func (f *Fetcher) profileFor(podcastID int64, platform domain.Platform) (domain.ProfileRef, error) {
	links, err := f.store.GetSocialLinks(podcastID)
	if err != nil {
		return domain.ProfileRef{}, fmt.Errorf("load social links: %w", err)
	}
	for _, l := range links {
		if p, ok := domain.ParsePlatform(string(l.Platform)); !ok || p != platform {
			continue
		}
		if strings.TrimSpace(l.ProfileURL) == "" && strings.TrimSpace(l.ProfileHandle) == "" {
			continue
		}
		return domain.ProfileRef{
			Platform: platform,
			URL:      strings.TrimSpace(l.ProfileURL),
			Handle:   strings.TrimSpace(l.ProfileHandle),
		}, nil
	}
	return domain.ProfileRef{}, fmt.Errorf("podcast %d %s: %w", podcastID, platform, domain.ErrNoLink)
}

func (f *Fetcher) publish(ctx context.Context, res Result, podcastID int64, platform domain.Platform) {
	if f.events == nil {
		return
	}
	evt := publishers.NewEvent(publishers.EventMetricsFetched)
	evt.PodcastID = podcastID
	evt.Platform = platform
	evt.Provider = res.Provider
	evt.MetricsID = res.MetricsID
	evt.CostUSD = res.Cost
	if _, err := f.events.Publish(ctx, evt); err != nil {
		f.log.WarnObj("metrics event publish failed", "publish_error", map[string]any{
			"event_type": evt.Type,
			"error":      err.Error(),
		})
	}
}

// IsCached reports whether a fresh record exists for the pair.
func (f *Fetcher) IsCached(podcastID int64, platform domain.Platform) (bool, error) {
	rec, err := f.GetCached(podcastID, platform)
	return rec != nil, err
}

// GetCached returns the latest record if it has not expired, or nil.
func (f *Fetcher) GetCached(podcastID int64, platform domain.Platform) (*domain.MetricRecord, error) {
	rec, ok, err := f.store.Latest(podcastID, platform)
	if err != nil {
		return nil, err
	}
	if !ok || !rec.Fresh(f.now()) {
		return nil, nil
	}
	return &rec, nil
}

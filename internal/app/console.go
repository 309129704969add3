package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/enrichment"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/jobs"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/logger"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/storage"
)

// Console runs one-shot operator commands against a Core.
type Console struct {
	core *Core
	log  logger.Logger
}

// NewConsole wraps core.
func NewConsole(core *Core, log logger.Logger) (*Console, error) {
	if core == nil {
		return nil, fmt.Errorf("core must not be nil")
	}
	return &Console{core: core, log: logger.Ensure(log)}, nil
}

// Enqueue creates a job.
func (c *Console) Enqueue(req jobs.EnqueueRequest) (domain.Job, error) {
	return c.core.Queue.Enqueue(req)
}

// Status returns one job.
func (c *Console) Status(id string) (domain.Job, error) {
	return c.core.Queue.Get(id)
}

// Jobs lists jobs newest first.
func (c *Console) Jobs(filter storage.JobFilter) ([]domain.Job, error) {
	return c.core.Store.ListJobs(filter)
}

// Cancel cancels a queued job.
func (c *Console) Cancel(id string) (domain.Job, error) {
	return c.core.Queue.Cancel(id)
}

// Retry re-queues a failed job.
func (c *Console) Retry(id string) (domain.Job, error) {
	return c.core.Queue.Retry(id)
}

// Estimate prices count profiles on platform.
func (c *Console) Estimate(platform domain.Platform, count int, provider string) enrichment.CostEstimate {
	return c.core.Manager.EstimateCost(platform, count, provider)
}

// Validate probes every provider's credentials.
func (c *Console) Validate(ctx context.Context) []enrichment.CredentialStatus {
	return c.core.Manager.ValidateAllCredentials(ctx)
}

// Costs summarises the ledger over period.
func (c *Console) Costs(period storage.Period) (storage.CostSummary, error) {
	return c.core.Store.Summary(period, time.Now().UTC())
}

// Stats counts jobs per status.
func (c *Console) Stats() (map[domain.JobStatus]int, error) {
	return c.core.Store.JobStats()
}

// SetLinks stores the social links of a podcast, creating it when unknown.
func (c *Console) SetLinks(podcastID int64, title string, links []domain.SocialLink) (domain.Podcast, error) {
	cleaned := make([]domain.SocialLink, 0, len(links))
	for _, l := range links {
		platform, ok := domain.ParsePlatform(string(l.Platform))
		if !ok {
			return domain.Podcast{}, fmt.Errorf("set links: %w: %q", domain.ErrUnsupportedPlatform, l.Platform)
		}
		l.Platform = platform
		l.ProfileURL = strings.TrimSpace(l.ProfileURL)
		l.ProfileHandle = strings.TrimSpace(l.ProfileHandle)
		cleaned = append(cleaned, l)
	}

	existing, err := c.core.Store.GetPodcast(podcastID)
	if err != nil && !errors.Is(err, domain.ErrPodcastNotFound) {
		return domain.Podcast{}, err
	}
	p := domain.Podcast{ID: podcastID, Title: existing.Title, SocialLinks: cleaned}
	if title = strings.TrimSpace(title); title != "" {
		p.Title = title
	}
	if err := c.core.Store.UpsertPodcast(p); err != nil {
		return domain.Podcast{}, err
	}
	return c.core.Store.GetPodcast(podcastID)
}

// Podcast returns a podcast with its latest record per platform.
func (c *Console) Podcast(podcastID int64) (domain.Podcast, map[domain.Platform]domain.MetricRecord, error) {
	p, err := c.core.Store.GetPodcast(podcastID)
	if err != nil {
		return domain.Podcast{}, nil, err
	}
	latest, err := c.core.Store.LatestForPodcast(podcastID)
	if err != nil {
		return domain.Podcast{}, nil, err
	}
	return p, latest, nil
}

// SetSetting stores an operator setting such as an API key. An empty value
// removes it.
func (c *Console) SetSetting(key, value string) error {
	return c.core.Store.PutSetting(key, value)
}

// Drain processes queued jobs until none is eligible or limit is reached.
func (c *Console) Drain(ctx context.Context, limit int) ([]domain.Job, error) {
	var done []domain.Job
	for limit <= 0 || len(done) < limit {
		job, ok, err := c.core.Queue.ProcessNext(ctx)
		if err != nil {
			return done, err
		}
		if !ok {
			break
		}
		done = append(done, job)
	}
	c.log.InfoObj("queue drained", "drain_meta", map[string]any{"processed": len(done)})
	return done, nil
}

// Refresh schedules background refreshes once.
func (c *Console) Refresh(ctx context.Context, limit int) ([]domain.Job, error) {
	return c.core.Scheduler.RefreshStale(ctx, limit)
}

package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
)

// Package storage persists jobs, metric records, the cost ledger, podcasts and settings.

// JobStore is the durable job table with an atomic claim.
type JobStore interface {
	CreateJob(job domain.Job) (domain.Job, error)
	GetJob(id string) (domain.Job, error)
	ClaimNext(now time.Time) (domain.Job, bool, error)
	UpdateJob(id string, tr Transition) (domain.Job, error)
	ListJobs(filter JobFilter) ([]domain.Job, error)
	JobStats() (map[domain.JobStatus]int, error)
	HasOpenJob(podcastID int64) (bool, error)
	PurgeFinished(olderThan time.Time) (int, error)
}

// MetricStore keeps fetched metric records.
type MetricStore interface {
	SaveFetch(rec domain.MetricRecord, entry domain.CostLogEntry) (domain.MetricRecord, error)
	Latest(podcastID int64, platform domain.Platform) (domain.MetricRecord, bool, error)
	LatestForPodcast(podcastID int64) (map[domain.Platform]domain.MetricRecord, error)
}

// Ledger is the append-only cost log.
type Ledger interface {
	AppendCost(entry domain.CostLogEntry) (uint64, error)
	ListCosts(since time.Time) ([]domain.CostLogEntry, error)
	Summary(period Period, now time.Time) (CostSummary, error)
}

// PodcastStore exposes the podcast fields the enrichment core reads and updates.
type PodcastStore interface {
	GetPodcast(id int64) (domain.Podcast, error)
	GetSocialLinks(podcastID int64) ([]domain.SocialLink, error)
	SetTrackingStatus(podcastID int64, status domain.TrackingStatus) error
	UpsertPodcast(p domain.Podcast) error
	ListTracked() ([]domain.Podcast, error)
}

// SettingsStore holds operator-managed settings such as API keys.
type SettingsStore interface {
	GetSetting(key string) (string, bool)
	PutSetting(key, value string) error
}

// Transition is a compare-and-swap update of one job. Apply runs only when the
// stored status equals Expect. A non-empty Tracking is written to the job's
// podcast in the same transaction. Release instead settles the podcast from
// its remaining jobs: queued or processing while another job is open, else
// tracked if it was ever tracked, else none.
type Transition struct {
	Expect   domain.JobStatus
	Apply    func(*domain.Job) error
	Tracking domain.TrackingStatus
	Release  bool
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Status    domain.JobStatus
	PodcastID int64
	Limit     int
}

// Options controls retention and claim leases for the bolt store.
type Options struct {
	JobRetention    time.Duration
	CleanupInterval time.Duration
	// ClaimTimeout is how long a processing job may run before ClaimNext
	// treats its worker as gone.
	ClaimTimeout time.Duration
}

const (
	defaultJobRetention    = 30 * 24 * time.Hour
	defaultCleanupInterval = 12 * time.Hour
	defaultClaimTimeout    = 30 * time.Minute
)

// NewStore opens the bbolt-backed store at path.
func NewStore(path string, opts Options) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("bbolt storage requires a path")
	}
	return openBolt(path, normalizeOptions(opts))
}

func normalizeOptions(opts Options) Options {
	if opts.JobRetention <= 0 {
		opts.JobRetention = defaultJobRetention
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = defaultClaimTimeout
	}
	return opts
}

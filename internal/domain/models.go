package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Domain contains core models shared by providers, the fetcher and the job queue.

// Platform names an external social or media network.
type Platform string

const (
	PlatformYouTube       Platform = "youtube"
	PlatformInstagram     Platform = "instagram"
	PlatformTikTok        Platform = "tiktok"
	PlatformTwitter       Platform = "twitter"
	PlatformLinkedIn      Platform = "linkedin"
	PlatformFacebook      Platform = "facebook"
	PlatformSpotify       Platform = "spotify"
	PlatformApplePodcasts Platform = "apple_podcasts"
)

// Platforms lists every platform the service knows about.
var Platforms = []Platform{
	PlatformYouTube,
	PlatformInstagram,
	PlatformTikTok,
	PlatformTwitter,
	PlatformLinkedIn,
	PlatformFacebook,
	PlatformSpotify,
	PlatformApplePodcasts,
}

// ParsePlatform normalizes raw into a known Platform.
func ParsePlatform(raw string) (Platform, bool) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	if p == "x" {
		p = PlatformTwitter
	}
	for _, known := range Platforms {
		if p == known {
			return p, true
		}
	}
	return "", false
}

// ProfileRef identifies one external account to enrich.
type ProfileRef struct {
	Platform Platform `json:"platform"`
	URL      string   `json:"url"`
	Handle   string   `json:"handle,omitempty"`
}

// NormalizedMetrics is the canonical result of a single profile fetch.
type NormalizedMetrics struct {
	Followers      int64          `json:"followers"`
	Following      int64          `json:"following"`
	Posts          int64          `json:"posts"`
	AvgLikes       float64        `json:"avg_likes"`
	AvgComments    float64        `json:"avg_comments"`
	AvgShares      float64        `json:"avg_shares"`
	EngagementRate float64        `json:"engagement_rate"`
	TotalViews     int64          `json:"total_views"`
	Name           string         `json:"name"`
	Bio            string         `json:"bio"`
	Location       string         `json:"location"`
	Verified       bool           `json:"verified"`
	RawData        map[string]any `json:"raw_data,omitempty"`
	Provider       string         `json:"provider"`
	Cost           float64        `json:"cost"`
}

// JobType describes why a job was created.
type JobType string

const (
	JobTypeInitialTracking   JobType = "initial_tracking"
	JobTypeBackgroundRefresh JobType = "background_refresh"
	JobTypeManualRefresh     JobType = "manual_refresh"
)

// ParseJobType validates raw as a JobType.
func ParseJobType(raw string) (JobType, bool) {
	switch t := JobType(strings.ToLower(strings.TrimSpace(raw))); t {
	case JobTypeInitialTracking, JobTypeBackgroundRefresh, JobTypeManualRefresh:
		return t, true
	}
	return "", false
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition happens without an explicit retry.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

const (
	DefaultMaxAttempts = 3
	MaxPriority        = 100

	// CancelledMessage is written to a job cancelled while queued.
	CancelledMessage = "cancelled by user"
	// ExhaustedMessage is written when a claimed job has no attempts left.
	ExhaustedMessage = "max attempts exceeded"
	// ClaimExpiredMessage is written when a processing job outlives its claim
	// and is returned to the queue.
	ClaimExpiredMessage = "claim expired before the worker finished"
)

// Job is a durable unit of work enriching one podcast across platforms.
type Job struct {
	ID              string     `json:"id"`
	PodcastID       int64      `json:"podcast_id"`
	Type            JobType    `json:"job_type"`
	Platforms       []Platform `json:"platforms_to_fetch"`
	Status          JobStatus  `json:"status"`
	Priority        int        `json:"priority"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	ProgressPercent int        `json:"progress_percent"`
	EstimatedCost   float64    `json:"estimated_cost"`
	ActualCost      float64    `json:"actual_cost"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	NextAttemptAt   time.Time  `json:"next_attempt_at"`
}

// MetricsTTL is how long a fetched Metric Record stays fresh.
const MetricsTTL = 7 * 24 * time.Hour

// MetricRecord is one persisted fetch for a podcast on a platform.
type MetricRecord struct {
	ID                   string          `json:"id"`
	PodcastID            int64           `json:"podcast_id"`
	Platform             Platform        `json:"platform"`
	Followers            int64           `json:"followers"`
	Following            int64           `json:"following"`
	Posts                int64           `json:"posts"`
	AvgLikes             float64         `json:"avg_likes"`
	AvgComments          float64         `json:"avg_comments"`
	AvgShares            float64         `json:"avg_shares"`
	EngagementRate       float64         `json:"engagement_rate"`
	TotalViews           int64           `json:"total_views"`
	Name                 string          `json:"name"`
	Bio                  string          `json:"bio"`
	Location             string          `json:"location"`
	Verified             bool            `json:"verified"`
	APIResponse          json.RawMessage `json:"api_response,omitempty"`
	Provider             string          `json:"provider"`
	CostUSD              float64         `json:"cost_usd"`
	FetchDurationSeconds float64         `json:"fetch_duration_seconds"`
	FetchedAt            time.Time       `json:"fetched_at"`
	ExpiresAt            time.Time       `json:"expires_at"`
}

// Fresh reports whether the record is still within its caching TTL.
func (r MetricRecord) Fresh(now time.Time) bool {
	return r.ExpiresAt.After(now)
}

// NewMetricRecord copies m into a record fetched at fetchedAt that expires after ttl.
func NewMetricRecord(podcastID int64, platform Platform, m NormalizedMetrics, fetchedAt time.Time, ttl time.Duration) MetricRecord {
	if ttl <= 0 {
		ttl = MetricsTTL
	}
	raw, err := json.Marshal(m.RawData)
	if err != nil || len(m.RawData) == 0 {
		raw = nil
	}
	return MetricRecord{
		PodcastID:      podcastID,
		Platform:       platform,
		Followers:      m.Followers,
		Following:      m.Following,
		Posts:          m.Posts,
		AvgLikes:       m.AvgLikes,
		AvgComments:    m.AvgComments,
		AvgShares:      m.AvgShares,
		EngagementRate: m.EngagementRate,
		TotalViews:     m.TotalViews,
		Name:           m.Name,
		Bio:            m.Bio,
		Location:       m.Location,
		Verified:       m.Verified,
		APIResponse:    raw,
		Provider:       m.Provider,
		CostUSD:        m.Cost,
		FetchedAt:      fetchedAt,
		ExpiresAt:      fetchedAt.Add(ttl),
	}
}

// Cost ledger action types.
const (
	ActionFetchMetrics = "fetch_metrics"
)

// CostLogEntry is an append-only record of metered spend.
type CostLogEntry struct {
	ID         uint64         `json:"id"`
	EntityID   int64          `json:"entity_id"`
	ActionType string         `json:"action_type"`
	Platform   Platform       `json:"platform"`
	CostUSD    float64        `json:"cost_usd"`
	Provider   string         `json:"provider"`
	Success    bool           `json:"success"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	LoggedAt   time.Time      `json:"logged_at"`
}

// SocialLink is a stored profile for a podcast on one platform.
type SocialLink struct {
	Platform      Platform `json:"platform"`
	ProfileURL    string   `json:"profile_url"`
	ProfileHandle string   `json:"profile_handle,omitempty"`
}

// TrackingStatus is the podcast-level enrichment state.
type TrackingStatus string

const (
	TrackingNone       TrackingStatus = ""
	TrackingQueued     TrackingStatus = "queued"
	TrackingProcessing TrackingStatus = "processing"
	TrackingTracked    TrackingStatus = "tracked"
	TrackingFailed     TrackingStatus = "failed"
)

// Podcast carries the fields the enrichment core reads and updates.
type Podcast struct {
	ID             int64          `json:"id"`
	Title          string         `json:"title"`
	SocialLinks    []SocialLink   `json:"social_links"`
	TrackingStatus TrackingStatus `json:"tracking_status"`
	IsTracked      bool           `json:"is_tracked"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/logger"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/metrics"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/storage"
	"github.com/samvad-hq/samvad-podcast-enricher/pkg/publishers"
)

// Store is the job and podcast persistence the Queue needs.
type Store interface {
	CreateJob(job domain.Job) (domain.Job, error)
	GetJob(id string) (domain.Job, error)
	ClaimNext(now time.Time) (domain.Job, bool, error)
	UpdateJob(id string, tr storage.Transition) (domain.Job, error)
	GetSocialLinks(podcastID int64) ([]domain.SocialLink, error)
}

// Fetcher fetches one platform for one podcast.
type Fetcher interface {
	Fetch(ctx context.Context, podcastID int64, platform domain.Platform) (metrics.Result, error)
}

// EventPublisher publishes lifecycle events downstream.
type EventPublisher interface {
	Publish(ctx context.Context, evt publishers.Event) (int, error)
}

// EstimatedCosts is the flat per-platform price used for enqueue-time estimates.
var EstimatedCosts = map[domain.Platform]float64{
	domain.PlatformYouTube:       0,
	domain.PlatformInstagram:     0.01,
	domain.PlatformTikTok:        0.01,
	domain.PlatformTwitter:       0.01,
	domain.PlatformLinkedIn:      0.02,
	domain.PlatformFacebook:      0.01,
	domain.PlatformSpotify:       0,
	domain.PlatformApplePodcasts: 0,
}

const maxRetryBackoff = time.Hour

// Options tunes job processing.
type Options struct {
	// PlatformDelay is slept between platform fetches within one job.
	PlatformDelay time.Duration
	// RetryBackoff is the base delay before a failed attempt is retried; it
	// doubles per attempt up to one hour. Zero retries on the next tick.
	RetryBackoff time.Duration
}

// DefaultOptions returns the production pacing.
func DefaultOptions() Options {
	return Options{
		PlatformDelay: 2 * time.Second,
		RetryBackoff:  time.Minute,
	}
}

// Queue implements the job state machine on top of Store.
type Queue struct {
	store   Store
	fetcher Fetcher
	events  EventPublisher
	log     logger.Logger
	opts    Options
	now     func() time.Time
}

// NewQueue builds a Queue.
func NewQueue(store Store, fetcher Fetcher, events EventPublisher, log logger.Logger, opts Options) *Queue {
	return &Queue{
		store:   store,
		fetcher: fetcher,
		events:  events,
		log:     logger.Ensure(log),
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// EnqueueRequest describes a job to create.
type EnqueueRequest struct {
	PodcastID   int64
	Type        domain.JobType
	Platforms   []domain.Platform
	Priority    int
	MaxAttempts int
}

// Enqueue creates a queued job. Without explicit platforms every linked
// platform of the podcast is used; an empty set is rejected.
func (q *Queue) Enqueue(req EnqueueRequest) (domain.Job, error) {
	if req.PodcastID <= 0 {
		return domain.Job{}, fmt.Errorf("enqueue: podcast id must be positive")
	}
	if req.Type == "" {
		req.Type = domain.JobTypeInitialTracking
	}
	if _, ok := domain.ParseJobType(string(req.Type)); !ok {
		return domain.Job{}, fmt.Errorf("enqueue: unknown job type %q", req.Type)
	}

	platforms := dedupePlatforms(req.Platforms)
	if len(req.Platforms) > 0 && len(platforms) == 0 {
		return domain.Job{}, fmt.Errorf("enqueue podcast %d: %w: unknown platforms %v", req.PodcastID, domain.ErrNoPlatforms, req.Platforms)
	}
	if len(platforms) == 0 {
		links, err := q.store.GetSocialLinks(req.PodcastID)
		if err != nil {
			return domain.Job{}, fmt.Errorf("enqueue: load social links: %w", err)
		}
		for _, l := range links {
			if strings.TrimSpace(l.ProfileURL) != "" || strings.TrimSpace(l.ProfileHandle) != "" {
				platforms = append(platforms, l.Platform)
			}
		}
		platforms = dedupePlatforms(platforms)
	}
	if len(platforms) == 0 {
		return domain.Job{}, fmt.Errorf("enqueue podcast %d: %w", req.PodcastID, domain.ErrNoPlatforms)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	now := q.now()
	job, err := q.store.CreateJob(domain.Job{
		PodcastID:     req.PodcastID,
		Type:          req.Type,
		Platforms:     platforms,
		Status:        domain.JobQueued,
		Priority:      clampPriority(req.Priority),
		MaxAttempts:   maxAttempts,
		EstimatedCost: EstimateCost(platforms),
		CreatedAt:     now,
		NextAttemptAt: now,
	})
	if err != nil {
		return domain.Job{}, err
	}

	q.log.InfoObj("job enqueued", "job_enqueued", map[string]any{
		"job_id":         job.ID,
		"podcast_id":     job.PodcastID,
		"job_type":       job.Type,
		"platforms":      job.Platforms,
		"priority":       job.Priority,
		"estimated_cost": job.EstimatedCost,
	})
	return job, nil
}

// EstimateCost sums the flat per-platform estimates.
func EstimateCost(platforms []domain.Platform) float64 {
	total := 0.0
	for _, p := range platforms {
		total += EstimatedCosts[p]
	}
	return total
}

// Get returns a job by id.
func (q *Queue) Get(id string) (domain.Job, error) {
	return q.store.GetJob(id)
}

// ProcessNext claims and runs the next eligible job. It reports false when
// nothing was eligible. A job whose platforms all failed is re-queued while
// attempts remain, unless every failure was permanent (missing link, no
// credentials, no eligible provider).
func (q *Queue) ProcessNext(ctx context.Context) (domain.Job, bool, error) {
	job, ok, err := q.store.ClaimNext(q.now())
	if err != nil || !ok {
		return domain.Job{}, false, err
	}

	if job.Status == domain.JobFailed {
		q.log.WarnObj("job exhausted before processing", "job_exhausted", map[string]any{
			"job_id":   job.ID,
			"attempts": job.Attempts,
		})
		q.publish(ctx, publishers.JobEvent(publishers.EventJobFailed, job))
		return job, true, nil
	}

	platforms := validPlatforms(job.Platforms)
	if len(platforms) == 0 {
		job, err = q.finish(job, domain.JobFailed, 0, domain.ErrNoPlatforms.Error(), domain.TrackingFailed)
		if err != nil {
			return domain.Job{}, true, err
		}
		q.publish(ctx, publishers.JobEvent(publishers.EventJobFailed, job))
		return job, true, nil
	}

	q.log.InfoObj("job processing", "job_started", map[string]any{
		"job_id":     job.ID,
		"podcast_id": job.PodcastID,
		"attempt":    job.Attempts,
		"platforms":  platforms,
	})

	total := len(platforms)
	succeeded := 0
	cost := 0.0
	retryable := false
	var failures []string
	for i, platform := range platforms {
		progress := i * 100 / total
		if _, err := q.store.UpdateJob(job.ID, storage.Transition{
			Expect: domain.JobProcessing,
			Apply: func(j *domain.Job) error {
				if err := sameClaim(job, j); err != nil {
					return err
				}
				j.ProgressPercent = progress
				return nil
			},
		}); err != nil {
			return domain.Job{}, true, fmt.Errorf("update progress for job %s: %w", job.ID, err)
		}

		res, err := q.fetcher.Fetch(ctx, job.PodcastID, platform)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", platform, err))
			retryable = retryable || !domain.IsPermanent(err)
		} else {
			succeeded++
			cost += res.Cost
		}

		if i < total-1 {
			if err := sleepCtx(ctx, q.opts.PlatformDelay); err != nil {
				failures = append(failures, fmt.Sprintf("interrupted: %v", err))
				retryable = true
				break
			}
		}
	}
	message := strings.Join(failures, "; ")

	switch {
	case succeeded > 0:
		job, err = q.finish(job, domain.JobCompleted, cost, message, domain.TrackingTracked)
		if err == nil {
			q.publish(ctx, publishers.JobEvent(publishers.EventJobCompleted, job))
		}
	case retryable && job.Attempts < job.MaxAttempts:
		job, err = q.requeue(job, message)
		if err == nil {
			q.publish(ctx, publishers.JobEvent(publishers.EventJobRetrying, job))
		}
	default:
		job, err = q.finish(job, domain.JobFailed, 0, message, domain.TrackingFailed)
		if err == nil {
			q.publish(ctx, publishers.JobEvent(publishers.EventJobFailed, job))
		}
	}
	if err != nil {
		return domain.Job{}, true, err
	}

	q.log.InfoObj("job processed", "job_result", map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"attempts":    job.Attempts,
		"succeeded":   succeeded,
		"failed":      len(failures),
		"actual_cost": job.ActualCost,
	})
	return job, true, nil
}

func (q *Queue) finish(job domain.Job, status domain.JobStatus, cost float64, message string, tracking domain.TrackingStatus) (domain.Job, error) {
	now := q.now()
	updated, err := q.store.UpdateJob(job.ID, storage.Transition{
		Expect: domain.JobProcessing,
		Apply: func(j *domain.Job) error {
			if err := sameClaim(job, j); err != nil {
				return err
			}
			j.Status = status
			j.ActualCost = cost
			j.ErrorMessage = message
			j.CompletedAt = &now
			if status == domain.JobCompleted {
				j.ProgressPercent = 100
			}
			return nil
		},
		Tracking: tracking,
	})
	if err != nil {
		return domain.Job{}, fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	return updated, nil
}

// requeue returns a failed attempt to the queue. The podcast status is left
// alone while retries remain.
func (q *Queue) requeue(job domain.Job, message string) (domain.Job, error) {
	next := q.now().Add(Backoff(q.opts.RetryBackoff, job.Attempts))
	updated, err := q.store.UpdateJob(job.ID, storage.Transition{
		Expect: domain.JobProcessing,
		Apply: func(j *domain.Job) error {
			if err := sameClaim(job, j); err != nil {
				return err
			}
			j.Status = domain.JobQueued
			j.ErrorMessage = message
			j.NextAttemptAt = next
			return nil
		},
	})
	if err != nil {
		return domain.Job{}, fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	return updated, nil
}

// sameClaim rejects writes from a worker whose claim expired and was handed
// to another attempt.
func sameClaim(claimed domain.Job, stored *domain.Job) error {
	if stored.Attempts != claimed.Attempts {
		return fmt.Errorf("%w: claim for attempt %d superseded by attempt %d", domain.ErrStatusConflict, claimed.Attempts, stored.Attempts)
	}
	return nil
}

// Backoff is base doubled per completed attempt, capped at one hour.
func Backoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 || attempts <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	if d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}

// Cancel fails a queued job. Jobs in any other state are left unchanged and
// ErrStatusConflict is returned. The podcast leaves the queued state in the
// same write.
func (q *Queue) Cancel(id string) (domain.Job, error) {
	now := q.now()
	job, err := q.store.UpdateJob(id, storage.Transition{
		Expect: domain.JobQueued,
		Apply: func(j *domain.Job) error {
			j.Status = domain.JobFailed
			j.ErrorMessage = domain.CancelledMessage
			j.CompletedAt = &now
			return nil
		},
		Release: true,
	})
	if err != nil {
		return domain.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	q.log.InfoObj("job cancelled", "job_cancelled", map[string]any{"job_id": id})
	return job, nil
}

// Retry re-queues a failed job with a fresh attempt budget.
func (q *Queue) Retry(id string) (domain.Job, error) {
	now := q.now()
	job, err := q.store.UpdateJob(id, storage.Transition{
		Expect: domain.JobFailed,
		Apply: func(j *domain.Job) error {
			j.Status = domain.JobQueued
			j.Attempts = 0
			j.ErrorMessage = ""
			j.ProgressPercent = 0
			j.ActualCost = 0
			j.StartedAt = nil
			j.CompletedAt = nil
			j.NextAttemptAt = now
			return nil
		},
		Tracking: domain.TrackingQueued,
	})
	if err != nil {
		return domain.Job{}, fmt.Errorf("retry job: %w", err)
	}
	q.log.InfoObj("job retried", "job_retried", map[string]any{"job_id": id})
	return job, nil
}

func (q *Queue) publish(ctx context.Context, evt publishers.Event) {
	if q.events == nil {
		return
	}
	if _, err := q.events.Publish(ctx, evt); err != nil {
		q.log.WarnObj("job event publish failed", "publish_error", map[string]any{
			"event_type": evt.Type,
			"job_id":     evt.JobID,
			"error":      err.Error(),
		})
	}
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > domain.MaxPriority {
		return domain.MaxPriority
	}
	return p
}

func dedupePlatforms(in []domain.Platform) []domain.Platform {
	seen := make(map[domain.Platform]bool, len(in))
	out := make([]domain.Platform, 0, len(in))
	for _, raw := range in {
		p, ok := domain.ParsePlatform(string(raw))
		if !ok || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// validPlatforms drops entries that no longer parse.
func validPlatforms(in []domain.Platform) []domain.Platform {
	out := make([]domain.Platform, 0, len(in))
	for _, raw := range in {
		if p, ok := domain.ParsePlatform(string(raw)); ok {
			out = append(out, p)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

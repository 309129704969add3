package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/logger"
)

// RefreshStore lists tracked podcasts and their latest metrics.
type RefreshStore interface {
	ListTracked() ([]domain.Podcast, error)
	HasOpenJob(podcastID int64) (bool, error)
	Latest(podcastID int64, platform domain.Platform) (domain.MetricRecord, bool, error)
}

// Enqueuer creates jobs.
type Enqueuer interface {
	Enqueue(req EnqueueRequest) (domain.Job, error)
}

// RefreshPriority is below the default manual priority so refreshes never
// starve operator requests.
const RefreshPriority = 10

// Scheduler enqueues background refreshes for stale tracked podcasts.
type Scheduler struct {
	store RefreshStore
	queue Enqueuer
	log   logger.Logger
	now   func() time.Time
}

// NewScheduler builds a refresh Scheduler.
func NewScheduler(store RefreshStore, queue Enqueuer, log logger.Logger) *Scheduler {
	return &Scheduler{
		store: store,
		queue: queue,
		log:   logger.Ensure(log),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// RefreshStale enqueues at most limit background_refresh jobs, one per tracked
// podcast that has no open job and at least one linked platform whose latest
// record is missing or expired. Only the stale platforms are requested.
func (s *Scheduler) RefreshStale(ctx context.Context, limit int) ([]domain.Job, error) {
	podcasts, err := s.store.ListTracked()
	if err != nil {
		return nil, fmt.Errorf("refresh stale: %w", err)
	}

	now := s.now()
	var out []domain.Job
	for _, p := range podcasts {
		if limit > 0 && len(out) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		open, err := s.store.HasOpenJob(p.ID)
		if err != nil {
			return out, err
		}
		if open {
			continue
		}

		var stale []domain.Platform
		for _, l := range p.SocialLinks {
			rec, ok, err := s.store.Latest(p.ID, l.Platform)
			if err != nil {
				return out, err
			}
			if !ok || !rec.Fresh(now) {
				stale = append(stale, l.Platform)
			}
		}
		if len(stale) == 0 {
			continue
		}

		job, err := s.queue.Enqueue(EnqueueRequest{
			PodcastID: p.ID,
			Type:      domain.JobTypeBackgroundRefresh,
			Platforms: stale,
			Priority:  RefreshPriority,
		})
		if err != nil {
			s.log.WarnObj("refresh enqueue failed", "refresh_error", map[string]any{
				"podcast_id": p.ID,
				"error":      err.Error(),
			})
			continue
		}
		out = append(out, job)
	}

	if len(out) > 0 {
		s.log.InfoObj("background refresh scheduled", "refresh_result", map[string]any{
			"jobs":    len(out),
			"tracked": len(podcasts),
		})
	}
	return out, nil
}

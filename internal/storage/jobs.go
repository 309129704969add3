package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
	bolt "go.etcd.io/bbolt"
)

// CreateJob stores a new queued job and flags its podcast as queued.
func (b *BoltStore) CreateJob(job domain.Job) (domain.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = domain.JobQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = job.CreatedAt
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		jobs, err := bucket(tx, jobBucket)
		if err != nil {
			return err
		}
		if jobs.Get([]byte(job.ID)) != nil {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		if err := putJSON(jobs, []byte(job.ID), job); err != nil {
			return err
		}
		return setTracking(tx, job.PodcastID, domain.TrackingQueued)
	})
	if err != nil {
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// GetJob loads a job by id.
func (b *BoltStore) GetJob(id string) (domain.Job, error) {
	var job domain.Job
	err := b.db.View(func(tx *bolt.Tx) error {
		jobs, err := bucket(tx, jobBucket)
		if err != nil {
			return err
		}
		job, err = decodeJob(jobs.Get([]byte(id)))
		return err
	})
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ClaimNext atomically picks the next eligible queued job: highest priority
// first, then oldest. Jobs whose podcast already has a processing job, or
// whose NextAttemptAt is in the future, are not eligible. A job that has
// already used every attempt is moved straight to failed and returned so the
// caller can observe it; otherwise it is returned as processing with attempts
// incremented.
//
// A processing job whose claim is older than the claim timeout is put back in
// the queue first, so a crashed worker does not hold its podcast forever.
func (b *BoltStore) ClaimNext(now time.Time) (domain.Job, bool, error) {
	var claimed domain.Job
	var found bool

	err := b.db.Update(func(tx *bolt.Tx) error {
		jobs, err := bucket(tx, jobBucket)
		if err != nil {
			return err
		}

		busy := make(map[int64]bool)
		var queued, expired []domain.Job
		if err := jobs.ForEach(func(_, v []byte) error {
			job, err := decodeJob(v)
			if err != nil {
				return err
			}
			switch job.Status {
			case domain.JobProcessing:
				if b.claimExpired(job, now) {
					expired = append(expired, job)
					return nil
				}
				busy[job.PodcastID] = true
			case domain.JobQueued:
				if !job.NextAttemptAt.After(now) {
					queued = append(queued, job)
				}
			}
			return nil
		}); err != nil {
			return err
		}

		for _, job := range expired {
			job.Status = domain.JobQueued
			job.ErrorMessage = domain.ClaimExpiredMessage
			job.NextAttemptAt = now
			if err := putJSON(jobs, []byte(job.ID), job); err != nil {
				return err
			}
			if err := setTracking(tx, job.PodcastID, domain.TrackingQueued); err != nil {
				return err
			}
			queued = append(queued, job)
		}

		sortForClaim(queued)
		for _, job := range queued {
			if busy[job.PodcastID] {
				continue
			}
			tracking := domain.TrackingProcessing
			if job.Attempts >= job.MaxAttempts {
				job.Status = domain.JobFailed
				job.ErrorMessage = domain.ExhaustedMessage
				job.CompletedAt = timePtr(now)
				tracking = domain.TrackingFailed
			} else {
				job.Status = domain.JobProcessing
				job.Attempts++
				job.ProgressPercent = 0
				job.StartedAt = timePtr(now)
			}
			if err := putJSON(jobs, []byte(job.ID), job); err != nil {
				return err
			}
			claimed, found = job, true
			return setTracking(tx, job.PodcastID, tracking)
		}
		return nil
	})
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("claim next job: %w", err)
	}
	return claimed, found, nil
}

func (b *BoltStore) claimExpired(job domain.Job, now time.Time) bool {
	if b.claimTimeout <= 0 || job.StartedAt == nil {
		return false
	}
	return now.Sub(*job.StartedAt) >= b.claimTimeout
}

// UpdateJob applies tr if the job is still in tr.Expect.
func (b *BoltStore) UpdateJob(id string, tr Transition) (domain.Job, error) {
	var job domain.Job
	err := b.db.Update(func(tx *bolt.Tx) error {
		jobs, err := bucket(tx, jobBucket)
		if err != nil {
			return err
		}
		job, err = decodeJob(jobs.Get([]byte(id)))
		if err != nil {
			return err
		}
		if tr.Expect != "" && job.Status != tr.Expect {
			return fmt.Errorf("%w: job is %s, expected %s", domain.ErrStatusConflict, job.Status, tr.Expect)
		}
		if tr.Apply != nil {
			if err := tr.Apply(&job); err != nil {
				return err
			}
		}
		if err := putJSON(jobs, []byte(id), job); err != nil {
			return err
		}
		switch {
		case tr.Release:
			return releaseTracking(tx, jobs, job)
		case tr.Tracking != domain.TrackingNone:
			return setTracking(tx, job.PodcastID, tr.Tracking)
		}
		return nil
	})
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job %s: %w", id, err)
	}
	return job, nil
}

func releaseTracking(tx *bolt.Tx, jobs *bolt.Bucket, done domain.Job) error {
	status := domain.TrackingNone
	if err := jobs.ForEach(func(k, v []byte) error {
		if string(k) == done.ID {
			return nil
		}
		job, err := decodeJob(v)
		if err != nil {
			return err
		}
		if job.PodcastID != done.PodcastID {
			return nil
		}
		switch job.Status {
		case domain.JobProcessing:
			status = domain.TrackingProcessing
		case domain.JobQueued:
			if status != domain.TrackingProcessing {
				status = domain.TrackingQueued
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if status != domain.TrackingNone {
		return setTracking(tx, done.PodcastID, status)
	}

	podcasts, err := bucket(tx, podcastBucket)
	if err != nil {
		return err
	}
	raw := podcasts.Get(podcastKey(done.PodcastID))
	if raw == nil {
		return nil
	}
	var p domain.Podcast
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode podcast: %w", err)
	}
	if p.IsTracked {
		status = domain.TrackingTracked
	}
	return setTracking(tx, done.PodcastID, status)
}

// ListJobs returns jobs matching filter, newest first.
func (b *BoltStore) ListJobs(filter JobFilter) ([]domain.Job, error) {
	var out []domain.Job
	err := b.db.View(func(tx *bolt.Tx) error {
		jobs, err := bucket(tx, jobBucket)
		if err != nil {
			return err
		}
		return jobs.ForEach(func(_, v []byte) error {
			job, err := decodeJob(v)
			if err != nil {
				return err
			}
			if filter.Status != "" && job.Status != filter.Status {
				return nil
			}
			if filter.PodcastID != 0 && job.PodcastID != filter.PodcastID {
				return nil
			}
			out = append(out, job)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// JobStats counts jobs per status.
func (b *BoltStore) JobStats() (map[domain.JobStatus]int, error) {
	stats := map[domain.JobStatus]int{
		domain.JobQueued:     0,
		domain.JobProcessing: 0,
		domain.JobCompleted:  0,
		domain.JobFailed:     0,
	}
	err := b.db.View(func(tx *bolt.Tx) error {
		jobs, err := bucket(tx, jobBucket)
		if err != nil {
			return err
		}
		return jobs.ForEach(func(_, v []byte) error {
			job, err := decodeJob(v)
			if err != nil {
				return err
			}
			stats[job.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// HasOpenJob reports whether the podcast has a queued or processing job.
func (b *BoltStore) HasOpenJob(podcastID int64) (bool, error) {
	var open bool
	err := b.db.View(func(tx *bolt.Tx) error {
		jobs, err := bucket(tx, jobBucket)
		if err != nil {
			return err
		}
		c := jobs.Cursor()
		for k, v := c.First(); k != nil && !open; k, v = c.Next() {
			job, err := decodeJob(v)
			if err != nil {
				return err
			}
			open = job.PodcastID == podcastID && !job.Status.Terminal()
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("check open jobs: %w", err)
	}
	return open, nil
}

// PurgeFinished deletes terminal jobs completed before olderThan. Ledger rows are never touched.
func (b *BoltStore) PurgeFinished(olderThan time.Time) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		jobs, err := bucket(tx, jobBucket)
		if err != nil {
			return err
		}
		c := jobs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			job, err := decodeJob(v)
			if err != nil {
				return err
			}
			if !job.Status.Terminal() {
				continue
			}
			finished := job.CreatedAt
			if job.CompletedAt != nil {
				finished = *job.CompletedAt
			}
			if finished.Before(olderThan) {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", err)
	}
	return removed, nil
}

func sortForClaim(jobs []domain.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

func decodeJob(raw []byte) (domain.Job, error) {
	if raw == nil {
		return domain.Job{}, domain.ErrJobNotFound
	}
	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return domain.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}

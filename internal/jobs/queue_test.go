package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/metrics"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/storage"
	"github.com/samvad-hq/samvad-podcast-enricher/pkg/publishers"
)

type fakeFetcher struct {
	mu    sync.Mutex
	costs map[domain.Platform]float64
	errs  map[domain.Platform]error
	calls []domain.Platform
}

func (f *fakeFetcher) Fetch(_ context.Context, _ int64, platform domain.Platform) (metrics.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, platform)
	if err := f.errs[platform]; err != nil {
		return metrics.Result{}, err
	}
	return metrics.Result{Provider: "fake", Cost: f.costs[platform]}, nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []publishers.Event
}

func (r *recordingEvents) Publish(_ context.Context, evt publishers.Event) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return 1, nil
}

func (r *recordingEvents) types() []publishers.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]publishers.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func openStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "jobs.db"), storage.Options{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedPodcast(t *testing.T, store *storage.BoltStore, id int64, platforms ...domain.Platform) {
	t.Helper()
	links := make([]domain.SocialLink, 0, len(platforms))
	for _, p := range platforms {
		links = append(links, domain.SocialLink{Platform: p, ProfileURL: "https://example.com/" + string(p)})
	}
	if err := store.UpsertPodcast(domain.Podcast{ID: id, Title: "pod", SocialLinks: links}); err != nil {
		t.Fatalf("UpsertPodcast: %v", err)
	}
}

func TestEnqueueDerivesPlatformsFromLinks(t *testing.T) {
	store := openStore(t)
	seedPodcast(t, store, 1, domain.PlatformYouTube, domain.PlatformInstagram, domain.PlatformLinkedIn)
	q := NewQueue(store, &fakeFetcher{}, nil, nil, Options{})

	job, err := q.Enqueue(EnqueueRequest{PodcastID: 1, Priority: 250})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(job.Platforms) != 3 || job.Status != domain.JobQueued {
		t.Fatalf("unexpected job %#v", job)
	}
	if job.Priority != domain.MaxPriority || job.MaxAttempts != domain.DefaultMaxAttempts {
		t.Fatalf("expected clamped priority and default attempts, got %d/%d", job.Priority, job.MaxAttempts)
	}
	if math.Abs(job.EstimatedCost-0.03) > 1e-9 {
		t.Fatalf("expected estimate 0.03, got %v", job.EstimatedCost)
	}
	p, _ := store.GetPodcast(1)
	if p.TrackingStatus != domain.TrackingQueued {
		t.Fatalf("expected podcast queued, got %q", p.TrackingStatus)
	}
}

func TestEnqueueRejectsPodcastWithoutPlatforms(t *testing.T) {
	store := openStore(t)
	seedPodcast(t, store, 2)
	q := NewQueue(store, &fakeFetcher{}, nil, nil, Options{})

	if _, err := q.Enqueue(EnqueueRequest{PodcastID: 2}); !errors.Is(err, domain.ErrNoPlatforms) {
		t.Fatalf("expected ErrNoPlatforms, got %v", err)
	}
	if _, err := q.Enqueue(EnqueueRequest{PodcastID: 2, Platforms: []domain.Platform{"myspace"}}); !errors.Is(err, domain.ErrNoPlatforms) {
		t.Fatalf("expected unknown platforms to be dropped, got %v", err)
	}
	if _, err := q.Enqueue(EnqueueRequest{PodcastID: 2, Type: "weekly"}); err == nil {
		t.Fatalf("expected unknown job type to be rejected")
	}
}

func TestEnqueueRejectsUnknownExplicitPlatforms(t *testing.T) {
	store := openStore(t)
	seedPodcast(t, store, 12, domain.PlatformInstagram, domain.PlatformLinkedIn)
	q := NewQueue(store, &fakeFetcher{}, nil, nil, Options{})

	_, err := q.Enqueue(EnqueueRequest{PodcastID: 12, Platforms: []domain.Platform{"myspace"}})
	if !errors.Is(err, domain.ErrNoPlatforms) {
		t.Fatalf("expected ErrNoPlatforms, got %v", err)
	}
	if !strings.Contains(err.Error(), "myspace") {
		t.Fatalf("expected rejected platform named in %q", err)
	}
	if open, _ := store.HasOpenJob(12); open {
		t.Fatalf("no job must be created for unknown platforms")
	}
}

func TestFailingJobExhaustsAttempts(t *testing.T) {
	store := openStore(t)
	seedPodcast(t, store, 3, domain.PlatformInstagram)
	fetcher := &fakeFetcher{errs: map[domain.Platform]error{
		domain.PlatformInstagram: domain.Upstream("fake", 500, "boom"),
	}}
	events := &recordingEvents{}
	q := NewQueue(store, fetcher, events, nil, Options{})

	job, err := q.Enqueue(EnqueueRequest{PodcastID: 3})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		got, ok, err := q.ProcessNext(context.Background())
		if err != nil || !ok {
			t.Fatalf("attempt %d: ok=%v err=%v", attempt, ok, err)
		}
		if got.Attempts != attempt {
			t.Fatalf("attempt %d: recorded %d attempts", attempt, got.Attempts)
		}
		want := domain.JobQueued
		if attempt == 3 {
			want = domain.JobFailed
		}
		if got.Status != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got.Status)
		}
	}

	if _, ok, _ := q.ProcessNext(context.Background()); ok {
		t.Fatalf("failed job must not be claimed again")
	}
	final, _ := store.GetJob(job.ID)
	if final.Attempts != 3 || final.CompletedAt == nil || !strings.Contains(final.ErrorMessage, "instagram") {
		t.Fatalf("unexpected final job %#v", final)
	}
	p, _ := store.GetPodcast(3)
	if p.TrackingStatus != domain.TrackingFailed {
		t.Fatalf("expected podcast failed, got %q", p.TrackingStatus)
	}
	types := events.types()
	if len(types) != 3 || types[0] != publishers.EventJobRetrying || types[2] != publishers.EventJobFailed {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestPartialSuccessCompletesWithSucceededCost(t *testing.T) {
	store := openStore(t)
	seedPodcast(t, store, 4, domain.PlatformInstagram, domain.PlatformLinkedIn)
	fetcher := &fakeFetcher{
		costs: map[domain.Platform]float64{domain.PlatformLinkedIn: 0.02},
		errs:  map[domain.Platform]error{domain.PlatformInstagram: domain.ErrNoData},
	}
	q := NewQueue(store, fetcher, nil, nil, Options{})
	if _, err := q.Enqueue(EnqueueRequest{PodcastID: 4}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, ok, err := q.ProcessNext(context.Background())
	if err != nil || !ok {
		t.Fatalf("ProcessNext: ok=%v err=%v", ok, err)
	}
	if job.Status != domain.JobCompleted || job.ProgressPercent != 100 {
		t.Fatalf("expected completed job, got %s at %d%%", job.Status, job.ProgressPercent)
	}
	if job.ActualCost != 0.02 {
		t.Fatalf("expected actual cost of the successful fetch only, got %v", job.ActualCost)
	}
	if !strings.Contains(job.ErrorMessage, "instagram") {
		t.Fatalf("expected failed platform recorded, got %q", job.ErrorMessage)
	}
	if len(fetcher.calls) != 2 {
		t.Fatalf("expected both platforms attempted, got %v", fetcher.calls)
	}
	p, _ := store.GetPodcast(4)
	if p.TrackingStatus != domain.TrackingTracked || !p.IsTracked {
		t.Fatalf("expected podcast tracked, got %#v", p)
	}
}

func TestCancelOnlyFromQueued(t *testing.T) {
	store := openStore(t)
	seedPodcast(t, store, 5, domain.PlatformYouTube)
	seedPodcast(t, store, 6, domain.PlatformYouTube)
	q := NewQueue(store, &fakeFetcher{}, nil, nil, Options{})

	queued, _ := q.Enqueue(EnqueueRequest{PodcastID: 5})
	cancelled, err := q.Cancel(queued.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.JobFailed || cancelled.ErrorMessage != domain.CancelledMessage {
		t.Fatalf("unexpected cancelled job %#v", cancelled)
	}
	if p, _ := store.GetPodcast(5); p.TrackingStatus == domain.TrackingQueued {
		t.Fatalf("cancelled podcast must not stay queued")
	}

	done, _ := q.Enqueue(EnqueueRequest{PodcastID: 6})
	if _, _, err := q.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if _, err := q.Cancel(done.ID); !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("expected conflict cancelling a completed job, got %v", err)
	}
	after, _ := store.GetJob(done.ID)
	if after.Status != domain.JobCompleted {
		t.Fatalf("completed job must be unchanged, got %s", after.Status)
	}
	if _, err := q.Cancel("missing"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelSettlesPodcastTracking(t *testing.T) {
	store := openStore(t)
	seedPodcast(t, store, 10, domain.PlatformYouTube)
	if err := store.UpsertPodcast(domain.Podcast{
		ID:             11,
		Title:          "tracked",
		IsTracked:      true,
		TrackingStatus: domain.TrackingTracked,
		SocialLinks:    []domain.SocialLink{{Platform: domain.PlatformYouTube, ProfileURL: "https://youtube.com/@t"}},
	}); err != nil {
		t.Fatalf("UpsertPodcast: %v", err)
	}
	q := NewQueue(store, &fakeFetcher{}, nil, nil, Options{})

	fresh, _ := q.Enqueue(EnqueueRequest{PodcastID: 10})
	if _, err := q.Cancel(fresh.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if p, _ := store.GetPodcast(10); p.TrackingStatus != domain.TrackingNone {
		t.Fatalf("expected never-tracked podcast back to none, got %q", p.TrackingStatus)
	}

	first, _ := q.Enqueue(EnqueueRequest{PodcastID: 11})
	second, _ := q.Enqueue(EnqueueRequest{PodcastID: 11, Type: domain.JobTypeManualRefresh})
	if _, err := q.Cancel(first.ID); err != nil {
		t.Fatalf("Cancel first: %v", err)
	}
	if p, _ := store.GetPodcast(11); p.TrackingStatus != domain.TrackingQueued {
		t.Fatalf("expected podcast still queued behind its other job, got %q", p.TrackingStatus)
	}
	if _, err := q.Cancel(second.ID); err != nil {
		t.Fatalf("Cancel second: %v", err)
	}
	if p, _ := store.GetPodcast(11); p.TrackingStatus != domain.TrackingTracked {
		t.Fatalf("expected tracked podcast restored, got %q", p.TrackingStatus)
	}
}

func TestProcessNextRecoversJobFromCrashedWorker(t *testing.T) {
	store := openStore(t)
	seedPodcast(t, store, 13, domain.PlatformInstagram)
	q := NewQueue(store, &fakeFetcher{}, nil, nil, Options{})
	job, err := q.Enqueue(EnqueueRequest{PodcastID: 13})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// a worker claims the job and dies without finishing it
	orphan, ok, err := store.ClaimNext(time.Now())
	if err != nil || !ok || orphan.ID != job.ID {
		t.Fatalf("claim: %v ok=%v err=%v", orphan.ID, ok, err)
	}
	second, _ := q.Enqueue(EnqueueRequest{PodcastID: 13, Type: domain.JobTypeManualRefresh})
	if _, ok, _ := q.ProcessNext(context.Background()); ok {
		t.Fatalf("podcast is busy while the claim is live")
	}

	q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	got, ok, err := q.ProcessNext(context.Background())
	if err != nil || !ok {
		t.Fatalf("ProcessNext: ok=%v err=%v", ok, err)
	}
	if got.ID != job.ID || got.Status != domain.JobCompleted || got.Attempts != 2 {
		t.Fatalf("expected orphan recovered on attempt 2, got %#v", got)
	}
	next, ok, _ := q.ProcessNext(context.Background())
	if !ok || next.ID != second.ID {
		t.Fatalf("expected the podcast's next job to run, got %v ok=%v", next.ID, ok)
	}

	// the dead worker's late write must not land on the recovered job
	if _, err := q.finish(orphan, domain.JobFailed, 0, "late", domain.TrackingFailed); !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("expected stale claim rejected, got %v", err)
	}
}

func TestStaleClaimCannotFinishReclaimedJob(t *testing.T) {
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "jobs.db"), storage.Options{ClaimTimeout: time.Minute})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	seedPodcast(t, store, 14, domain.PlatformInstagram)
	q := NewQueue(store, &fakeFetcher{}, nil, nil, Options{})
	if _, err := q.Enqueue(EnqueueRequest{PodcastID: 14}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	start := time.Now()
	stale, _, _ := store.ClaimNext(start)
	current, ok, _ := store.ClaimNext(start.Add(2 * time.Minute))
	if !ok || current.Attempts != 2 {
		t.Fatalf("expected re-claim on attempt 2, got %#v", current)
	}

	if _, err := q.finish(stale, domain.JobFailed, 0, "late", domain.TrackingFailed); !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("expected stale claim rejected, got %v", err)
	}
	after, _ := store.GetJob(current.ID)
	if after.Status != domain.JobProcessing || after.Attempts != 2 {
		t.Fatalf("re-claimed job must be untouched, got %s/%d", after.Status, after.Attempts)
	}
}

func TestRetryRequeuesFailedJob(t *testing.T) {
	store := openStore(t)
	seedPodcast(t, store, 7, domain.PlatformTikTok)
	q := NewQueue(store, &fakeFetcher{}, nil, nil, Options{})

	job, _ := q.Enqueue(EnqueueRequest{PodcastID: 7})
	if _, err := q.Retry(job.ID); !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("queued job must not be retried, got %v", err)
	}
	if _, err := q.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	retried, err := q.Retry(job.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.Status != domain.JobQueued || retried.Attempts != 0 || retried.ErrorMessage != "" || retried.CompletedAt != nil {
		t.Fatalf("unexpected retried job %#v", retried)
	}
	p, _ := store.GetPodcast(7)
	if p.TrackingStatus != domain.TrackingQueued {
		t.Fatalf("expected podcast queued again, got %q", p.TrackingStatus)
	}
}

func TestRequeueWaitsForBackoff(t *testing.T) {
	store := openStore(t)
	seedPodcast(t, store, 8, domain.PlatformTwitter)
	fetcher := &fakeFetcher{errs: map[domain.Platform]error{domain.PlatformTwitter: domain.ErrRateLimited}}
	q := NewQueue(store, fetcher, nil, nil, Options{RetryBackoff: time.Hour})
	if _, err := q.Enqueue(EnqueueRequest{PodcastID: 8}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, _, err := q.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if job.Status != domain.JobQueued || !job.NextAttemptAt.After(time.Now().Add(50*time.Minute)) {
		t.Fatalf("expected delayed requeue, got %s at %v", job.Status, job.NextAttemptAt)
	}
	if _, ok, _ := q.ProcessNext(context.Background()); ok {
		t.Fatalf("job must wait for its backoff")
	}
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		base     time.Duration
		attempts int
		want     time.Duration
	}{
		{0, 3, 0},
		{time.Minute, 0, 0},
		{time.Minute, 1, time.Minute},
		{time.Minute, 2, 2 * time.Minute},
		{time.Minute, 3, 4 * time.Minute},
		{20 * time.Minute, 3, time.Hour},
		{2 * time.Hour, 1, time.Hour},
	}
	for _, tc := range cases {
		if got := Backoff(tc.base, tc.attempts); got != tc.want {
			t.Fatalf("Backoff(%v, %d) = %v, want %v", tc.base, tc.attempts, got, tc.want)
		}
	}
}

func TestPermanentFailuresSkipRetry(t *testing.T) {
	store := openStore(t)
	seedPodcast(t, store, 9, domain.PlatformLinkedIn)
	fetcher := &fakeFetcher{errs: map[domain.Platform]error{
		domain.PlatformLinkedIn: fmt.Errorf("podcast 9 linkedin: %w", domain.ErrNoLink),
	}}
	q := NewQueue(store, fetcher, nil, nil, Options{})
	if _, err := q.Enqueue(EnqueueRequest{PodcastID: 9}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, _, err := q.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if job.Status != domain.JobFailed || job.Attempts != 1 {
		t.Fatalf("expected immediate failure after one attempt, got %s/%d", job.Status, job.Attempts)
	}
}

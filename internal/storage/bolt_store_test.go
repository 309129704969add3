package storage

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "enricher.db"), Options{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func queuedJob(podcastID int64, priority int, created time.Time) domain.Job {
	return domain.Job{
		PodcastID:   podcastID,
		Type:        domain.JobTypeInitialTracking,
		Platforms:   []domain.Platform{domain.PlatformInstagram},
		Priority:    priority,
		MaxAttempts: domain.DefaultMaxAttempts,
		CreatedAt:   created,
	}
}

func TestNewStoreRequiresPath(t *testing.T) {
	if _, err := NewStore(" ", Options{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestClaimNextOrdersByPriorityThenAge(t *testing.T) {
	store := openTestStore(t)
	base := time.Now().Add(-time.Hour).UTC()

	low, _ := store.CreateJob(queuedJob(1, 10, base))
	oldHigh, _ := store.CreateJob(queuedJob(2, 50, base.Add(time.Minute)))
	newHigh, _ := store.CreateJob(queuedJob(3, 50, base.Add(2*time.Minute)))

	want := []string{oldHigh.ID, newHigh.ID, low.ID}
	for i, id := range want {
		job, ok, err := store.ClaimNext(time.Now())
		if err != nil || !ok {
			t.Fatalf("claim %d: ok=%v err=%v", i, ok, err)
		}
		if job.ID != id {
			t.Fatalf("claim %d: expected %s, got %s", i, id, job.ID)
		}
		if job.Status != domain.JobProcessing || job.Attempts != 1 || job.StartedAt == nil {
			t.Fatalf("claim %d: unexpected claimed state %#v", i, job)
		}
	}
	if _, ok, _ := store.ClaimNext(time.Now()); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestClaimNextSkipsBusyPodcastAndFutureAttempts(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC()

	first, _ := store.CreateJob(queuedJob(7, 0, now.Add(-2*time.Minute)))
	second, _ := store.CreateJob(queuedJob(7, 0, now.Add(-time.Minute)))
	delayed := queuedJob(8, 0, now.Add(-time.Minute))
	delayed.NextAttemptAt = now.Add(time.Hour)
	if _, err := store.CreateJob(delayed); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	job, ok, err := store.ClaimNext(now)
	if err != nil || !ok || job.ID != first.ID {
		t.Fatalf("expected first job claimed, got %v ok=%v err=%v", job.ID, ok, err)
	}
	if _, ok, _ := store.ClaimNext(now); ok {
		t.Fatalf("podcast 7 already has a processing job and podcast 8 is not due")
	}

	if _, err := store.UpdateJob(first.ID, Transition{
		Expect: domain.JobProcessing,
		Apply:  func(j *domain.Job) error { j.Status = domain.JobCompleted; return nil },
	}); err != nil {
		t.Fatalf("complete first job: %v", err)
	}
	job, ok, _ = store.ClaimNext(now)
	if !ok || job.ID != second.ID {
		t.Fatalf("expected second job once podcast is free, got %v", job.ID)
	}
}

func TestClaimNextFailsExhaustedJob(t *testing.T) {
	store := openTestStore(t)
	if err := store.UpsertPodcast(domain.Podcast{ID: 4, Title: "Show"}); err != nil {
		t.Fatalf("UpsertPodcast: %v", err)
	}
	job := queuedJob(4, 0, time.Now().Add(-time.Minute))
	job.Attempts = 3
	created, _ := store.CreateJob(job)

	got, ok, err := store.ClaimNext(time.Now())
	if err != nil || !ok {
		t.Fatalf("ClaimNext: ok=%v err=%v", ok, err)
	}
	if got.ID != created.ID || got.Status != domain.JobFailed || got.ErrorMessage != domain.ExhaustedMessage || got.Attempts != 3 {
		t.Fatalf("expected exhausted job to fail, got %#v", got)
	}
	p, _ := store.GetPodcast(4)
	if p.TrackingStatus != domain.TrackingFailed {
		t.Fatalf("expected podcast failed, got %q", p.TrackingStatus)
	}
}

func TestClaimNextRecoversExpiredClaim(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "enricher.db"), Options{ClaimTimeout: 10 * time.Minute})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	if err := store.UpsertPodcast(domain.Podcast{ID: 5, Title: "Show"}); err != nil {
		t.Fatalf("UpsertPodcast: %v", err)
	}
	start := time.Now().UTC()
	created, _ := store.CreateJob(queuedJob(5, 0, start.Add(-time.Minute)))

	if _, ok, _ := store.ClaimNext(start); !ok {
		t.Fatalf("expected first claim")
	}
	// the worker holding the claim never reports back
	if _, ok, _ := store.ClaimNext(start.Add(5 * time.Minute)); ok {
		t.Fatalf("claim is still live and must keep the job")
	}

	got, ok, err := store.ClaimNext(start.Add(11 * time.Minute))
	if err != nil || !ok {
		t.Fatalf("expected expired claim to be recovered, ok=%v err=%v", ok, err)
	}
	if got.ID != created.ID || got.Status != domain.JobProcessing || got.Attempts != 2 {
		t.Fatalf("expected job re-claimed on attempt 2, got %#v", got)
	}
	if got.ErrorMessage != domain.ClaimExpiredMessage {
		t.Fatalf("expected expiry recorded, got %q", got.ErrorMessage)
	}
	p, _ := store.GetPodcast(5)
	if p.TrackingStatus != domain.TrackingProcessing {
		t.Fatalf("expected podcast processing, got %q", p.TrackingStatus)
	}
}

func TestClaimNextFailsExpiredClaimWithoutAttempts(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "enricher.db"), Options{ClaimTimeout: time.Minute})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	if err := store.UpsertPodcast(domain.Podcast{ID: 6, Title: "Show"}); err != nil {
		t.Fatalf("UpsertPodcast: %v", err)
	}
	start := time.Now().UTC()
	job := queuedJob(6, 0, start.Add(-time.Minute))
	job.MaxAttempts = 1
	created, _ := store.CreateJob(job)
	other, _ := store.CreateJob(queuedJob(6, 0, start))

	if _, ok, _ := store.ClaimNext(start); !ok {
		t.Fatalf("expected first claim")
	}

	got, ok, err := store.ClaimNext(start.Add(2 * time.Minute))
	if err != nil || !ok {
		t.Fatalf("ClaimNext: ok=%v err=%v", ok, err)
	}
	if got.ID != created.ID || got.Status != domain.JobFailed || got.ErrorMessage != domain.ExhaustedMessage {
		t.Fatalf("expected exhausted orphan to fail, got %#v", got)
	}

	next, ok, _ := store.ClaimNext(start.Add(2 * time.Minute))
	if !ok || next.ID != other.ID {
		t.Fatalf("expected podcast to be free for its next job, got %v ok=%v", next.ID, ok)
	}
}

func TestClaimNextIsExclusiveUnderConcurrency(t *testing.T) {
	store := openTestStore(t)
	for i := int64(1); i <= 5; i++ {
		if _, err := store.CreateJob(queuedJob(i, 0, time.Now().Add(-time.Minute))); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok, err := store.ClaimNext(time.Now())
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 5 {
		t.Fatalf("expected 5 distinct claims, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestUpdateJobCompareAndSwap(t *testing.T) {
	store := openTestStore(t)
	job, _ := store.CreateJob(queuedJob(1, 0, time.Now()))

	_, err := store.UpdateJob(job.ID, Transition{Expect: domain.JobProcessing})
	if !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("expected status conflict, got %v", err)
	}
	_, err = store.UpdateJob("missing", Transition{Expect: domain.JobQueued})
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	updated, err := store.UpdateJob(job.ID, Transition{
		Expect: domain.JobQueued,
		Apply:  func(j *domain.Job) error { j.Priority = 99; return nil },
	})
	if err != nil || updated.Priority != 99 {
		t.Fatalf("expected update applied, got %#v err=%v", updated, err)
	}
}

func TestSaveFetchWritesRecordAndCostTogether(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC()

	older := domain.NewMetricRecord(9, domain.PlatformTikTok, domain.NormalizedMetrics{Followers: 10, Provider: "a", Cost: 0.01}, now.Add(-48*time.Hour), 0)
	newer := domain.NewMetricRecord(9, domain.PlatformTikTok, domain.NormalizedMetrics{Followers: 20, Provider: "a", Cost: 0.01}, now, 0)
	yt := domain.NewMetricRecord(9, domain.PlatformYouTube, domain.NormalizedMetrics{Followers: 5, Provider: "youtube"}, now, 0)

	for _, rec := range []domain.MetricRecord{older, newer, yt} {
		entry := domain.CostLogEntry{EntityID: 9, ActionType: domain.ActionFetchMetrics, Platform: rec.Platform, CostUSD: rec.CostUSD, Provider: rec.Provider, Success: true}
		if _, err := store.SaveFetch(rec, entry); err != nil {
			t.Fatalf("SaveFetch: %v", err)
		}
	}

	latest, ok, err := store.Latest(9, domain.PlatformTikTok)
	if err != nil || !ok || latest.Followers != 20 {
		t.Fatalf("expected newest tiktok record, got %#v ok=%v err=%v", latest, ok, err)
	}
	all, err := store.LatestForPodcast(9)
	if err != nil || len(all) != 2 || all[domain.PlatformTikTok].Followers != 20 {
		t.Fatalf("unexpected latest-for-podcast %#v err=%v", all, err)
	}
	if _, ok, _ := store.Latest(90, domain.PlatformTikTok); ok {
		t.Fatalf("podcast 90 must not match podcast 9 records")
	}

	costs, err := store.ListCosts(time.Time{})
	if err != nil || len(costs) != 3 {
		t.Fatalf("expected 3 ledger rows, got %d err=%v", len(costs), err)
	}
	if costs[1].Metadata["metrics_id"] == "" || costs[0].ID >= costs[1].ID {
		t.Fatalf("expected sequential ids linked to records, got %#v", costs)
	}
}

func TestSummaryByPeriod(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC()
	entries := []domain.CostLogEntry{
		{Platform: domain.PlatformInstagram, Provider: "apify", CostUSD: 0.5, Success: true, LoggedAt: now.Add(-time.Hour)},
		{Platform: domain.PlatformLinkedIn, Provider: "scrapecreators", CostUSD: 0.25, Success: true, LoggedAt: now.Add(-3 * 24 * time.Hour)},
		{Platform: domain.PlatformLinkedIn, Provider: "scrapecreators", CostUSD: 1, Success: false, LoggedAt: now.Add(-40 * 24 * time.Hour)},
	}
	for _, e := range entries {
		if _, err := store.AppendCost(e); err != nil {
			t.Fatalf("AppendCost: %v", err)
		}
	}

	day, _ := store.Summary(PeriodDay, now)
	if day.Entries != 1 || day.TotalUSD != 0.5 {
		t.Fatalf("unexpected day summary %#v", day)
	}
	week, _ := store.Summary(PeriodWeek, now)
	if week.Entries != 2 || week.ByPlatform[domain.PlatformLinkedIn] != 0.25 {
		t.Fatalf("unexpected week summary %#v", week)
	}
	all, _ := store.Summary(PeriodAll, now)
	if all.Entries != 3 || all.Failures != 1 || all.ByProvider["scrapecreators"] != 1.25 {
		t.Fatalf("unexpected all-time summary %#v", all)
	}
	if _, err := ParsePeriod("fortnight"); err == nil {
		t.Fatalf("expected unknown period error")
	}
}

func TestPurgeFinishedKeepsOpenJobsAndLedger(t *testing.T) {
	store := openTestStore(t)
	old := time.Now().Add(-72 * time.Hour)

	done, _ := store.CreateJob(queuedJob(1, 0, old))
	if _, err := store.UpdateJob(done.ID, Transition{Expect: domain.JobQueued, Apply: func(j *domain.Job) error {
		j.Status = domain.JobCompleted
		j.CompletedAt = &old
		return nil
	}}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	open, _ := store.CreateJob(queuedJob(2, 0, old))
	if _, err := store.AppendCost(domain.CostLogEntry{CostUSD: 1, Success: true}); err != nil {
		t.Fatalf("AppendCost: %v", err)
	}

	n, err := store.PurgeFinished(time.Now().Add(-24 * time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged job, got %d err=%v", n, err)
	}
	if _, err := store.GetJob(done.ID); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("expected finished job removed, got %v", err)
	}
	if _, err := store.GetJob(open.ID); err != nil {
		t.Fatalf("open job must survive purge: %v", err)
	}
	if costs, _ := store.ListCosts(time.Time{}); len(costs) != 1 {
		t.Fatalf("ledger must survive purge")
	}
}

func TestPodcastTrackingAndSettings(t *testing.T) {
	store := openTestStore(t)
	links := []domain.SocialLink{{Platform: domain.PlatformYouTube, ProfileURL: "https://youtube.com/@show"}}
	if err := store.UpsertPodcast(domain.Podcast{ID: 3, Title: "Show", SocialLinks: links}); err != nil {
		t.Fatalf("UpsertPodcast: %v", err)
	}
	if err := store.SetTrackingStatus(3, domain.TrackingTracked); err != nil {
		t.Fatalf("SetTrackingStatus: %v", err)
	}
	if err := store.UpsertPodcast(domain.Podcast{ID: 3, Title: "Show v2", SocialLinks: links}); err != nil {
		t.Fatalf("UpsertPodcast: %v", err)
	}

	p, err := store.GetPodcast(3)
	if err != nil || p.Title != "Show v2" || p.TrackingStatus != domain.TrackingTracked || !p.IsTracked {
		t.Fatalf("expected tracking preserved across upsert, got %#v err=%v", p, err)
	}
	tracked, _ := store.ListTracked()
	if len(tracked) != 1 {
		t.Fatalf("expected one tracked podcast, got %d", len(tracked))
	}
	if _, err := store.GetSocialLinks(404); !errors.Is(err, domain.ErrPodcastNotFound) {
		t.Fatalf("expected podcast not found, got %v", err)
	}

	if err := store.PutSetting("YouTube_API_Key", "abc"); err != nil {
		t.Fatalf("PutSetting: %v", err)
	}
	if v, ok := store.GetSetting("youtube_api_key"); !ok || v != "abc" {
		t.Fatalf("expected setting, got %q %v", v, ok)
	}
	_ = store.PutSetting("youtube_api_key", "")
	if _, ok := store.GetSetting("youtube_api_key"); ok {
		t.Fatalf("expected empty value to delete setting")
	}
}

func TestMaybeCleanupRespectsCadence(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "c.db"), Options{JobRetention: time.Hour, CleanupInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	old := time.Now().Add(-3 * time.Hour)
	job, _ := store.CreateJob(queuedJob(1, 0, old))
	_, _ = store.UpdateJob(job.ID, Transition{Apply: func(j *domain.Job) error {
		j.Status = domain.JobFailed
		j.CompletedAt = &old
		return nil
	}})

	if n, _ := store.MaybeCleanup(time.Now()); n != 0 {
		t.Fatalf("cleanup ran before its interval")
	}
	store.lastCleanup.Store(time.Now().Add(-2 * time.Hour).Unix())
	if n, err := store.MaybeCleanup(time.Now()); err != nil || n != 1 {
		t.Fatalf("expected one purged job, got %d err=%v", n, err)
	}
}

package enrichment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
	"github.com/samvad-hq/samvad-podcast-enricher/pkg/providers"
)

// fakeProvider records calls and returns a preset outcome.
type fakeProvider struct {
	name       string
	configured bool
	platforms  []domain.Platform
	cost       float64
	err        error
	validErr   error

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) SupportsPlatform(p domain.Platform) bool {
	for _, s := range f.platforms {
		if s == p {
			return true
		}
	}
	return false
}
func (f *fakeProvider) IsConfigured() bool { return f.configured }
func (f *fakeProvider) FetchMetrics(_ context.Context, platform domain.Platform, _, _ string) (domain.NormalizedMetrics, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return domain.NormalizedMetrics{}, f.err
	}
	return domain.NormalizedMetrics{Followers: 100, Provider: f.name, Cost: f.cost}, nil
}
func (f *fakeProvider) BatchFetch(ctx context.Context, platform domain.Platform, refs []domain.ProfileRef) (providers.BatchResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return providers.BatchResult{}, f.err
	}
	res := providers.BatchResult{Results: map[string]domain.NormalizedMetrics{}, Errors: map[string]string{}}
	for _, r := range refs {
		res.Results[r.URL] = domain.NormalizedMetrics{Provider: f.name, Cost: f.cost}
		res.TotalCost += f.cost
	}
	return res, nil
}
func (f *fakeProvider) CostPerProfile(domain.Platform) float64    { return f.cost }
func (f *fakeProvider) ValidateCredentials(context.Context) error { return f.validErr }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingObserver collects attempt signals.
type recordingObserver struct {
	mu        sync.Mutex
	succeeded []string
	failed    []string
}

func (r *recordingObserver) ProviderSucceeded(_ context.Context, provider string, _ domain.Platform, _ domain.NormalizedMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.succeeded = append(r.succeeded, provider)
}

func (r *recordingObserver) ProviderFailed(_ context.Context, provider string, _ domain.Platform, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, provider)
}

var ig = []domain.Platform{domain.PlatformInstagram}

func TestFetchMetricsFallsBackInPriorityOrder(t *testing.T) {
	a := &fakeProvider{name: "a", configured: true, platforms: ig, cost: 0.01, err: domain.Upstream("a", 500, "boom")}
	b := &fakeProvider{name: "b", configured: true, platforms: ig, cost: 0.02}
	c := &fakeProvider{name: "c", configured: false, platforms: ig, cost: 0.001}
	obs := &recordingObserver{}

	m := NewManager(providers.NewRegistry(a, b, c), map[domain.Platform][]string{
		domain.PlatformInstagram: {"a", "b", "c"},
	}, obs, nil)

	res, err := m.FetchMetrics(context.Background(), domain.PlatformInstagram, domain.ProfileRef{URL: "https://instagram.com/x"}, "")
	if err != nil {
		t.Fatalf("FetchMetrics: %v", err)
	}
	if res.Provider != "b" {
		t.Fatalf("expected result from b, got %q", res.Provider)
	}
	if a.callCount() != 1 || b.callCount() != 1 || c.callCount() != 0 {
		t.Fatalf("unexpected calls a=%d b=%d c=%d", a.callCount(), b.callCount(), c.callCount())
	}
	if len(obs.failed) != 1 || obs.failed[0] != "a" || len(obs.succeeded) != 1 || obs.succeeded[0] != "b" {
		t.Fatalf("unexpected signals %+v", obs)
	}
}

func TestFetchMetricsPreferredProviderIsTriedAlone(t *testing.T) {
	a := &fakeProvider{name: "a", configured: true, platforms: ig}
	b := &fakeProvider{name: "b", configured: true, platforms: ig, err: domain.ErrNoData}
	m := NewManager(providers.NewRegistry(a, b), map[domain.Platform][]string{
		domain.PlatformInstagram: {"a", "b"},
	}, nil, nil)

	_, err := m.FetchMetrics(context.Background(), domain.PlatformInstagram, domain.ProfileRef{URL: "u"}, "b")
	if !errors.Is(err, domain.ErrNoData) {
		t.Fatalf("expected preferred provider error returned, got %v", err)
	}
	if b.callCount() != 1 || a.callCount() != 0 {
		t.Fatalf("priority list must not be consulted: a=%d b=%d", a.callCount(), b.callCount())
	}

	b.err = nil
	res, err := m.FetchMetrics(context.Background(), domain.PlatformInstagram, domain.ProfileRef{URL: "u"}, "B")
	if err != nil || res.Provider != "b" || a.callCount() != 0 {
		t.Fatalf("expected preferred success, got %#v err=%v", res, err)
	}
}

func TestFetchMetricsIneligiblePreferredUsesChain(t *testing.T) {
	a := &fakeProvider{name: "a", configured: true, platforms: ig}
	off := &fakeProvider{name: "off", configured: false, platforms: ig}
	m := NewManager(providers.NewRegistry(a, off), nil, nil, nil)

	res, err := m.FetchMetrics(context.Background(), domain.PlatformInstagram, domain.ProfileRef{URL: "u"}, "off")
	if err != nil || res.Provider != "a" {
		t.Fatalf("expected fallback to registered providers, got %#v err=%v", res, err)
	}
	if off.callCount() != 0 {
		t.Fatalf("unconfigured provider was invoked")
	}
}

func TestFetchMetricsReturnsLastError(t *testing.T) {
	a := &fakeProvider{name: "a", configured: true, platforms: ig, err: domain.ErrNoData}
	b := &fakeProvider{name: "b", configured: true, platforms: ig, err: domain.Upstream("b", 429, "slow down")}
	m := NewManager(providers.NewRegistry(a, b), map[domain.Platform][]string{
		domain.PlatformInstagram: {"a", "missing", "b"},
	}, nil, nil)

	_, err := m.FetchMetrics(context.Background(), domain.PlatformInstagram, domain.ProfileRef{URL: "u"}, "")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected last error (rate limited), got %v", err)
	}
}

func TestFetchMetricsNoEligibleProvider(t *testing.T) {
	a := &fakeProvider{name: "a", configured: false, platforms: ig}
	yt := &fakeProvider{name: "yt", configured: true, platforms: []domain.Platform{domain.PlatformYouTube}}
	m := NewManager(providers.NewRegistry(a, yt), nil, nil, nil)

	_, err := m.FetchMetrics(context.Background(), domain.PlatformInstagram, domain.ProfileRef{URL: "u"}, "")
	if !errors.Is(err, domain.ErrNoProviderAvailable) {
		t.Fatalf("expected no provider available, got %v", err)
	}
	if a.callCount() != 0 || yt.callCount() != 0 {
		t.Fatalf("ineligible providers must not be called")
	}
}

func TestBatchFetchFallsBackOnWholeBatchFailure(t *testing.T) {
	a := &fakeProvider{name: "a", configured: true, platforms: ig, err: domain.ErrTimeout}
	b := &fakeProvider{name: "b", configured: true, platforms: ig, cost: 0.5}
	m := NewManager(providers.NewRegistry(a, b), map[domain.Platform][]string{
		domain.PlatformInstagram: {"a", "b"},
	}, nil, nil)

	res, err := m.BatchFetch(context.Background(), domain.PlatformInstagram, []domain.ProfileRef{{URL: "1"}, {URL: "2"}}, "")
	if err != nil {
		t.Fatalf("BatchFetch: %v", err)
	}
	if len(res.Results) != 2 || res.TotalCost != 1 {
		t.Fatalf("unexpected batch result %#v", res)
	}
}

func TestEstimateCostRecommendsCheapestConfigured(t *testing.T) {
	cheap := &fakeProvider{name: "cheap", configured: false, platforms: ig, cost: 0.125}
	mid := &fakeProvider{name: "mid", configured: true, platforms: ig, cost: 0.25}
	pricey := &fakeProvider{name: "pricey", configured: true, platforms: ig, cost: 0.5}
	m := NewManager(providers.NewRegistry(cheap, mid, pricey), nil, nil, nil)

	est := m.EstimateCost(domain.PlatformInstagram, 10, "")
	if len(est.Options) != 3 {
		t.Fatalf("expected 3 options, got %d", len(est.Options))
	}
	if est.Recommended == nil || est.Recommended.Provider != "mid" {
		t.Fatalf("expected mid recommended, got %#v", est.Recommended)
	}
	if est.Recommended.TotalCost != 2.5 {
		t.Fatalf("expected total 2.5, got %v", est.Recommended.TotalCost)
	}

	only := m.EstimateCost(domain.PlatformInstagram, 2, "cheap")
	if len(only.Options) != 1 || only.Recommended != nil {
		t.Fatalf("unconfigured provider must never be recommended: %#v", only)
	}
}

func TestValidateAllCredentials(t *testing.T) {
	m := NewManager(providers.NewRegistry(
		&fakeProvider{name: "ok", configured: true},
		&fakeProvider{name: "bad", configured: true, validErr: errors.New("401")},
		&fakeProvider{name: "none"},
	), nil, nil, nil)

	got := map[string]string{}
	for _, st := range m.ValidateAllCredentials(context.Background()) {
		got[st.Provider] = st.Status
	}
	want := map[string]string{"ok": CredentialValid, "bad": CredentialInvalid, "none": CredentialNotConfigured}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("provider %s: expected %s, got %s", k, v, got[k])
		}
	}
}

func TestSetPriorityReplacesTable(t *testing.T) {
	m := NewManager(nil, map[domain.Platform][]string{domain.PlatformTikTok: {"a"}}, nil, nil)
	m.SetPriority(domain.PlatformTikTok, []string{" b ", "", "a"})
	if got := m.Priorities()[domain.PlatformTikTok]; len(got) != 2 || got[0] != "b" {
		t.Fatalf("unexpected priorities %v", got)
	}
	m.SetPriority(domain.PlatformTikTok, nil)
	if _, ok := m.Priorities()[domain.PlatformTikTok]; ok {
		t.Fatalf("expected empty list to clear the platform entry")
	}
}

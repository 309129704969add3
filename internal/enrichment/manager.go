package enrichment

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/logger"
	"github.com/samvad-hq/samvad-podcast-enricher/pkg/providers"
)

// Observer receives a signal for every provider attempt the Manager makes.
type Observer interface {
	ProviderSucceeded(ctx context.Context, provider string, platform domain.Platform, m domain.NormalizedMetrics)
	ProviderFailed(ctx context.Context, provider string, platform domain.Platform, err error)
}

// Manager resolves a platform request to one provider result using a
// priority-ordered fallback chain.
type Manager struct {
	registry *providers.Registry
	observer Observer
	log      logger.Logger

	mu         sync.RWMutex
	priorities map[domain.Platform][]string
}

// NewManager builds a Manager over reg. priorities may be nil; platforms
// without an explicit list fall back to every registered provider.
func NewManager(reg *providers.Registry, priorities map[domain.Platform][]string, observer Observer, log logger.Logger) *Manager {
	if reg == nil {
		reg = providers.NewRegistry()
	}
	m := &Manager{
		registry:   reg,
		observer:   observer,
		log:        logger.Ensure(log),
		priorities: make(map[domain.Platform][]string, len(priorities)),
	}
	for platform, names := range priorities {
		m.SetPriority(platform, names)
	}
	return m
}

// Registry returns the provider registry the Manager routes over.
func (m *Manager) Registry() *providers.Registry {
	return m.registry
}

// SetPriority replaces the provider order for platform. An empty list
// restores the all-registered fallback.
func (m *Manager) SetPriority(platform domain.Platform, names []string) {
	cleaned := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			cleaned = append(cleaned, n)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(cleaned) == 0 {
		delete(m.priorities, platform)
		return
	}
	m.priorities[platform] = cleaned
}

// Priorities returns a copy of the current priority table.
func (m *Manager) Priorities() map[domain.Platform][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.Platform][]string, len(m.priorities))
	for k, v := range m.priorities {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (m *Manager) candidateNames(platform domain.Platform) []string {
	m.mu.RLock()
	names := append([]string(nil), m.priorities[platform]...)
	m.mu.RUnlock()
	if len(names) == 0 {
		return m.registry.Names()
	}
	return names
}

// eligible returns the registered, configured provider for name if it supports platform.
func (m *Manager) eligible(name string, platform domain.Platform) (providers.Provider, bool) {
	p, ok := m.registry.Get(name)
	if !ok || !p.IsConfigured() || !p.SupportsPlatform(platform) {
		return nil, false
	}
	return p, true
}

// FetchMetrics returns the first successful result in the fallback chain. An
// eligible preferred provider is tried alone and its outcome returned as is.
func (m *Manager) FetchMetrics(ctx context.Context, platform domain.Platform, ref domain.ProfileRef, preferred string) (domain.NormalizedMetrics, error) {
	if preferred = strings.TrimSpace(preferred); preferred != "" {
		if p, ok := m.eligible(preferred, platform); ok {
			return m.attempt(ctx, p, platform, ref)
		}
		m.log.DebugObj("preferred provider not eligible", "provider_skip", map[string]any{
			"provider": preferred,
			"platform": platform,
		})
	}

	var lastErr error
	for _, name := range m.candidateNames(platform) {
		p, ok := m.eligible(name, platform)
		if !ok {
			continue
		}
		res, err := m.attempt(ctx, p, platform, ref)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr != nil {
		return domain.NormalizedMetrics{}, lastErr
	}
	return domain.NormalizedMetrics{}, fmt.Errorf("%w for %s", domain.ErrNoProviderAvailable, platform)
}

func (m *Manager) attempt(ctx context.Context, p providers.Provider, platform domain.Platform, ref domain.ProfileRef) (domain.NormalizedMetrics, error) {
	res, err := p.FetchMetrics(ctx, platform, ref.URL, ref.Handle)
	if err != nil {
		m.log.WarnObj("provider fetch failed", "provider_error", map[string]any{
			"provider": p.Name(),
			"platform": platform,
			"error":    err.Error(),
		})
		if m.observer != nil {
			m.observer.ProviderFailed(ctx, p.Name(), platform, err)
		}
		return domain.NormalizedMetrics{}, err
	}

	m.log.InfoObj("provider fetch succeeded", "provider_result", map[string]any{
		"provider":  p.Name(),
		"platform":  platform,
		"followers": res.Followers,
		"cost":      res.Cost,
	})
	if m.observer != nil {
		m.observer.ProviderSucceeded(ctx, p.Name(), platform, res)
	}
	return res, nil
}

// BatchFetch picks a provider like FetchMetrics and delegates the whole batch
// to it. Per-profile failures stay inside the result; only a failure of the
// whole call moves on to the next provider.
func (m *Manager) BatchFetch(ctx context.Context, platform domain.Platform, refs []domain.ProfileRef, preferred string) (providers.BatchResult, error) {
	if preferred = strings.TrimSpace(preferred); preferred != "" {
		if p, ok := m.eligible(preferred, platform); ok {
			return p.BatchFetch(ctx, platform, refs)
		}
	}

	var lastErr error
	for _, name := range m.candidateNames(platform) {
		p, ok := m.eligible(name, platform)
		if !ok {
			continue
		}
		res, err := p.BatchFetch(ctx, platform, refs)
		if err == nil {
			m.log.InfoObj("provider batch completed", "provider_batch", map[string]any{
				"provider":   p.Name(),
				"platform":   platform,
				"requested":  len(refs),
				"succeeded":  len(res.Results),
				"failed":     len(res.Errors),
				"total_cost": res.TotalCost,
			})
			return res, nil
		}
		lastErr = err
		if m.observer != nil {
			m.observer.ProviderFailed(ctx, p.Name(), platform, err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr != nil {
		return providers.BatchResult{}, lastErr
	}
	return providers.BatchResult{}, fmt.Errorf("%w for %s", domain.ErrNoProviderAvailable, platform)
}

// CostOption is one provider's price for a request.
type CostOption struct {
	Provider       string  `json:"provider"`
	CostPerProfile float64 `json:"cost_per_profile"`
	TotalCost      float64 `json:"total_cost"`
	Configured     bool    `json:"configured"`
}

// CostEstimate lists every supporting provider and the cheapest configured one.
type CostEstimate struct {
	Platform    domain.Platform `json:"platform"`
	Count       int             `json:"count"`
	Options     []CostOption    `json:"options"`
	Recommended *CostOption     `json:"recommended,omitempty"`
}

// EstimateCost prices count profiles on platform. When provider is set only
// that provider is considered. Unconfigured providers are listed but never
// recommended.
func (m *Manager) EstimateCost(platform domain.Platform, count int, provider string) CostEstimate {
	if count < 0 {
		count = 0
	}
	est := CostEstimate{Platform: platform, Count: count}

	names := m.candidateNames(platform)
	if provider = strings.TrimSpace(provider); provider != "" {
		names = []string{provider}
	}

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		p, ok := m.registry.Get(name)
		if !ok || !p.SupportsPlatform(platform) || seen[p.Name()] {
			continue
		}
		seen[p.Name()] = true
		per := p.CostPerProfile(platform)
		est.Options = append(est.Options, CostOption{
			Provider:       p.Name(),
			CostPerProfile: per,
			TotalCost:      per * float64(count),
			Configured:     p.IsConfigured(),
		})
	}

	for i := range est.Options {
		opt := est.Options[i]
		if !opt.Configured {
			continue
		}
		if est.Recommended == nil || opt.CostPerProfile < est.Recommended.CostPerProfile {
			est.Recommended = &opt
		}
	}
	return est
}

// Credential states reported by ValidateAllCredentials.
const (
	CredentialNotConfigured = "not_configured"
	CredentialInvalid       = "invalid"
	CredentialValid         = "valid"
)

// CredentialStatus is the health of one provider's credentials.
type CredentialStatus struct {
	Provider string `json:"provider"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// ValidateAllCredentials checks every registered provider. It is a health
// view only; routing never calls it.
func (m *Manager) ValidateAllCredentials(ctx context.Context) []CredentialStatus {
	all := m.registry.All()
	out := make([]CredentialStatus, 0, len(all))
	for _, p := range all {
		st := CredentialStatus{Provider: p.Name()}
		switch {
		case !p.IsConfigured():
			st.Status = CredentialNotConfigured
		default:
			if err := p.ValidateCredentials(ctx); err != nil {
				st.Status = CredentialInvalid
				st.Error = err.Error()
			} else {
				st.Status = CredentialValid
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samvad-hq/samvad-podcast-enricher/pkg/httpclient"
)

// Registry holds providers by unique name.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Provider
}

// NewRegistry builds a registry seeded with providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{byName: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds p, replacing any provider previously registered under the same name.
func (r *Registry) Register(p Provider) {
	if r == nil || p == nil {
		return
	}
	key := normalizeName(p.Name())
	if key == "" {
		return
	}

	r.mu.Lock()
	r.byName[key] = p
	r.mu.Unlock()
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[normalizeName(name)]
	return p, ok
}

// All returns every registered provider ordered by name.
func (r *Registry) All() []Provider {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]Provider, 0, len(r.byName))
	for _, p := range r.byName {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns registered provider names ordered alphabetically.
func (r *Registry) Names() []string {
	all := r.All()
	out := make([]string, 0, len(all))
	for _, p := range all {
		out = append(out, p.Name())
	}
	return out
}

// Configured returns providers whose credentials are present.
func (r *Registry) Configured() []Provider {
	all := r.All()
	out := make([]Provider, 0, len(all))
	for _, p := range all {
		if p.IsConfigured() {
			out = append(out, p)
		}
	}
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Builder creates a Provider from a config entry.
type Builder func(cfg ProviderConfig, settings SettingsReader, client HTTPClient) (Provider, error)

// DefaultBuilders wires up known provider types.
func DefaultBuilders() map[string]Builder {
	return map[string]Builder{
		TypeScrapeCreators: func(cfg ProviderConfig, s SettingsReader, c HTTPClient) (Provider, error) {
			return NewScrapeCreators(cfg, s, c), nil
		},
		TypeApify: func(cfg ProviderConfig, s SettingsReader, c HTTPClient) (Provider, error) {
			return NewApify(cfg, s, c), nil
		},
		TypeYouTube: func(cfg ProviderConfig, s SettingsReader, _ HTTPClient) (Provider, error) {
			return NewYouTube(cfg, s), nil
		},
		TypePageScraper: func(cfg ProviderConfig, _ SettingsReader, c HTTPClient) (Provider, error) {
			return NewPageScraper(cfg, c), nil
		},
	}
}

// BuildRegistry instantiates every enabled provider in fc. A nil client means
// each provider gets a resty client sized to its own timeout.
func BuildRegistry(fc FileConfig, settings SettingsReader, client HTTPClient, builders map[string]Builder) (*Registry, error) {
	if builders == nil {
		builders = DefaultBuilders()
	}
	reg := NewRegistry()
	for _, cfg := range fc.Providers {
		if !cfg.EnabledValue() {
			continue
		}
		build, ok := builders[cfg.Type]
		if !ok {
			return nil, fmt.Errorf("no provider builder registered for type %q", cfg.Type)
		}
		c := client
		if c == nil {
			c = DefaultHTTPClient(cfg.Timeout())
		}
		p, err := build(cfg, settings, c)
		if err != nil {
			return nil, fmt.Errorf("build provider %q: %w", cfg.Name, err)
		}
		reg.Register(p)
	}
	return reg, nil
}

// DefaultHTTPClient returns a resty-backed client for provider calls.
func DefaultHTTPClient(timeout time.Duration) HTTPClient {
	if timeout <= 0 {
		timeout = time.Duration(defaultTimeoutSeconds) * time.Second
	}
	return httpclient.NewRestyClient(timeout)
}

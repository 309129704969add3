package providers

import (
	"context"
	"strings"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
	"github.com/samvad-hq/samvad-podcast-enricher/pkg/httpclient"
)

// Provider adapts one external enrichment service to NormalizedMetrics.
// Concrete implementations live in provider-specific files (e.g., apify.go).
type Provider interface {
	Name() string
	SupportsPlatform(platform domain.Platform) bool
	// IsConfigured reports whether the required credential is present. It does
	// not touch the network.
	IsConfigured() bool
	FetchMetrics(ctx context.Context, platform domain.Platform, profileURL, handle string) (domain.NormalizedMetrics, error)
	BatchFetch(ctx context.Context, platform domain.Platform, profiles []domain.ProfileRef) (BatchResult, error)
	CostPerProfile(platform domain.Platform) float64
	// ValidateCredentials performs a network round-trip proving the credential works.
	ValidateCredentials(ctx context.Context) error
}

// BatchResult aggregates a multi-profile fetch keyed by BatchKey.
type BatchResult struct {
	Results   map[string]domain.NormalizedMetrics `json:"results"`
	TotalCost float64                             `json:"total_cost"`
	Errors    map[string]string                   `json:"errors"`
}

// BatchKey is the map key for ref in a BatchResult: its URL, or its handle
// when the URL is blank.
func BatchKey(ref domain.ProfileRef) string {
	if u := strings.TrimSpace(ref.URL); u != "" {
		return u
	}
	return strings.TrimSpace(ref.Handle)
}

func newBatchResult(n int) BatchResult {
	return BatchResult{
		Results: make(map[string]domain.NormalizedMetrics, n),
		Errors:  make(map[string]string),
	}
}

// SettingsReader resolves credentials by key. Providers read through it on every call.
type SettingsReader interface {
	GetSetting(key string) (string, bool)
}

// StaticSettings is a map-backed SettingsReader, handy for tests and CLI overrides.
type StaticSettings map[string]string

func (s StaticSettings) GetSetting(key string) (string, bool) {
	v, ok := s[key]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// ChainSettings asks each reader in order and returns the first hit. Operator
// settings stored at runtime go first so they override the environment.
type ChainSettings []SettingsReader

func (c ChainSettings) GetSetting(key string) (string, bool) {
	for _, r := range c {
		if r == nil {
			continue
		}
		if v, ok := r.GetSetting(key); ok {
			return v, true
		}
	}
	return "", false
}

// HTTPClient aliases the shared httpclient.Client interface for clarity within providers.
type HTTPClient = httpclient.Client

// HTTPResponse aliases httpclient.Response.
type HTTPResponse = httpclient.Response

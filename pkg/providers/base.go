package providers

import (
	"context"
	"strings"
	"time"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
)

// base carries the capability record shared by every provider.
type base struct {
	name       string
	costs      map[domain.Platform]float64
	settings   SettingsReader
	settingKey string
	delay      time.Duration
}

func newBase(cfg ProviderConfig, fallbackName string, defaults map[domain.Platform]float64, settings SettingsReader, settingKey string) base {
	name := cfg.Name
	if name == "" {
		name = fallbackName
	}
	if key := ConfigString(cfg, "setting_key", ""); key != "" {
		settingKey = key
	}
	return base{
		name:       name,
		costs:      cfg.costTable(defaults),
		settings:   settings,
		settingKey: settingKey,
		delay:      cfg.RequestDelay(),
	}
}

func (b *base) Name() string { return b.name }

func (b *base) SupportsPlatform(platform domain.Platform) bool {
	_, ok := b.costs[platform]
	return ok
}

func (b *base) CostPerProfile(platform domain.Platform) float64 {
	return b.costs[platform]
}

// IsConfigured is true when no credential is required or the credential is non-empty.
func (b *base) IsConfigured() bool {
	if b.settingKey == "" {
		return true
	}
	_, ok := b.credential()
	return ok
}

func (b *base) credential() (string, bool) {
	if b.settings == nil {
		return "", false
	}
	v, ok := b.settings.GetSetting(b.settingKey)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// precheck validates platform support and returns the credential, read fresh on every call.
func (b *base) precheck(platform domain.Platform) (string, error) {
	if !b.SupportsPlatform(platform) {
		return "", wrapFetch(b.name, platform, domain.ErrUnsupportedPlatform)
	}
	if b.settingKey == "" {
		return "", nil
	}
	key, ok := b.credential()
	if !ok {
		return "", wrapFetch(b.name, platform, domain.ErrNotConfigured)
	}
	return key, nil
}

type fetchOne func(ctx context.Context, platform domain.Platform, profileURL, handle string) (domain.NormalizedMetrics, error)

// loopBatch fetches profiles one at a time with the configured pacing delay.
func (b *base) loopBatch(ctx context.Context, platform domain.Platform, profiles []domain.ProfileRef, fetch fetchOne) (BatchResult, error) {
	if _, err := b.precheck(platform); err != nil {
		return BatchResult{}, err
	}

	out := newBatchResult(len(profiles))
	for i, ref := range profiles {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		m, err := fetch(ctx, platform, ref.URL, ref.Handle)
		if err != nil {
			out.Errors[BatchKey(ref)] = err.Error()
		} else {
			out.Results[BatchKey(ref)] = m
			out.TotalCost += m.Cost
		}

		if i < len(profiles)-1 {
			if err := sleepCtx(ctx, b.delay); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

// finish stamps provider name and cost on a normalized result.
func (b *base) finish(m domain.NormalizedMetrics, platform domain.Platform) domain.NormalizedMetrics {
	m.Provider = b.name
	m.Cost = b.CostPerProfile(platform)
	return m
}

package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
	"gopkg.in/yaml.v3"
)

// Provider types understood by DefaultBuilders.
const (
	TypeScrapeCreators = "scrapecreators"
	TypeApify          = "apify"
	TypeYouTube        = "youtube"
	TypePageScraper    = "pagescraper"
)

// ProviderConfig is a single provider entry declared in the enrichment file.
type ProviderConfig struct {
	Name            string             `json:"name" yaml:"name"`
	Type            string             `json:"type" yaml:"type"`
	Enabled         *bool              `json:"enabled" yaml:"enabled"`
	BaseURL         string             `json:"base_url" yaml:"base_url"`
	TimeoutSeconds  int                `json:"timeout_seconds" yaml:"timeout_seconds"`
	RequestDelayMs  int                `json:"request_delay_ms" yaml:"request_delay_ms"`
	PollIntervalMs  int                `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	PollMaxAttempts int                `json:"poll_max_attempts" yaml:"poll_max_attempts"`
	Costs           map[string]float64 `json:"costs" yaml:"costs"`
	Actors          map[string]string  `json:"actors" yaml:"actors"`
	Config          map[string]any     `json:"config" yaml:"config"`
}

// FileConfig is the decoded enrichment file: providers plus per-platform priorities.
type FileConfig struct {
	Priorities map[string][]string `json:"priorities" yaml:"priorities"`
	Providers  []ProviderConfig    `json:"providers" yaml:"providers"`
}

const (
	defaultRequestDelayMs  = 500
	defaultTimeoutSeconds  = 30
	defaultPollIntervalMs  = 2000
	defaultPollMaxAttempts = 90
)

// LoadFile loads the enrichment configuration from a YAML or JSON file.
func LoadFile(path string) (FileConfig, error) {
	if strings.TrimSpace(path) == "" {
		return FileConfig{}, errors.New("enrichment file path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("open enrichment file: %w", err)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read enrichment file: %w", err)
	}

	return ParseFile(raw, filepath.Ext(path))
}

// ParseFile decodes and validates raw enrichment configuration.
func ParseFile(raw []byte, ext string) (FileConfig, error) {
	fc, err := parseFileConfig(raw, ext)
	if err != nil {
		return FileConfig{}, err
	}

	if len(fc.Providers) == 0 {
		return FileConfig{}, errors.New("enrichment file contains no providers entries")
	}

	seen := make(map[string]struct{}, len(fc.Providers))
	for i := range fc.Providers {
		p := sanitizeProvider(fc.Providers[i])
		if err := validateProvider(p); err != nil {
			return FileConfig{}, fmt.Errorf("provider[%d]: %w", i, err)
		}
		if _, exists := seen[p.Name]; exists {
			return FileConfig{}, fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		fc.Providers[i] = p
	}

	priorities := make(map[string][]string, len(fc.Priorities))
	for rawPlatform, names := range fc.Priorities {
		platform, ok := domain.ParsePlatform(rawPlatform)
		if !ok {
			return FileConfig{}, fmt.Errorf("priorities: unknown platform %q", rawPlatform)
		}
		cleaned := make([]string, 0, len(names))
		for _, n := range names {
			if n = strings.TrimSpace(n); n != "" {
				cleaned = append(cleaned, n)
			}
		}
		priorities[string(platform)] = cleaned
	}
	fc.Priorities = priorities

	return fc, nil
}

// PlatformPriorities converts the decoded priority table to typed keys.
func (fc FileConfig) PlatformPriorities() map[domain.Platform][]string {
	out := make(map[domain.Platform][]string, len(fc.Priorities))
	for k, v := range fc.Priorities {
		out[domain.Platform(k)] = append([]string(nil), v...)
	}
	return out
}

func parseFileConfig(data []byte, ext string) (FileConfig, error) {
	ext = strings.ToLower(strings.TrimSpace(ext))

	decoders := []struct {
		name string
		ext  string
		fn   unmarshalFn
	}{
		{name: "yaml", ext: ".yaml", fn: yaml.Unmarshal},
		{name: "yaml", ext: ".yml", fn: yaml.Unmarshal},
		{name: "json", ext: ".json", fn: json.Unmarshal},
	}

	for _, d := range decoders {
		if ext != "" && ext != d.ext {
			continue
		}
		if fc, err := unmarshalFileConfig(d.name, data, d.fn); err == nil {
			return fc, nil
		}
	}

	return FileConfig{}, errors.New("enrichment file format not recognized (expected YAML or JSON)")
}

type unmarshalFn func([]byte, any) error

func unmarshalFileConfig(name string, data []byte, fn unmarshalFn) (FileConfig, error) {
	var fc FileConfig
	if err := fn(data, &fc); err != nil {
		return FileConfig{}, fmt.Errorf("decode %s enrichment config: %w", name, err)
	}
	return fc, nil
}

func sanitizeProvider(p ProviderConfig) ProviderConfig {
	p.Name = strings.TrimSpace(p.Name)
	p.Type = strings.ToLower(strings.TrimSpace(p.Type))
	p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")

	if p.Enabled == nil {
		def := true
		p.Enabled = &def
	}
	if p.Config == nil {
		p.Config = map[string]any{}
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = defaultTimeoutSeconds
	}
	if p.RequestDelayMs <= 0 {
		p.RequestDelayMs = defaultRequestDelayMs
	}
	if p.PollIntervalMs <= 0 {
		p.PollIntervalMs = defaultPollIntervalMs
	}
	if p.PollMaxAttempts <= 0 {
		p.PollMaxAttempts = defaultPollMaxAttempts
	}

	costs := make(map[string]float64, len(p.Costs))
	for k, v := range p.Costs {
		if platform, ok := domain.ParsePlatform(k); ok {
			costs[string(platform)] = v
		}
	}
	p.Costs = costs

	actors := make(map[string]string, len(p.Actors))
	for k, v := range p.Actors {
		if platform, ok := domain.ParsePlatform(k); ok && strings.TrimSpace(v) != "" {
			actors[string(platform)] = strings.TrimSpace(v)
		}
	}
	p.Actors = actors

	return p
}

func validateProvider(p ProviderConfig) error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	if p.Type == "" {
		return fmt.Errorf("type is required for provider %q", p.Name)
	}
	for platform, cost := range p.Costs {
		if cost < 0 {
			return fmt.Errorf("negative cost for %s on provider %q", platform, p.Name)
		}
	}
	if p.Type == TypeApify && len(p.Actors) == 0 {
		return fmt.Errorf("actors are required for apify provider %q", p.Name)
	}
	return nil
}

// EnabledValue returns the enabled flag defaulting to true.
func (p ProviderConfig) EnabledValue() bool {
	if p.Enabled == nil {
		return true
	}
	return *p.Enabled
}

// RequestDelay returns the pacing delay between profile requests.
func (p ProviderConfig) RequestDelay() time.Duration {
	if p.RequestDelayMs <= 0 {
		return time.Duration(defaultRequestDelayMs) * time.Millisecond
	}
	return time.Duration(p.RequestDelayMs) * time.Millisecond
}

// Timeout returns the per-request timeout.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return time.Duration(defaultTimeoutSeconds) * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// costTable converts configured costs to typed keys, falling back to defaults.
func (p ProviderConfig) costTable(defaults map[domain.Platform]float64) map[domain.Platform]float64 {
	out := make(map[domain.Platform]float64, len(defaults)+len(p.Costs))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range p.Costs {
		out[domain.Platform(k)] = v
	}
	return out
}

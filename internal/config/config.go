package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration loaded from files and environment variables.
type Config struct {
	AppName        string `mapstructure:"app_name"`
	Env            string `mapstructure:"app_env"`
	LogLevel       string `mapstructure:"log_level"`
	EnrichmentFile string `mapstructure:"enrichment_file"`
	PublishersFile string `mapstructure:"publishers_file"`
	BBoltPath      string `mapstructure:"bbolt_path"`

	TickIntervalSeconds   int64         `mapstructure:"tick_interval"`
	TickInterval          time.Duration `mapstructure:"-"`
	WorkerCount           int           `mapstructure:"worker_count"`
	PlatformDelayMs       int64         `mapstructure:"platform_delay_ms"`
	PlatformDelay         time.Duration `mapstructure:"-"`
	RetryBackoffSeconds   int64         `mapstructure:"retry_backoff_seconds"`
	RetryBackoff          time.Duration `mapstructure:"-"`
	MetricsTTLHours       int64         `mapstructure:"metrics_ttl_hours"`
	MetricsTTL            time.Duration `mapstructure:"-"`
	JobRetentionHours     int64         `mapstructure:"job_retention_hours"`
	JobRetention          time.Duration `mapstructure:"-"`
	ClaimTimeoutSeconds   int64         `mapstructure:"claim_timeout_seconds"`
	ClaimTimeout          time.Duration `mapstructure:"-"`
	RefreshIntervalSecond int64         `mapstructure:"refresh_interval"`
	RefreshInterval       time.Duration `mapstructure:"-"`
	RefreshBatchSize      int           `mapstructure:"refresh_batch_size"`

	v *viper.Viper
}

// Load reads configuration from environment variables and config files.
func Load() (*Config, error) {
	_ = godotenv.Load("configs/.env")

	v := viper.New()

	v.SetDefault("app_name", "samvad-podcast-enricher")
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("enrichment_file", "./configs/enrichment.yaml")
	v.SetDefault("publishers_file", "./configs/publishers.yaml")
	v.SetDefault("bbolt_path", "./data/enricher.db")
	v.SetDefault("tick_interval", 60) // seconds
	v.SetDefault("worker_count", 1)
	v.SetDefault("platform_delay_ms", 2000)
	v.SetDefault("retry_backoff_seconds", 60)
	v.SetDefault("metrics_ttl_hours", 7*24)
	v.SetDefault("job_retention_hours", 30*24)
	v.SetDefault("claim_timeout_seconds", 30*60)
	v.SetDefault("refresh_interval", int64((6*time.Hour)/time.Second))
	v.SetDefault("refresh_batch_size", 25)

	for _, key := range SettingKeys {
		v.SetDefault(key, "")
	}

	v.AutomaticEnv()

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.v = v

	if cfg.TickIntervalSeconds <= 0 {
		return nil, fmt.Errorf("invalid tick_interval (must be positive seconds)")
	}
	cfg.TickInterval = time.Duration(cfg.TickIntervalSeconds) * time.Second

	if cfg.WorkerCount <= 0 {
		return nil, fmt.Errorf("invalid worker_count (must be positive)")
	}
	if cfg.PlatformDelayMs < 0 {
		return nil, fmt.Errorf("invalid platform_delay_ms (must not be negative)")
	}
	cfg.PlatformDelay = time.Duration(cfg.PlatformDelayMs) * time.Millisecond

	if cfg.RetryBackoffSeconds < 0 {
		return nil, fmt.Errorf("invalid retry_backoff_seconds (must not be negative)")
	}
	cfg.RetryBackoff = time.Duration(cfg.RetryBackoffSeconds) * time.Second

	if cfg.MetricsTTLHours <= 0 {
		return nil, fmt.Errorf("invalid metrics_ttl_hours (must be positive hours)")
	}
	cfg.MetricsTTL = time.Duration(cfg.MetricsTTLHours) * time.Hour

	if cfg.JobRetentionHours <= 0 {
		return nil, fmt.Errorf("invalid job_retention_hours (must be positive hours)")
	}
	cfg.JobRetention = time.Duration(cfg.JobRetentionHours) * time.Hour

	if cfg.ClaimTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("invalid claim_timeout_seconds (must be positive seconds)")
	}
	cfg.ClaimTimeout = time.Duration(cfg.ClaimTimeoutSeconds) * time.Second

	if cfg.RefreshIntervalSecond <= 0 {
		return nil, fmt.Errorf("invalid refresh_interval (must be positive seconds)")
	}
	cfg.RefreshInterval = time.Duration(cfg.RefreshIntervalSecond) * time.Second

	if cfg.RefreshBatchSize < 0 {
		return nil, fmt.Errorf("invalid refresh_batch_size (must not be negative)")
	}

	return &cfg, nil
}

// Setting keys that hold provider credentials.
const (
	KeyScrapeCreatorsAPIKey = "scrapecreators_api_key"
	KeyApifyAPIToken        = "apify_api_token"
	KeyYouTubeAPIKey        = "youtube_api_key"
)

// SettingKeys lists every credential key read through Settings.
var SettingKeys = []string{
	KeyScrapeCreatorsAPIKey,
	KeyApifyAPIToken,
	KeyYouTubeAPIKey,
}

// GetSetting returns the trimmed value for key from the environment-backed configuration.
func (c *Config) GetSetting(key string) (string, bool) {
	if c == nil || c.v == nil {
		return "", false
	}
	val := strings.TrimSpace(c.v.GetString(key))
	if val == "" {
		return "", false
	}
	return val, true
}

// Redacted returns a loggable summary of the configuration without credentials.
func (c *Config) Redacted() map[string]any {
	if c == nil {
		return nil
	}
	configured := make(map[string]bool, len(SettingKeys))
	for _, key := range SettingKeys {
		_, ok := c.GetSetting(key)
		configured[key] = ok
	}
	return map[string]any{
		"app_name":           c.AppName,
		"app_env":            c.Env,
		"log_level":          c.LogLevel,
		"enrichment_file":    c.EnrichmentFile,
		"publishers_file":    c.PublishersFile,
		"bbolt_path":         c.BBoltPath,
		"tick_interval":      c.TickInterval.String(),
		"worker_count":       c.WorkerCount,
		"platform_delay":     c.PlatformDelay.String(),
		"retry_backoff":      c.RetryBackoff.String(),
		"metrics_ttl":        c.MetricsTTL.String(),
		"job_retention":      c.JobRetention.String(),
		"claim_timeout":      c.ClaimTimeout.String(),
		"refresh_interval":   c.RefreshInterval.String(),
		"refresh_batch_size": c.RefreshBatchSize,
		"credentials":        configured,
	}
}

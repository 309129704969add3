package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	youtube "google.golang.org/api/youtube/v3"
)

const (
	youTubeName       = "youtube"
	youTubeSettingKey = "youtube_api_key"
	// Google Developers channel, used as a cheap credential probe.
	youTubeProbeChannel = "UC_x5XG1OV2P6uZZ5FSM9Ttw"
)

var youTubeCosts = map[domain.Platform]float64{
	domain.PlatformYouTube: 0,
}

var youTubeFields = FieldMap{
	{FieldFollowers, []string{"statistics.subscriberCount"}},
	{FieldPosts, []string{"statistics.videoCount"}},
	{FieldTotalViews, []string{"statistics.viewCount"}},
	{FieldName, []string{"snippet.title", "snippet.localized.title"}},
	{FieldBio, []string{"snippet.description", "snippet.localized.description"}},
	{FieldLocation, []string{"snippet.country"}},
}

// youTubeProvider reads channel statistics from the free YouTube Data API.
type youTubeProvider struct {
	base
	endpoint string
	timeout  time.Duration
}

// NewYouTube builds the YouTube Data API provider.
func NewYouTube(cfg ProviderConfig, settings SettingsReader) Provider {
	return &youTubeProvider{
		base:     newBase(cfg, youTubeName, youTubeCosts, settings, youTubeSettingKey),
		endpoint: cfg.BaseURL,
		timeout:  cfg.Timeout(),
	}
}

// service builds a client for the current key; the key may rotate between calls.
func (y *youTubeProvider) service(ctx context.Context, key string) (*youtube.Service, error) {
	opts := []option.ClientOption{option.WithAPIKey(key)}
	if y.endpoint != "" {
		opts = append(opts, option.WithEndpoint(y.endpoint+"/"))
	}
	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return svc, nil
}

func (y *youTubeProvider) FetchMetrics(ctx context.Context, platform domain.Platform, profileURL, handle string) (domain.NormalizedMetrics, error) {
	key, err := y.precheck(platform)
	if err != nil {
		return domain.NormalizedMetrics{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, y.timeout)
	defer cancel()

	svc, err := y.service(ctx, key)
	if err != nil {
		return domain.NormalizedMetrics{}, wrapFetch(y.name, platform, err)
	}

	call := svc.Channels.List([]string{"snippet", "statistics"}).Context(ctx)
	switch kind, value := parseYouTubeRef(profileURL, handle); kind {
	case youTubeRefChannelID:
		call = call.Id(value)
	case youTubeRefHandle:
		call = call.ForHandle("@" + value)
	case youTubeRefUsername:
		call = call.ForUsername(value)
	default:
		return domain.NormalizedMetrics{}, wrapFetch(y.name, platform, domain.ErrUnsupportedProfileType)
	}

	resp, err := call.Do()
	if err != nil {
		return domain.NormalizedMetrics{}, wrapFetch(y.name, platform, y.classify(err))
	}
	if len(resp.Items) == 0 || resp.Items[0] == nil {
		return domain.NormalizedMetrics{}, wrapFetch(y.name, platform, domain.ErrNoData)
	}

	payload, err := toPayload(resp.Items[0])
	if err != nil {
		return domain.NormalizedMetrics{}, wrapFetch(y.name, platform, domain.Upstream(y.name, 0, err.Error()))
	}
	m, resolved := youTubeFields.Resolve(payload)
	if resolved == 0 {
		return domain.NormalizedMetrics{}, wrapFetch(y.name, platform, domain.ErrNoData)
	}
	return y.finish(m, platform), nil
}

func (y *youTubeProvider) BatchFetch(ctx context.Context, platform domain.Platform, profiles []domain.ProfileRef) (BatchResult, error) {
	return y.loopBatch(ctx, platform, profiles, y.FetchMetrics)
}

func (y *youTubeProvider) ValidateCredentials(ctx context.Context) error {
	key, ok := y.credential()
	if !ok {
		return domain.ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, y.timeout)
	defer cancel()

	svc, err := y.service(ctx, key)
	if err != nil {
		return err
	}
	if _, err := svc.Channels.List([]string{"id"}).Id(youTubeProbeChannel).Context(ctx).Do(); err != nil {
		return fmt.Errorf("validate %s credentials: %w", y.name, y.classify(err))
	}
	return nil
}

func (y *youTubeProvider) classify(err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		status := gErr.Code
		for _, item := range gErr.Errors {
			if item.Reason == "quotaExceeded" || item.Reason == "rateLimitExceeded" {
				status = http.StatusTooManyRequests
			}
		}
		return domain.Upstream(y.name, status, gErr.Message)
	}
	return domain.TransportError(y.name, err)
}

type youTubeRefKind int

const (
	youTubeRefUnknown youTubeRefKind = iota
	youTubeRefChannelID
	youTubeRefHandle
	youTubeRefUsername
)

// parseYouTubeRef recognises /channel/UC..., /@handle, /user/name and /c/name URLs.
func parseYouTubeRef(profileURL, handle string) (youTubeRefKind, string) {
	u := strings.TrimSpace(profileURL)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	segments := strings.Split(strings.Trim(u, "/"), "/")
	for i, seg := range segments {
		next := ""
		if i+1 < len(segments) {
			next = segments[i+1]
		}
		switch {
		case seg == "channel" && strings.HasPrefix(next, "UC"):
			return youTubeRefChannelID, next
		case strings.HasPrefix(seg, "@") && len(seg) > 1:
			return youTubeRefHandle, strings.TrimPrefix(seg, "@")
		case seg == "user" && next != "":
			return youTubeRefUsername, next
		case seg == "c" && next != "":
			return youTubeRefHandle, next
		}
	}
	if h := strings.TrimPrefix(strings.TrimSpace(handle), "@"); h != "" {
		if strings.HasPrefix(h, "UC") && len(h) == 24 {
			return youTubeRefChannelID, h
		}
		return youTubeRefHandle, h
	}
	return youTubeRefUnknown, ""
}

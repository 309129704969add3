package providers

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
)

const (
	scrapeCreatorsName       = "scrapecreators"
	scrapeCreatorsBaseURL    = "https://api.scrapecreators.com"
	scrapeCreatorsSettingKey = "scrapecreators_api_key"
	scrapeCreatorsKeyHeader  = "x-api-key"
)

var scrapeCreatorsCosts = map[domain.Platform]float64{
	domain.PlatformInstagram: 0.01,
	domain.PlatformTikTok:    0.01,
	domain.PlatformTwitter:   0.01,
	domain.PlatformLinkedIn:  0.02,
	domain.PlatformFacebook:  0.01,
	domain.PlatformYouTube:   0.01,
}

// scrapeCreatorsEndpoint describes how one platform is queried.
type scrapeCreatorsEndpoint struct {
	path string
	// byURL endpoints take the full profile URL instead of a handle.
	byURL  bool
	fields FieldMap
}

var scrapeCreatorsEndpoints = map[domain.Platform]scrapeCreatorsEndpoint{
	domain.PlatformInstagram: {
		path: "/v1/instagram/profile",
		fields: FieldMap{
			{FieldFollowers, []string{"data.user.edge_followed_by.count", "user.follower_count", "follower_count"}},
			{FieldFollowing, []string{"data.user.edge_follow.count", "user.following_count", "following_count"}},
			{FieldPosts, []string{"data.user.edge_owner_to_timeline_media.count", "user.media_count", "media_count"}},
			{FieldName, []string{"data.user.full_name", "user.full_name", "full_name"}},
			{FieldBio, []string{"data.user.biography", "user.biography", "biography"}},
			{FieldVerified, []string{"data.user.is_verified", "user.is_verified", "is_verified"}},
		},
	},
	domain.PlatformTikTok: {
		path: "/v1/tiktok/profile",
		fields: FieldMap{
			{FieldFollowers, []string{"stats.followerCount", "statsV2.followerCount", "user.followerCount"}},
			{FieldFollowing, []string{"stats.followingCount", "statsV2.followingCount"}},
			{FieldPosts, []string{"stats.videoCount", "statsV2.videoCount"}},
			{FieldAvgLikes, []string{"stats.avgLikes"}},
			{FieldTotalViews, []string{"stats.heartCount", "statsV2.heartCount"}},
			{FieldName, []string{"user.nickname", "user.uniqueId"}},
			{FieldBio, []string{"user.signature"}},
			{FieldVerified, []string{"user.verified"}},
		},
	},
	domain.PlatformTwitter: {
		path: "/v1/twitter/profile",
		fields: FieldMap{
			{FieldFollowers, []string{"legacy.followers_count", "followers_count", "public_metrics.followers_count"}},
			{FieldFollowing, []string{"legacy.friends_count", "friends_count", "public_metrics.following_count"}},
			{FieldPosts, []string{"legacy.statuses_count", "statuses_count", "public_metrics.tweet_count"}},
			{FieldName, []string{"legacy.name", "name"}},
			{FieldBio, []string{"legacy.description", "description"}},
			{FieldLocation, []string{"legacy.location", "location"}},
			{FieldVerified, []string{"is_blue_verified", "legacy.verified", "verified"}},
		},
	},
	domain.PlatformLinkedIn: {
		path:  "/v1/linkedin/profile",
		byURL: true,
		fields: FieldMap{
			{FieldFollowers, []string{"followers", "followerCount", "follower_count"}},
			{FieldFollowing, []string{"connections", "connectionCount"}},
			{FieldName, []string{"name", "fullName"}},
			{FieldBio, []string{"about", "headline"}},
			{FieldLocation, []string{"location", "addressWithCountry"}},
		},
	},
	domain.PlatformFacebook: {
		path:  "/v1/facebook/profile",
		byURL: true,
		fields: FieldMap{
			{FieldFollowers, []string{"followerCount", "followers", "likeCount"}},
			{FieldName, []string{"name", "pageName"}},
			{FieldBio, []string{"pageIntro", "intro", "about"}},
			{FieldLocation, []string{"address", "location"}},
			{FieldVerified, []string{"isVerified", "verified"}},
		},
	},
	domain.PlatformYouTube: {
		path: "/v1/youtube/channel",
		fields: FieldMap{
			{FieldFollowers, []string{"subscriberCount", "subscriberCountText"}},
			{FieldPosts, []string{"videoCount", "videoCountText"}},
			{FieldTotalViews, []string{"viewCount", "viewCountText"}},
			{FieldName, []string{"name", "title"}},
			{FieldBio, []string{"description"}},
			{FieldLocation, []string{"country"}},
		},
	},
}

// scrapeCreators calls the ScrapeCreators REST API, one GET per profile.
type scrapeCreators struct {
	base
	baseURL string
	headers map[string]string
	client  HTTPClient
}

// NewScrapeCreators builds the ScrapeCreators provider.
func NewScrapeCreators(cfg ProviderConfig, settings SettingsReader, client HTTPClient) Provider {
	if client == nil {
		client = DefaultHTTPClient(cfg.Timeout())
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = scrapeCreatorsBaseURL
	}
	return &scrapeCreators{
		base:    newBase(cfg, scrapeCreatorsName, scrapeCreatorsCosts, settings, scrapeCreatorsSettingKey),
		baseURL: baseURL,
		headers: Headers(cfg),
		client:  client,
	}
}

func (s *scrapeCreators) FetchMetrics(ctx context.Context, platform domain.Platform, profileURL, handle string) (domain.NormalizedMetrics, error) {
	key, err := s.precheck(platform)
	if err != nil {
		return domain.NormalizedMetrics{}, err
	}
	ep, ok := scrapeCreatorsEndpoints[platform]
	if !ok {
		return domain.NormalizedMetrics{}, wrapFetch(s.name, platform, domain.ErrUnsupportedPlatform)
	}

	q := url.Values{}
	if ep.byURL {
		if strings.TrimSpace(profileURL) == "" {
			return domain.NormalizedMetrics{}, wrapFetch(s.name, platform, domain.ErrUnsupportedProfileType)
		}
		q.Set("url", strings.TrimSpace(profileURL))
	} else {
		h := resolveHandle(profileURL, handle)
		if h == "" {
			return domain.NormalizedMetrics{}, wrapFetch(s.name, platform, domain.ErrUnsupportedProfileType)
		}
		q.Set("handle", h)
	}

	endpoint := s.baseURL + ep.path + "?" + q.Encode()
	resp, err := s.client.Get(ctx, endpoint, s.authHeaders(key))
	body, err := checkResponse(s.name, resp, err)
	if err != nil {
		return domain.NormalizedMetrics{}, wrapFetch(s.name, platform, err)
	}

	payload, err := decodePayload(body)
	if err != nil {
		return domain.NormalizedMetrics{}, wrapFetch(s.name, platform, domain.Upstream(s.name, 0, "malformed payload: "+err.Error()))
	}
	if isEmptyPayload(payload) {
		return domain.NormalizedMetrics{}, wrapFetch(s.name, platform, domain.ErrNoData)
	}
	if obj, ok := payload.(map[string]any); ok {
		if success, ok := obj["success"].(bool); ok && !success {
			msg, _ := obj["message"].(string)
			return domain.NormalizedMetrics{}, wrapFetch(s.name, platform, fmt.Errorf("%w: %s", domain.ErrNoData, msg))
		}
	}

	m, resolved := ep.fields.Resolve(payload)
	if resolved == 0 {
		return domain.NormalizedMetrics{}, wrapFetch(s.name, platform, domain.ErrNoData)
	}
	return s.finish(m, platform), nil
}

func (s *scrapeCreators) BatchFetch(ctx context.Context, platform domain.Platform, profiles []domain.ProfileRef) (BatchResult, error) {
	return s.loopBatch(ctx, platform, profiles, s.FetchMetrics)
}

func (s *scrapeCreators) ValidateCredentials(ctx context.Context) error {
	key, ok := s.credential()
	if !ok {
		return domain.ErrNotConfigured
	}
	resp, err := s.client.Get(ctx, s.baseURL+"/v1/credit-balance", s.authHeaders(key))
	if _, err := checkResponse(s.name, resp, err); err != nil {
		return fmt.Errorf("validate %s credentials: %w", s.name, err)
	}
	return nil
}

func (s *scrapeCreators) authHeaders(key string) map[string]string {
	return mergeHeaders(s.headers, map[string]string{scrapeCreatorsKeyHeader: key})
}

func isEmptyPayload(payload any) bool {
	switch v := payload.(type) {
	case nil:
		return true
	case map[string]any:
		return len(v) == 0
	case []any:
		return len(v) == 0
	}
	return false
}

package providers

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
)

const (
	pageScraperName  = "pagescraper"
	maxHTMLBodyBytes = 1 << 20 // 1 MiB
	defaultUserAgent = "Mozilla/5.0 (compatible; samvad-podcast-enricher/1.0)"
)

var pageScraperCosts = map[domain.Platform]float64{
	domain.PlatformSpotify:       0,
	domain.PlatformApplePodcasts: 0,
}

var pageScraperFields = FieldMap{
	{FieldFollowers, []string{"counts.followers", "counts.ratings"}},
	{FieldPosts, []string{"counts.episodes"}},
	{FieldName, []string{"meta.og_title", "meta.title"}},
	{FieldBio, []string{"meta.og_description", "meta.description"}},
}

var (
	followersPattern = regexp.MustCompile(`(?i)(\d[\d,]*(?:\.\d+)?\s*[kmb]?)\s+(?:followers|monthly listeners)`)
	ratingsPattern   = regexp.MustCompile(`(?i)(\d[\d,]*(?:\.\d+)?\s*[kmb]?)\s+ratings`)
	episodesPattern  = regexp.MustCompile(`(?i)(\d[\d,]*)\s+episodes`)
	ratingPattern    = regexp.MustCompile(`(?i)(\d(?:\.\d)?)\s+out of 5`)
)

// pageScraper reads public profile pages that need no credentials.
type pageScraper struct {
	base
	headers map[string]string
	client  HTTPClient
}

// NewPageScraper builds the public page scraper provider.
func NewPageScraper(cfg ProviderConfig, client HTTPClient) Provider {
	if client == nil {
		client = DefaultHTTPClient(cfg.Timeout())
	}
	headers := Headers(cfg)
	if _, ok := headers["User-Agent"]; !ok {
		headers["User-Agent"] = defaultUserAgent
	}
	return &pageScraper{
		base:    newBase(cfg, pageScraperName, pageScraperCosts, nil, ""),
		headers: headers,
		client:  client,
	}
}

func (p *pageScraper) FetchMetrics(ctx context.Context, platform domain.Platform, profileURL, _ string) (domain.NormalizedMetrics, error) {
	if _, err := p.precheck(platform); err != nil {
		return domain.NormalizedMetrics{}, err
	}
	if !strings.HasPrefix(strings.TrimSpace(profileURL), "http") {
		return domain.NormalizedMetrics{}, wrapFetch(p.name, platform, domain.ErrUnsupportedProfileType)
	}

	resp, err := p.client.Get(ctx, strings.TrimSpace(profileURL), p.headers)
	body, err := checkResponse(p.name, resp, err)
	if err != nil {
		return domain.NormalizedMetrics{}, wrapFetch(p.name, platform, err)
	}
	if len(body) > maxHTMLBodyBytes {
		body = body[:maxHTMLBodyBytes]
	}

	payload, err := parsePage(body)
	if err != nil {
		return domain.NormalizedMetrics{}, wrapFetch(p.name, platform, domain.Upstream(p.name, 0, err.Error()))
	}
	if len(payload["meta"].(map[string]any)) == 0 && len(payload["counts"].(map[string]any)) == 0 {
		return domain.NormalizedMetrics{}, wrapFetch(p.name, platform, domain.ErrNoData)
	}
	m, resolved := pageScraperFields.Resolve(payload)
	if resolved == 0 {
		return domain.NormalizedMetrics{}, wrapFetch(p.name, platform, domain.ErrNoData)
	}
	return p.finish(m, platform), nil
}

func (p *pageScraper) BatchFetch(ctx context.Context, platform domain.Platform, profiles []domain.ProfileRef) (BatchResult, error) {
	return p.loopBatch(ctx, platform, profiles, p.FetchMetrics)
}

// ValidateCredentials always succeeds: public pages need no credential.
func (p *pageScraper) ValidateCredentials(context.Context) error { return nil }

// parsePage extracts meta tags and visible counts into a tree for the field map.
func parsePage(body []byte) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	extract := func(sel string) string {
		if node := doc.Find(sel).First(); node.Length() > 0 {
			if val, ok := node.Attr("content"); ok {
				return strings.TrimSpace(val)
			}
		}
		return ""
	}

	meta := map[string]any{}
	put := func(key, val string) {
		if val != "" {
			meta[key] = val
		}
	}
	put("og_title", extract(`meta[property="og:title"]`))
	put("title", strings.TrimSpace(doc.Find("title").First().Text()))
	put("og_description", extract(`meta[property="og:description"]`))
	put("description", extract(`meta[name="description"]`))

	text := strings.Join([]string{
		extract(`meta[property="og:description"]`),
		extract(`meta[name="description"]`),
		doc.Find("body").Text(),
	}, " ")

	counts := map[string]any{}
	for key, re := range map[string]*regexp.Regexp{
		"followers": followersPattern,
		"ratings":   ratingsPattern,
		"episodes":  episodesPattern,
		"rating":    ratingPattern,
	} {
		if m := re.FindStringSubmatch(text); m != nil {
			counts[key] = strings.TrimSpace(m[1])
		}
	}

	return map[string]any{"meta": meta, "counts": counts}, nil
}

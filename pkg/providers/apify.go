package providers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
)

const (
	apifyName       = "apify"
	apifyBaseURL    = "https://api.apify.com/v2"
	apifySettingKey = "apify_api_token"
)

// Apify actor run states.
const (
	apifyRunning   = "RUNNING"
	apifySucceeded = "SUCCEEDED"
	apifyFailed    = "FAILED"
	apifyAborted   = "ABORTED"
	apifyTimedOut  = "TIMED-OUT"
)

var apifyCosts = map[domain.Platform]float64{
	domain.PlatformInstagram: 0.0026,
	domain.PlatformLinkedIn:  0.01,
	domain.PlatformTwitter:   0.0004,
}

// apifyActorSpec describes the input shape and field map of the actor used per platform.
type apifyActorSpec struct {
	inputKey string
	// byURL actors take profile URLs, others take bare handles.
	byURL     bool
	matchKeys []string
	fields    FieldMap
}

var apifyActorSpecs = map[domain.Platform]apifyActorSpec{
	domain.PlatformInstagram: {
		inputKey:  "usernames",
		matchKeys: []string{"username", "inputUrl", "url"},
		fields: FieldMap{
			{FieldFollowers, []string{"followersCount", "followers"}},
			{FieldFollowing, []string{"followsCount", "following"}},
			{FieldPosts, []string{"postsCount", "posts"}},
			{FieldAvgLikes, []string{"avgLikes"}},
			{FieldAvgComments, []string{"avgComments"}},
			{FieldName, []string{"fullName", "username"}},
			{FieldBio, []string{"biography"}},
			{FieldVerified, []string{"verified", "isVerified"}},
		},
	},
	domain.PlatformLinkedIn: {
		inputKey:  "profileUrls",
		byURL:     true,
		matchKeys: []string{"inputUrl", "linkedinUrl", "url", "publicIdentifier"},
		fields: FieldMap{
			{FieldFollowers, []string{"followers", "followersCount", "followerCount"}},
			{FieldFollowing, []string{"connections", "connectionsCount"}},
			{FieldName, []string{"fullName", "name", "companyName"}},
			{FieldBio, []string{"about", "headline", "description"}},
			{FieldLocation, []string{"addressWithCountry", "location", "geoLocationName"}},
		},
	},
	domain.PlatformTwitter: {
		inputKey:  "twitterHandles",
		matchKeys: []string{"userName", "username", "screen_name", "url"},
		fields: FieldMap{
			{FieldFollowers, []string{"followers", "followers_count"}},
			{FieldFollowing, []string{"following", "friends_count"}},
			{FieldPosts, []string{"statusesCount", "statuses_count"}},
			{FieldName, []string{"name"}},
			{FieldBio, []string{"description"}},
			{FieldLocation, []string{"location"}},
			{FieldVerified, []string{"isBlueVerified", "isVerified", "verified"}},
		},
	},
}

// apify runs a third-party actor per request and polls until it finishes.
type apify struct {
	base
	baseURL         string
	actors          map[domain.Platform]string
	pollInterval    time.Duration
	pollMaxAttempts int
	client          HTTPClient
}

// NewApify builds the Apify actor provider.
func NewApify(cfg ProviderConfig, settings SettingsReader, client HTTPClient) Provider {
	if client == nil {
		client = DefaultHTTPClient(cfg.Timeout())
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = apifyBaseURL
	}

	actors := make(map[domain.Platform]string, len(cfg.Actors))
	defaults := make(map[domain.Platform]float64, len(cfg.Actors))
	for k, v := range cfg.Actors {
		p := domain.Platform(k)
		if _, ok := apifyActorSpecs[p]; !ok {
			continue
		}
		actors[p] = v
		defaults[p] = apifyCosts[p]
	}

	pollInterval := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = time.Duration(defaultPollIntervalMs) * time.Millisecond
	}
	maxAttempts := cfg.PollMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultPollMaxAttempts
	}

	b := newBase(cfg, apifyName, defaults, settings, apifySettingKey)
	// only platforms with an actor are supported, whatever the cost table says
	for p := range b.costs {
		if _, ok := actors[p]; !ok {
			delete(b.costs, p)
		}
	}

	return &apify{
		base:            b,
		baseURL:         baseURL,
		actors:          actors,
		pollInterval:    pollInterval,
		pollMaxAttempts: maxAttempts,
		client:          client,
	}
}

func (a *apify) FetchMetrics(ctx context.Context, platform domain.Platform, profileURL, handle string) (domain.NormalizedMetrics, error) {
	ref := domain.ProfileRef{Platform: platform, URL: profileURL, Handle: handle}
	res, err := a.BatchFetch(ctx, platform, []domain.ProfileRef{ref})
	if err != nil {
		return domain.NormalizedMetrics{}, err
	}
	key := BatchKey(ref)
	if m, ok := res.Results[key]; ok {
		return m, nil
	}
	if msg, ok := res.Errors[key]; ok {
		return domain.NormalizedMetrics{}, wrapFetch(a.name, platform, fmt.Errorf("%w: %s", domain.ErrNoData, msg))
	}
	return domain.NormalizedMetrics{}, wrapFetch(a.name, platform, domain.ErrNoData)
}

// BatchFetch submits every profile to a single actor run.
func (a *apify) BatchFetch(ctx context.Context, platform domain.Platform, profiles []domain.ProfileRef) (BatchResult, error) {
	token, err := a.precheck(platform)
	if err != nil {
		return BatchResult{}, err
	}
	spec := apifyActorSpecs[platform]
	actor := a.actors[platform]

	out := newBatchResult(len(profiles))
	inputs := make([]string, 0, len(profiles))
	for _, ref := range profiles {
		in := strings.TrimSpace(ref.URL)
		if !spec.byURL {
			in = resolveHandle(ref.URL, ref.Handle)
		}
		if in == "" {
			out.Errors[BatchKey(ref)] = domain.ErrUnsupportedProfileType.Error()
			continue
		}
		inputs = append(inputs, in)
	}
	if len(inputs) == 0 {
		return out, wrapFetch(a.name, platform, domain.ErrUnsupportedProfileType)
	}

	items, err := a.runActor(ctx, token, actor, map[string]any{spec.inputKey: inputs})
	if err != nil {
		return out, wrapFetch(a.name, platform, err)
	}
	if len(items) == 0 {
		return out, wrapFetch(a.name, platform, domain.ErrNoData)
	}

	for _, ref := range profiles {
		key := BatchKey(ref)
		if _, failed := out.Errors[key]; failed {
			continue
		}
		item, ok := matchItem(items, spec.matchKeys, ref, len(profiles) == 1)
		if !ok {
			out.Errors[key] = domain.ErrNoData.Error()
			continue
		}
		m, resolved := spec.fields.Resolve(item)
		if platform == domain.PlatformLinkedIn {
			m = repairLinkedInFollowers(m, item)
			if m.Followers > 0 {
				resolved++
			}
		}
		if resolved == 0 {
			out.Errors[key] = domain.ErrNoData.Error()
			continue
		}
		m = a.finish(m, platform)
		out.Results[key] = m
		out.TotalCost += m.Cost
	}
	return out, nil
}

func (a *apify) ValidateCredentials(ctx context.Context) error {
	token, ok := a.credential()
	if !ok {
		return domain.ErrNotConfigured
	}
	resp, err := a.client.Get(ctx, a.baseURL+"/users/me", a.authHeaders(token))
	if _, err := checkResponse(a.name, resp, err); err != nil {
		return fmt.Errorf("validate %s credentials: %w", a.name, err)
	}
	return nil
}

// runActor starts an actor run, polls it to a terminal state and returns its dataset items.
func (a *apify) runActor(ctx context.Context, token, actor string, input map[string]any) ([]any, error) {
	startURL := fmt.Sprintf("%s/acts/%s/runs", a.baseURL, url.PathEscape(actor))
	resp, err := a.client.PostJSON(ctx, startURL, a.authHeaders(token), input)
	body, err := checkResponse(a.name, resp, err)
	if err != nil {
		return nil, fmt.Errorf("start actor %s: %w", actor, err)
	}
	run, err := a.decodeRun(body)
	if err != nil {
		return nil, err
	}

	run, err = a.pollRun(ctx, token, run)
	if err != nil {
		return nil, err
	}

	itemsURL := fmt.Sprintf("%s/datasets/%s/items?format=json&clean=true", a.baseURL, url.PathEscape(run.datasetID))
	resp, err = a.client.Get(ctx, itemsURL, a.authHeaders(token))
	body, err = checkResponse(a.name, resp, err)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", run.datasetID, err)
	}
	payload, err := decodePayload(body)
	if err != nil {
		return nil, domain.Upstream(a.name, 0, "malformed dataset: "+err.Error())
	}
	items, ok := payload.([]any)
	if !ok {
		return nil, domain.Upstream(a.name, 0, "dataset is not a list")
	}
	return items, nil
}

type apifyRun struct {
	id        string
	status    string
	datasetID string
}

func (a *apify) decodeRun(body []byte) (apifyRun, error) {
	payload, err := decodePayload(body)
	if err != nil {
		return apifyRun{}, domain.Upstream(a.name, 0, "malformed run: "+err.Error())
	}
	str := func(path string) string {
		v, _ := Lookup(payload, path)
		s, _ := v.(string)
		return s
	}
	run := apifyRun{
		id:        str("data.id"),
		status:    str("data.status"),
		datasetID: str("data.defaultDatasetId"),
	}
	if run.id == "" {
		return apifyRun{}, domain.Upstream(a.name, 0, "run response missing id")
	}
	return run, nil
}

// pollRun waits for a run to reach a terminal state, checking every pollInterval
// for at most pollMaxAttempts. The state read by the last poll is classified
// like any other.
func (a *apify) pollRun(ctx context.Context, token string, run apifyRun) (apifyRun, error) {
	runURL := fmt.Sprintf("%s/actor-runs/%s", a.baseURL, url.PathEscape(run.id))
	for attempt := 0; ; attempt++ {
		if done, err := a.settled(run); done {
			return run, err
		}
		if attempt >= a.pollMaxAttempts {
			break
		}

		if err := sleepCtx(ctx, a.pollInterval); err != nil {
			return run, domain.TransportError(a.name, err)
		}

		resp, err := a.client.Get(ctx, runURL, a.authHeaders(token))
		body, err := checkResponse(a.name, resp, err)
		if err != nil {
			if errors.Is(err, domain.ErrTimeout) || errors.Is(err, context.Canceled) {
				return run, err
			}
			// a single failed status read is not fatal; keep polling
			continue
		}
		next, err := a.decodeRun(body)
		if err != nil {
			continue
		}
		run.status = next.status
		if next.datasetID != "" {
			run.datasetID = next.datasetID
		}
	}
	return run, fmt.Errorf("%w: actor run %s still %s after %d polls", domain.ErrTimeout, run.id, run.status, a.pollMaxAttempts)
}

// settled reports whether run is in a terminal state and, if so, whether it is usable.
func (a *apify) settled(run apifyRun) (bool, error) {
	switch run.status {
	case apifySucceeded:
		if run.datasetID == "" {
			return true, domain.Upstream(a.name, 0, "run succeeded without dataset")
		}
		return true, nil
	case apifyFailed, apifyAborted, apifyTimedOut:
		return true, domain.Upstream(a.name, 0, fmt.Sprintf("actor run %s ended %s", run.id, run.status))
	}
	return false, nil
}

func (a *apify) authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// matchItem finds the dataset item belonging to ref. A single-profile run
// accepts its only item.
func matchItem(items []any, keys []string, ref domain.ProfileRef, single bool) (map[string]any, bool) {
	want := []string{
		normalizeMatch(ref.URL),
		normalizeMatch(ref.Handle),
		normalizeMatch(handleFromURL(ref.URL)),
	}
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range keys {
			v, _ := obj[key].(string)
			got := normalizeMatch(v)
			if got == "" {
				continue
			}
			for _, w := range want {
				if w != "" && (got == w || normalizeMatch(handleFromURL(v)) == w) {
					return obj, true
				}
			}
		}
	}
	if single && len(items) == 1 {
		obj, ok := items[0].(map[string]any)
		return obj, ok
	}
	return nil, false
}

func normalizeMatch(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "www.")
	s = strings.TrimPrefix(s, "@")
	return strings.TrimRight(s, "/")
}

var followersText = regexp.MustCompile(`(?i)(\d[\d,]*(?:\.\d+)?\s*[kmb]?)\s+followers`)

// repairLinkedInFollowers recovers follower counts that the actor writes into
// free-text fields such as location ("19M followers") instead of a number.
func repairLinkedInFollowers(m domain.NormalizedMetrics, item map[string]any) domain.NormalizedMetrics {
	if m.Followers > 0 {
		return m
	}
	if match := followersText.FindStringSubmatch(m.Location); match != nil {
		if n, ok := ParseCount(match[1]); ok {
			m.Followers = int64(n)
			m.Location = ""
			return m
		}
	}
	for _, key := range []string{"headline", "subTitle", "followersText"} {
		s, _ := item[key].(string)
		if match := followersText.FindStringSubmatch(s); match != nil {
			if n, ok := ParseCount(match[1]); ok {
				m.Followers = int64(n)
				return m
			}
		}
	}
	return m
}

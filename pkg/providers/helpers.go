package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
)

func responseSnippet(body []byte) string {
	const maxLen = 512
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	if s == "" {
		return "<empty>"
	}
	return s
}

// checkResponse turns transport failures and non-2xx statuses into classified errors.
func checkResponse(provider string, resp HTTPResponse, err error) ([]byte, error) {
	if err != nil {
		return nil, domain.TransportError(provider, err)
	}
	body := resp.Body()
	status := resp.StatusCode()
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return nil, domain.Upstream(provider, status, responseSnippet(body))
	}
	return body, nil
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// handleFromURL extracts the last non-empty path segment, dropping a leading "@".
func handleFromURL(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimPrefix(s, "@")
}

// resolveHandle prefers the explicit handle, falling back to the URL.
func resolveHandle(profileURL, handle string) string {
	if h := strings.TrimPrefix(strings.TrimSpace(handle), "@"); h != "" {
		return h
	}
	return handleFromURL(profileURL)
}

func wrapFetch(provider string, platform domain.Platform, err error) error {
	return fmt.Errorf("%s %s fetch: %w", provider, platform, err)
}

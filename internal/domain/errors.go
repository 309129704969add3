package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotConfigured          = errors.New("provider not configured")
	ErrUnsupportedPlatform    = errors.New("unsupported platform")
	ErrUnsupportedProfileType = errors.New("unsupported profile type")
	ErrRateLimited            = errors.New("rate limited")
	ErrTimeout                = errors.New("timeout")
	ErrUpstream               = errors.New("upstream error")
	ErrNoData                 = errors.New("no data returned")
	ErrNoProviderAvailable    = errors.New("no provider available")
	ErrNoLink                 = errors.New("no social link for platform")

	ErrJobNotFound     = errors.New("job not found")
	ErrPodcastNotFound = errors.New("podcast not found")
	ErrStatusConflict  = errors.New("job status changed concurrently")
	ErrNoPlatforms     = errors.New("no platforms to fetch")
)

// UpstreamError describes a failed call to a third-party service.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Detail     string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: upstream status %d: %s", e.Provider, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s: upstream: %s", e.Provider, e.Detail)
}

// Unwrap maps HTTP 429 to ErrRateLimited and everything else to ErrUpstream.
func (e *UpstreamError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return ErrUpstream
}

// Upstream builds an UpstreamError.
func Upstream(provider string, status int, detail string) error {
	return &UpstreamError{Provider: provider, StatusCode: status, Detail: detail}
}

// TransportError classifies an error returned by the HTTP layer, mapping
// deadline expiry to ErrTimeout.
func TransportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", provider, ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &UpstreamError{Provider: provider, Detail: err.Error()}
}

// IsTransient reports whether err is worth retrying at the job level.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrUpstream)
}

// IsPermanent reports errors that will not change on retry with the same inputs.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotConfigured) ||
		errors.Is(err, ErrUnsupportedPlatform) ||
		errors.Is(err, ErrUnsupportedProfileType) ||
		errors.Is(err, ErrNoLink) ||
		errors.Is(err, ErrNoProviderAvailable)
}

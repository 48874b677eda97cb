package manifestbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrInvalidAppID is returned when the AppID isn't a positive integer
	ErrInvalidAppID = errors.New("invalid app ID")

	// ErrNoManifests is returned when no configured repository has
	// manifests for the AppID
	ErrNoManifests = errors.New("no manifests found")
)

// ManifestFetcher downloads manifest files for an AppID and reports the
// GitHub API rate limit.
type ManifestFetcher interface {
	// Download writes all manifest files for appID into outputDir, and
	// returns the paths written. Files already present in outputDir are
	// not downloaded again, but are still returned.
	Download(ctx context.Context, appID string, outputDir string) ([]string, error)

	// RateLimit returns the current GitHub API rate limit
	RateLimit(ctx context.Context) (RateLimit, error)
}

// RateLimit is a snapshot of the GitHub API rate limit
type RateLimit struct {
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
	Used      int `json:"used"`

	// Reset is the unix timestamp (seconds) at which the limit resets
	Reset int64 `json:"reset"`

	// Known is false when the limit has never been observed
	Known bool `json:"known"`
}

func (r RateLimit) ResetTime() time.Time {
	return time.Unix(r.Reset, 0).UTC()
}

// Exhausted reports whether no requests remain
func (r RateLimit) Exhausted() bool {
	return r.Known && r.Limit > 0 && r.Remaining <= 0
}

// String renders the limit as "<used>/<limit> requests used"
func (r RateLimit) String() string {
	if !r.Known {
		return "?/? requests used"
	}
	return fmt.Sprintf("%d/%d requests used", r.Used, r.Limit)
}

func (r RateLimit) LogValue() slog.Value {
	if !r.Known {
		return slog.StringValue("unknown")
	}
	return slog.GroupValue(
		slog.Int("limit", r.Limit),
		slog.Int("remaining", r.Remaining),
		slog.Int("used", r.Used),
		slog.Time("reset", r.ResetTime()),
	)
}

// FetchError is returned when a request to GitHub or a CDN fails
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("request to %s failed (status %d): %s", e.URL, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("request to %s failed: %s", e.URL, e.Err)
	default:
		return fmt.Sprintf("request to %s failed with status %d", e.URL, e.StatusCode)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

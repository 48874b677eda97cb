package manifestbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	manifestFileExtension = ".manifest"
	githubAPIVersion      = "2022-11-28"
	githubAcceptHeader    = "application/vnd.github+json"

	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitUsed      = "X-RateLimit-Used"
	headerRateLimitReset     = "X-RateLimit-Reset"

	cdnPlaceholderRepo = "{repo}"
	cdnPlaceholderSHA  = "{sha}"
	cdnPlaceholderPath = "{path}"
)

// maxManifestSize caps the size of a single downloaded file
var maxManifestSize int64 = 64 << 20

// githubBranch is the subset of the 'get a branch' response we use
type githubBranch struct {
	Name   string `json:"name"`
	Commit struct {
		SHA    string `json:"sha"`
		Commit struct {
			Author struct {
				Date time.Time `json:"date"`
			} `json:"author"`
			Tree struct {
				SHA string `json:"sha"`
				URL string `json:"url"`
			} `json:"tree"`
		} `json:"commit"`
	} `json:"commit"`
}

type githubTree struct {
	SHA       string `json:"sha"`
	Truncated bool   `json:"truncated"`
	Tree      []struct {
		Path string `json:"path"`
		Type string `json:"type"`
	} `json:"tree"`
}

type githubRateLimitResponse struct {
	Rate struct {
		Limit     int   `json:"limit"`
		Remaining int   `json:"remaining"`
		Reset     int64 `json:"reset"`
		Used      int   `json:"used"`
	} `json:"rate"`
}

// manifestSource identifies the commit manifests are downloaded from
type manifestSource struct {
	Repo      string
	SHA       string
	TreeURL   string
	Committed time.Time
}

func (s manifestSource) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("repo", s.Repo),
		slog.String("sha", s.SHA),
		slog.Time("committed", s.Committed),
	)
}

// GitHubFetcher implements ManifestFetcher against GitHub-hosted manifest
// repositories, where each AppID has its own branch.
type GitHubFetcher struct {
	config  *GitHubConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu        sync.RWMutex
	rateLimit RateLimit
}

// NewGitHubFetcher returns a GitHubFetcher. If client is nil,
// http.DefaultClient is used.
func NewGitHubFetcher(
	config *GitHubConfig,
	client *http.Client,
	logger *slog.Logger,
) *GitHubFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if config.MaxRequestsPerSecond > 0 {
		limit = rate.Limit(config.MaxRequestsPerSecond)
	}
	return &GitHubFetcher{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// SetMaxRequestsPerSecond updates request pacing. 0 disables pacing.
func (g *GitHubFetcher) SetMaxRequestsPerSecond(n float64) {
	if n <= 0 {
		g.limiter.SetLimit(rate.Inf)
		return
	}
	g.limiter.SetLimit(rate.Limit(n))
}

// CachedRateLimit returns the rate limit observed on the most recent
// GitHub API response, without making a request.
func (g *GitHubFetcher) CachedRateLimit() RateLimit {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rateLimit
}

// RateLimit requests the current rate limit from GitHub. If the request
// fails, the last observed rate limit is returned instead, and the error
// is only returned if no rate limit has been observed yet.
func (g *GitHubFetcher) RateLimit(ctx context.Context) (RateLimit, error) {
	var resp githubRateLimitResponse
	u := g.apiURL("rate_limit")
	if _, err := g.apiGet(ctx, u, &resp); err != nil {
		cached := g.CachedRateLimit()
		g.logger.WarnContext(
			ctx,
			"unable to check rate limit, using last known value",
			tint.Err(err),
			"rate_limit", cached,
		)
		if cached.Known {
			return cached, nil
		}
		return cached, err
	}

	rl := RateLimit{
		Limit:     resp.Rate.Limit,
		Remaining: resp.Rate.Remaining,
		Used:      resp.Rate.Used,
		Reset:     resp.Rate.Reset,
		Known:     true,
	}
	g.mu.Lock()
	g.rateLimit = rl
	g.mu.Unlock()

	g.logger.InfoContext(ctx, "github rate limit", "rate_limit", rl)
	return rl, nil
}

// Download finds the most recently updated repository with a branch
// for appID, and downloads every manifest file in that branch's tree
// into outputDir.
func (g *GitHubFetcher) Download(
	ctx context.Context,
	appID string,
	outputDir string,
) ([]string, error) {
	if err := validateAppID(appID); err != nil {
		return nil, err
	}
	logger := g.logger.With("app_id", appID)

	source, err := g.latestSource(ctx, appID)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "selected manifest source", "source", source)

	manifests, err := g.listManifests(ctx, source)
	if err != nil {
		return nil, err
	}
	if len(manifests) == 0 {
		return nil, fmt.Errorf("%w for app ID %s", ErrNoManifests, appID)
	}

	if err = os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating output directory: %w", err)
	}

	paths := make([]string, 0, len(manifests))
	pathsMu := sync.Mutex{}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.config.DownloadConcurrency)

	// manifests in different directories can share a file name. The
	// first one listed wins.
	destinations := make(map[string]string, len(manifests))
	for _, p := range manifests {
		dest := filepath.Join(outputDir, path.Base(p))
		if first, ok := destinations[dest]; ok {
			logger.WarnContext(
				ctx,
				"skipping manifest with duplicate file name",
				"path", p,
				"kept", first,
			)
			continue
		}
		destinations[dest] = p

		eg.Go(
			func() error {
				if _, statErr := os.Stat(dest); statErr == nil {
					logger.WarnContext(egCtx, "manifest already exists", "path", dest)
				} else {
					content, fetchErr := g.fetchFile(egCtx, source, p)
					if fetchErr != nil {
						return fetchErr
					}
					if writeErr := os.WriteFile(dest, content, 0o644); writeErr != nil {
						return fmt.Errorf("error writing %s: %w", dest, writeErr)
					}
					logger.InfoContext(
						egCtx,
						"manifest downloaded",
						"path", p,
						"bytes", len(content),
					)
				}
				pathsMu.Lock()
				paths = append(paths, dest)
				pathsMu.Unlock()
				return nil
			},
		)
	}
	if err = eg.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(paths)
	return paths, nil
}

// latestSource checks each configured repository for a branch named
// appID, and returns the one with the most recent commit.
func (g *GitHubFetcher) latestSource(
	ctx context.Context,
	appID string,
) (*manifestSource, error) {
	var selected *manifestSource
	var lastErr error

	for _, repo := range g.config.Repositories {
		var branch githubBranch
		u := g.apiURL("repos", repo, "branches", appID)
		status, err := g.apiGet(ctx, u, &branch)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if status != http.StatusNotFound {
				lastErr = err
				g.logger.WarnContext(
					ctx,
					"error checking repository",
					tint.Err(err),
					"repo", repo,
				)
			}
			continue
		}
		if branch.Commit.SHA == "" {
			continue
		}
		committed := branch.Commit.Commit.Author.Date
		if selected == nil || committed.After(selected.Committed) {
			selected = &manifestSource{
				Repo:      repo,
				SHA:       branch.Commit.SHA,
				TreeURL:   branch.Commit.Commit.Tree.URL,
				Committed: committed,
			}
		}
	}

	if selected != nil {
		return selected, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w for app ID %s", ErrNoManifests, appID)
}

// listManifests returns the paths of all manifest files in the source's tree
func (g *GitHubFetcher) listManifests(
	ctx context.Context,
	source *manifestSource,
) ([]string, error) {
	treeURL := source.TreeURL
	if treeURL == "" {
		treeURL = g.apiURL("repos", source.Repo, "git", "trees", source.SHA)
	}

	var tree githubTree
	if _, err := g.apiGet(ctx, treeURL, &tree); err != nil {
		return nil, err
	}
	if tree.Truncated {
		g.logger.WarnContext(ctx, "tree truncated, some manifests may be missing", "source", source)
	}

	var manifests []string
	for _, item := range tree.Tree {
		if item.Type != "" && item.Type != "blob" {
			continue
		}
		if strings.HasSuffix(item.Path, manifestFileExtension) {
			manifests = append(manifests, item.Path)
		}
	}
	return manifests, nil
}

// fetchFile downloads a single file, trying each CDN template in order,
// for up to DownloadRounds passes. The first successful response wins.
func (g *GitHubFetcher) fetchFile(
	ctx context.Context,
	source *manifestSource,
	filePath string,
) ([]byte, error) {
	var lastErr error
	for round := 0; round < g.config.DownloadRounds; round++ {
		for _, tmpl := range g.config.CDNTemplates {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			u := expandCDNTemplate(tmpl, source.Repo, source.SHA, filePath)
			content, err := g.download(ctx, u)
			if err == nil {
				return content, nil
			}
			lastErr = err
			g.logger.DebugContext(
				ctx,
				"download failed",
				tint.Err(err),
				"url", u,
				"round", round+1,
			)
		}
	}
	return nil, fmt.Errorf("unable to download %s: %w", filePath, lastErr)
}

func (g *GitHubFetcher) download(ctx context.Context, u string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &FetchError{URL: u, Err: err}
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: u, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{URL: u, StatusCode: resp.StatusCode}
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		return nil, &FetchError{URL: u, StatusCode: resp.StatusCode, Err: err}
	}
	if int64(len(content)) > maxManifestSize {
		return nil, &FetchError{
			URL:        u,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("file exceeds %d bytes", maxManifestSize),
		}
	}
	return content, nil
}

// apiGet sends an authenticated, paced GET request to the GitHub API and
// decodes the JSON response into v. The response status is returned
// alongside any error.
func (g *GitHubFetcher) apiGet(ctx context.Context, u string, v any) (int, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, &FetchError{URL: u, Err: err}
	}
	req.Header.Set("Accept", githubAcceptHeader)
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	if g.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.config.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, &FetchError{URL: u, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	g.updateRateLimit(resp.Header)

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		fetchErr := &FetchError{URL: u, StatusCode: resp.StatusCode}
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
			if rl := g.CachedRateLimit(); rl.Exhausted() {
				fetchErr.Err = fmt.Errorf(
					"github rate limit exhausted until %s",
					rl.ResetTime().Format(time.RFC3339),
				)
			}
		}
		return resp.StatusCode, fetchErr
	}

	if err = json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, &FetchError{
			URL:        u,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("error decoding response: %w", err),
		}
	}
	return resp.StatusCode, nil
}

// updateRateLimit caches the rate limit reported in GitHub's response
// headers, if present.
func (g *GitHubFetcher) updateRateLimit(h http.Header) {
	if h.Get(headerRateLimitLimit) == "" {
		return
	}
	limit, limitErr := strconv.Atoi(h.Get(headerRateLimitLimit))
	remaining, remainingErr := strconv.Atoi(h.Get(headerRateLimitRemaining))
	reset, resetErr := strconv.ParseInt(h.Get(headerRateLimitReset), 10, 64)
	if err := errors.Join(limitErr, remainingErr, resetErr); err != nil {
		g.logger.Warn("unable to parse rate limit headers", tint.Err(err))
		return
	}
	used, usedErr := strconv.Atoi(h.Get(headerRateLimitUsed))
	if usedErr != nil {
		used = limit - remaining
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.rateLimit = RateLimit{
		Limit:     limit,
		Remaining: remaining,
		Used:      used,
		Reset:     reset,
		Known:     true,
	}
}

func (g *GitHubFetcher) apiURL(elem ...string) string {
	return strings.TrimSuffix(g.config.APIURL, "/") + "/" + strings.Join(elem, "/")
}

// validateAppID returns ErrInvalidAppID unless appID is a positive integer
func validateAppID(appID string) error {
	n, err := strconv.ParseUint(appID, 10, 32)
	if err != nil || n == 0 {
		return fmt.Errorf("%w: %q", ErrInvalidAppID, appID)
	}
	return nil
}

func expandCDNTemplate(tmpl, repo, sha, filePath string) string {
	return strings.NewReplacer(
		cdnPlaceholderRepo, repo,
		cdnPlaceholderSHA, sha,
		cdnPlaceholderPath, filePath,
	).Replace(tmpl)
}

func cdnTemplateValid(tmpl string) bool {
	return strings.Contains(tmpl, cdnPlaceholderPath)
}

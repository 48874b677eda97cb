package manifestbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

type fakeTreeEntry struct {
	Path    string
	Type    string
	Content string
}

type fakeBranch struct {
	SHA         string
	Date        time.Time
	OmitTreeURL bool
	Entries     []fakeTreeEntry
}

// fakeGitHub serves the subset of the GitHub API used by GitHubFetcher,
// plus two CDNs serving file content
type fakeGitHub struct {
	t      testing.TB
	server *httptest.Server

	mu        sync.Mutex
	repos     map[string]map[string]fakeBranch
	rateLimit RateLimit
	// statuses override the response for an API path or CDN name
	apiStatus map[string]int
	cdnStatus map[string]int

	apiRequests []*http.Request
	cdnHits     map[string]int
}

func newFakeGitHub(t testing.TB) *fakeGitHub {
	t.Helper()
	f := &fakeGitHub{
		t:         t,
		repos:     map[string]map[string]fakeBranch{},
		apiStatus: map[string]int{},
		cdnStatus: map[string]int{},
		cdnHits:   map[string]int{},
		rateLimit: RateLimit{Limit: 60, Remaining: 58, Used: 2, Reset: 1725192000, Known: true},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rate_limit", f.handleRateLimit)
	mux.HandleFunc("GET /api/repos/{owner}/{name}/branches/{branch}", f.handleBranch)
	mux.HandleFunc("GET /api/repos/{owner}/{name}/git/trees/{sha}", f.handleTree)
	mux.HandleFunc("GET /cdn/{cdn}/{owner}/{name}/{sha}/{path...}", f.handleCDN)

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeGitHub) addBranch(repo string, appID string, b fakeBranch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.repos[repo] == nil {
		f.repos[repo] = map[string]fakeBranch{}
	}
	f.repos[repo][appID] = b
}

func (f *fakeGitHub) setAPIStatus(p string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiStatus[p] = status
}

func (f *fakeGitHub) setCDNStatus(cdn string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cdnStatus[cdn] = status
}

func (f *fakeGitHub) hits(cdn, filePath string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cdnHits[cdn+":"+filePath]
}

func (f *fakeGitHub) totalCDNHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, v := range f.cdnHits {
		n += v
	}
	return n
}

func (f *fakeGitHub) requests() []*http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*http.Request{}, f.apiRequests...)
}

// config returns a GitHubConfig pointed at the fake API and CDNs
func (f *fakeGitHub) config(repos ...string) *GitHubConfig {
	cfg := DefaultConfig().GitHub
	cfg.APIURL = f.server.URL + "/api"
	cfg.Repositories = repos
	cfg.CDNTemplates = []string{
		f.server.URL + "/cdn/cdn1/{repo}/{sha}/{path}",
		f.server.URL + "/cdn/cdn2/{repo}/{sha}/{path}",
	}
	cfg.MaxRequestsPerSecond = 0
	cfg.RequestTimeout = 5 * time.Second
	cfg.LogLevel.Set(slog.LevelWarn)
	return cfg
}

func (f *fakeGitHub) fetcher(repos ...string) *GitHubFetcher {
	cfg := f.config(repos...)
	return NewGitHubFetcher(
		cfg,
		f.server.Client(),
		newComponentLogger("github", cfg.LogLevel),
	)
}

// apiResponse records the request, writes rate limit headers and
// returns false if a status override was written instead of a response
func (f *fakeGitHub) apiResponse(w http.ResponseWriter, r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiRequests = append(f.apiRequests, r)

	rl := f.rateLimit
	if rl.Known {
		w.Header().Set(headerRateLimitLimit, strconv.Itoa(rl.Limit))
		w.Header().Set(headerRateLimitRemaining, strconv.Itoa(rl.Remaining))
		w.Header().Set(headerRateLimitUsed, strconv.Itoa(rl.Used))
		w.Header().Set(headerRateLimitReset, strconv.FormatInt(rl.Reset, 10))
	}
	if status, ok := f.apiStatus[r.URL.Path]; ok {
		w.WriteHeader(status)
		return false
	}
	return true
}

func (f *fakeGitHub) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		f.t.Errorf("error encoding response: %v", err)
	}
}

func (f *fakeGitHub) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	if !f.apiResponse(w, r) {
		return
	}
	f.mu.Lock()
	rl := f.rateLimit
	f.mu.Unlock()
	f.writeJSON(
		w, map[string]any{
			"rate": map[string]any{
				"limit":     rl.Limit,
				"remaining": rl.Remaining,
				"reset":     rl.Reset,
				"used":      rl.Used,
			},
		},
	)
}

func (f *fakeGitHub) handleBranch(w http.ResponseWriter, r *http.Request) {
	if !f.apiResponse(w, r) {
		return
	}
	repo := r.PathValue("owner") + "/" + r.PathValue("name")
	appID := r.PathValue("branch")

	f.mu.Lock()
	b, ok := f.repos[repo][appID]
	f.mu.Unlock()
	if !ok {
		http.Error(w, `{"message":"Branch not found"}`, http.StatusNotFound)
		return
	}

	tree := map[string]any{"sha": b.SHA}
	if !b.OmitTreeURL {
		tree["url"] = fmt.Sprintf("%s/api/repos/%s/git/trees/%s", f.server.URL, repo, b.SHA)
	}
	f.writeJSON(
		w, map[string]any{
			"name": appID,
			"commit": map[string]any{
				"sha": b.SHA,
				"commit": map[string]any{
					"author": map[string]any{"date": b.Date.Format(time.RFC3339)},
					"tree":   tree,
				},
			},
		},
	)
}

func (f *fakeGitHub) branchBySHA(repo, sha string) (fakeBranch, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.repos[repo] {
		if b.SHA == sha {
			return b, true
		}
	}
	return fakeBranch{}, false
}

func (f *fakeGitHub) handleTree(w http.ResponseWriter, r *http.Request) {
	if !f.apiResponse(w, r) {
		return
	}
	repo := r.PathValue("owner") + "/" + r.PathValue("name")
	b, ok := f.branchBySHA(repo, r.PathValue("sha"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	entries := make([]map[string]any, 0, len(b.Entries))
	for _, e := range b.Entries {
		entryType := e.Type
		if entryType == "" {
			entryType = "blob"
		}
		entries = append(entries, map[string]any{"path": e.Path, "type": entryType})
	}
	f.writeJSON(w, map[string]any{"sha": b.SHA, "truncated": false, "tree": entries})
}

func (f *fakeGitHub) handleCDN(w http.ResponseWriter, r *http.Request) {
	cdn := r.PathValue("cdn")
	repo := r.PathValue("owner") + "/" + r.PathValue("name")
	filePath := r.PathValue("path")

	f.mu.Lock()
	f.cdnHits[cdn+":"+filePath]++
	status, override := f.cdnStatus[cdn]
	f.mu.Unlock()

	if override {
		w.WriteHeader(status)
		return
	}

	b, ok := f.branchBySHA(repo, r.PathValue("sha"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	for _, e := range b.Entries {
		if e.Path == filePath {
			_, _ = w.Write([]byte(e.Content))
			return
		}
	}
	http.NotFound(w, r)
}

func manifestEntries(appID string, n int) []fakeTreeEntry {
	entries := make([]fakeTreeEntry, 0, n)
	for i := 1; i <= n; i++ {
		entries = append(
			entries,
			fakeTreeEntry{
				Path:    fmt.Sprintf("%s_%d.manifest", appID, i),
				Content: fmt.Sprintf("manifest %s %d", appID, i),
			},
		)
	}
	return entries
}

func TestGitHubFetcher_Download(t *testing.T) {
	gh := newFakeGitHub(t)

	gh.addBranch(
		"old/manifests", "730", fakeBranch{
			SHA:     "oldsha",
			Date:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Entries: manifestEntries("730", 5),
		},
	)
	gh.addBranch(
		"new/manifests", "730", fakeBranch{
			SHA:  "newsha",
			Date: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
			Entries: append(
				manifestEntries("730", 2),
				fakeTreeEntry{Path: "depots/730_3.manifest", Content: "nested"},
				fakeTreeEntry{Path: "README.md", Content: "readme"},
				fakeTreeEntry{Path: "Key.vdf", Content: "keys"},
				fakeTreeEntry{Path: "dir.manifest", Type: "tree"},
			),
		},
	)

	fetcher := gh.fetcher("old/manifests", "missing/manifests", "new/manifests")
	fetcher.config.Token = "ghp_test"
	outputDir := filepath.Join(t.TempDir(), "out")

	paths, err := fetcher.Download(context.Background(), "730", outputDir)
	require.NoError(t, err)

	require.Equal(
		t,
		[]string{
			filepath.Join(outputDir, "730_1.manifest"),
			filepath.Join(outputDir, "730_2.manifest"),
			filepath.Join(outputDir, "730_3.manifest"),
		},
		paths,
	)

	content, err := os.ReadFile(filepath.Join(outputDir, "730_1.manifest"))
	require.NoError(t, err)
	assert.Equal(t, "manifest 730 1", string(content))
	content, err = os.ReadFile(filepath.Join(outputDir, "730_3.manifest"))
	require.NoError(t, err)
	assert.Equal(t, "nested", string(content))

	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// only the newest repository's files are fetched, from the first CDN
	assert.Equal(t, 1, gh.hits("cdn1", "730_1.manifest"))
	assert.Equal(t, 0, gh.hits("cdn2", "730_1.manifest"))
	assert.Equal(t, 3, gh.totalCDNHits())

	for _, r := range gh.requests() {
		assert.Equal(t, "Bearer ghp_test", r.Header.Get("Authorization"), r.URL.Path)
		assert.Equal(t, githubAcceptHeader, r.Header.Get("Accept"))
		assert.Equal(t, githubAPIVersion, r.Header.Get("X-GitHub-Api-Version"))
	}

	cached := fetcher.CachedRateLimit()
	assert.True(t, cached.Known)
	assert.Equal(t, 2, cached.Used)
	assert.Equal(t, 60, cached.Limit)
}

func TestGitHubFetcher_DownloadTreeURLFallback(t *testing.T) {
	gh := newFakeGitHub(t)
	gh.addBranch(
		"foo/manifests", "440", fakeBranch{
			SHA:         "abc123",
			Date:        time.Now(),
			OmitTreeURL: true,
			Entries:     manifestEntries("440", 2),
		},
	)

	fetcher := gh.fetcher("foo/manifests")
	paths, err := fetcher.Download(context.Background(), "440", t.TempDir())
	require.NoError(t, err)
	assert.Len(t, paths, 2)

	var treeRequested bool
	for _, r := range gh.requests() {
		if r.URL.Path == "/api/repos/foo/manifests/git/trees/abc123" {
			treeRequested = true
		}
		assert.Empty(t, r.Header.Get("Authorization"))
	}
	assert.True(t, treeRequested)
}

func TestGitHubFetcher_CDNFallback(t *testing.T) {
	gh := newFakeGitHub(t)
	gh.addBranch(
		"foo/manifests", "730", fakeBranch{
			SHA:     "abc123",
			Date:    time.Now(),
			Entries: manifestEntries("730", 2),
		},
	)
	gh.setCDNStatus("cdn1", http.StatusBadGateway)

	fetcher := gh.fetcher("foo/manifests")
	outputDir := t.TempDir()
	paths, err := fetcher.Download(context.Background(), "730", outputDir)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	for _, name := range []string{"730_1.manifest", "730_2.manifest"} {
		assert.Equal(t, 1, gh.hits("cdn1", name))
		assert.Equal(t, 1, gh.hits("cdn2", name))
	}
	content, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	assert.Equal(t, "manifest 730 2", string(content))
}

func TestGitHubFetcher_AllCDNsFail(t *testing.T) {
	gh := newFakeGitHub(t)
	gh.addBranch(
		"foo/manifests", "730", fakeBranch{
			SHA:     "abc123",
			Date:    time.Now(),
			Entries: manifestEntries("730", 1),
		},
	)
	gh.setCDNStatus("cdn1", http.StatusNotFound)
	gh.setCDNStatus("cdn2", http.StatusInternalServerError)

	fetcher := gh.fetcher("foo/manifests")
	fetcher.config.DownloadRounds = 2

	paths, err := fetcher.Download(context.Background(), "730", t.TempDir())
	require.Error(t, err)
	assert.Nil(t, paths)
	assert.Contains(t, err.Error(), "unable to download 730_1.manifest")

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusInternalServerError, fetchErr.StatusCode)

	assert.Equal(t, 2, gh.hits("cdn1", "730_1.manifest"))
	assert.Equal(t, 2, gh.hits("cdn2", "730_1.manifest"))
}

func TestGitHubFetcher_InvalidAppID(t *testing.T) {
	gh := newFakeGitHub(t)
	fetcher := gh.fetcher("foo/manifests")

	for _, appID := range []string{"", "invalid_id", "-1", "0", "12ab", "99999999999999999999"} {
		_, err := fetcher.Download(context.Background(), appID, t.TempDir())
		assert.ErrorIs(t, err, ErrInvalidAppID, appID)
	}
	assert.Empty(t, gh.requests())
}

func TestGitHubFetcher_NoBranch(t *testing.T) {
	gh := newFakeGitHub(t)
	fetcher := gh.fetcher("foo/manifests", "bar/manifests")

	_, err := fetcher.Download(context.Background(), "730", t.TempDir())
	assert.ErrorIs(t, err, ErrNoManifests)
	assert.Len(t, gh.requests(), 2)
}

func TestGitHubFetcher_NoManifestFiles(t *testing.T) {
	gh := newFakeGitHub(t)
	gh.addBranch(
		"foo/manifests", "730", fakeBranch{
			SHA:  "abc123",
			Date: time.Now(),
			Entries: []fakeTreeEntry{
				{Path: "README.md", Content: "readme"},
				{Path: "730.json", Content: "{}"},
			},
		},
	)

	fetcher := gh.fetcher("foo/manifests")
	outputDir := filepath.Join(t.TempDir(), "out")
	_, err := fetcher.Download(context.Background(), "730", outputDir)
	assert.ErrorIs(t, err, ErrNoManifests)
	assert.Equal(t, 0, gh.totalCDNHits())
}

func TestGitHubFetcher_ExistingFileNotDownloaded(t *testing.T) {
	gh := newFakeGitHub(t)
	gh.addBranch(
		"foo/manifests", "730", fakeBranch{
			SHA:     "abc123",
			Date:    time.Now(),
			Entries: manifestEntries("730", 2),
		},
	)
	outputDir := t.TempDir()
	existing := filepath.Join(outputDir, "730_1.manifest")
	require.NoError(t, os.WriteFile(existing, []byte("local"), 0o644))

	fetcher := gh.fetcher("foo/manifests")
	paths, err := fetcher.Download(context.Background(), "730", outputDir)
	require.NoError(t, err)
	assert.Equal(t, []string{existing, filepath.Join(outputDir, "730_2.manifest")}, paths)

	content, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "local", string(content))
	assert.Equal(t, 0, gh.hits("cdn1", "730_1.manifest"))
	assert.Equal(t, 1, gh.hits("cdn1", "730_2.manifest"))
}

func TestGitHubFetcher_DuplicateFileNames(t *testing.T) {
	gh := newFakeGitHub(t)
	gh.addBranch(
		"foo/manifests", "730", fakeBranch{
			SHA:  "abc123",
			Date: time.Now(),
			Entries: []fakeTreeEntry{
				{Path: "x/730_1.manifest", Content: "from x"},
				{Path: "y/730_1.manifest", Content: "from y"},
				{Path: "730_2.manifest", Content: "second"},
			},
		},
	)
	outputDir := filepath.Join(t.TempDir(), "out")

	fetcher := gh.fetcher("foo/manifests")
	paths, err := fetcher.Download(context.Background(), "730", outputDir)
	require.NoError(t, err)
	assert.Equal(
		t,
		[]string{
			filepath.Join(outputDir, "730_1.manifest"),
			filepath.Join(outputDir, "730_2.manifest"),
		},
		paths,
	)

	content, err := os.ReadFile(filepath.Join(outputDir, "730_1.manifest"))
	require.NoError(t, err)
	assert.Equal(t, "from x", string(content))

	assert.Equal(t, 1, gh.hits("cdn1", "x/730_1.manifest"))
	assert.Equal(t, 0, gh.hits("cdn1", "y/730_1.manifest"))
	assert.Equal(t, 2, gh.totalCDNHits())
}

func TestGitHubFetcher_RepositoryError(t *testing.T) {
	gh := newFakeGitHub(t)
	gh.setAPIStatus("/api/repos/foo/manifests/branches/730", http.StatusBadGateway)

	fetcher := gh.fetcher("foo/manifests")
	_, err := fetcher.Download(context.Background(), "730", t.TempDir())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoManifests)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusBadGateway, fetchErr.StatusCode)
	assert.Equal(t, "GitHub request failed with status 502", userFacingError(err))
}

func TestGitHubFetcher_RateLimitExhausted(t *testing.T) {
	gh := newFakeGitHub(t)
	gh.rateLimit = RateLimit{Limit: 60, Remaining: 0, Used: 60, Reset: 1725192000, Known: true}
	gh.setAPIStatus("/api/repos/foo/manifests/branches/730", http.StatusForbidden)

	fetcher := gh.fetcher("foo/manifests")
	_, err := fetcher.Download(context.Background(), "730", t.TempDir())
	require.Error(t, err)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusForbidden, fetchErr.StatusCode)
	assert.Contains(t, err.Error(), "github rate limit exhausted until 2024-09-01T12:00:00Z")
	assert.True(t, fetcher.CachedRateLimit().Exhausted())
}

func TestGitHubFetcher_RateLimit(t *testing.T) {
	gh := newFakeGitHub(t)
	gh.rateLimit = RateLimit{Limit: 5000, Remaining: 4000, Used: 1000, Reset: 1700000000, Known: true}

	fetcher := gh.fetcher("foo/manifests")
	rl, err := fetcher.RateLimit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gh.rateLimit, rl)
	assert.Equal(t, "1000/5000 requests used", rl.String())
	assert.Equal(t, rl, fetcher.CachedRateLimit())

	// falls back to the last known value when GitHub can't be reached
	gh.server.Close()
	rl, err = fetcher.RateLimit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1000, rl.Used)
}

func TestGitHubFetcher_RateLimitUnknown(t *testing.T) {
	gh := newFakeGitHub(t)
	gh.setAPIStatus("/api/rate_limit", http.StatusServiceUnavailable)
	gh.rateLimit = RateLimit{}

	fetcher := gh.fetcher("foo/manifests")
	rl, err := fetcher.RateLimit(context.Background())
	require.Error(t, err)
	assert.False(t, rl.Known)
	assert.Equal(t, "?/? requests used", rl.String())
}

func TestGitHubFetcher_UpdateRateLimit(t *testing.T) {
	fetcher := NewGitHubFetcher(DefaultConfig().GitHub, nil, nil)

	h := http.Header{}
	fetcher.updateRateLimit(h)
	assert.False(t, fetcher.CachedRateLimit().Known)

	h.Set(headerRateLimitLimit, "60")
	h.Set(headerRateLimitRemaining, "not-a-number")
	h.Set(headerRateLimitReset, "1700000000")
	fetcher.updateRateLimit(h)
	assert.False(t, fetcher.CachedRateLimit().Known)

	// used is derived when the header is missing
	h.Set(headerRateLimitRemaining, "50")
	fetcher.updateRateLimit(h)
	assert.Equal(
		t,
		RateLimit{Limit: 60, Remaining: 50, Used: 10, Reset: 1700000000, Known: true},
		fetcher.CachedRateLimit(),
	)
}

func TestGitHubFetcher_ContextCanceled(t *testing.T) {
	gh := newFakeGitHub(t)
	fetcher := gh.fetcher("foo/manifests")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fetcher.Download(ctx, "730", t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestGitHubFetcher_SetMaxRequestsPerSecond(t *testing.T) {
	cfg := DefaultConfig().GitHub
	fetcher := NewGitHubFetcher(cfg, nil, nil)
	assert.Equal(t, rate.Limit(DefaultGitHubMaxRequestsPerSecond), fetcher.limiter.Limit())

	fetcher.SetMaxRequestsPerSecond(0)
	assert.Equal(t, rate.Inf, fetcher.limiter.Limit())

	fetcher.SetMaxRequestsPerSecond(1.5)
	assert.Equal(t, rate.Limit(1.5), fetcher.limiter.Limit())

	cfg.MaxRequestsPerSecond = 0
	assert.Equal(t, rate.Inf, NewGitHubFetcher(cfg, nil, nil).limiter.Limit())
}

func TestValidateAppID(t *testing.T) {
	tests := []struct {
		appID   string
		wantErr bool
	}{
		{appID: "730"},
		{appID: "271590"},
		{appID: "1"},
		{appID: "0", wantErr: true},
		{appID: "", wantErr: true},
		{appID: "invalid_id", wantErr: true},
		{appID: "-730", wantErr: true},
		{appID: "7 30", wantErr: true},
		{appID: "../730", wantErr: true},
	}
	for _, tc := range tests {
		err := validateAppID(tc.appID)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrInvalidAppID, tc.appID)
		} else {
			assert.NoError(t, err, tc.appID)
		}
	}
}

func TestExpandCDNTemplate(t *testing.T) {
	tests := []struct {
		tmpl string
		want string
	}{
		{
			tmpl: DefaultGitHubCDNTemplates[0],
			want: "https://raw.githubusercontent.com/foo/manifests/abc123/730_1.manifest",
		},
		{
			tmpl: DefaultGitHubCDNTemplates[1],
			want: "https://cdn.jsdelivr.net/gh/foo/manifests@abc123/730_1.manifest",
		},
		{
			tmpl: "https://mirror.example.com/{path}",
			want: "https://mirror.example.com/730_1.manifest",
		},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, expandCDNTemplate(tc.tmpl, "foo/manifests", "abc123", "730_1.manifest"))
	}

	assert.True(t, cdnTemplateValid("https://example.com/{path}"))
	assert.False(t, cdnTemplateValid("https://example.com/{repo}/{sha}"))
}

func TestGitHubConfigValidation(t *testing.T) {
	cfg := DefaultConfig().GitHub
	require.NoError(t, structValidator.Struct(cfg))

	cfg.CDNTemplates = []string{"https://example.com/{repo}/{sha}"}
	assert.Error(t, structValidator.Struct(cfg))

	cfg = DefaultConfig().GitHub
	cfg.Repositories = nil
	assert.Error(t, structValidator.Struct(cfg))

	cfg = DefaultConfig().GitHub
	cfg.DownloadConcurrency = 0
	assert.Error(t, structValidator.Struct(cfg))
}

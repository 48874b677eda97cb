package manifestbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Workspace hands out per-invocation output directories under a shared
// root, so concurrent /manifest invocations never read each other's files.
type Workspace struct {
	root   string
	keep   bool
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

func NewWorkspace(root string, keepFiles bool, logger *slog.Logger) *Workspace {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspace{
		root:   root,
		keep:   keepFiles,
		logger: logger,
		active: map[string]struct{}{},
	}
}

// Root returns the workspace root directory
func (w *Workspace) Root() string {
	return w.root
}

// Active returns the number of directories currently checked out
func (w *Workspace) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Acquire creates (if needed) a directory for the given key, and returns
// its path. The directory may hold files from an earlier run with the
// same key; callers clear it with clearOutputDirectory before use.
// An empty key, or a key already in use, gets a random suffix.
// The directory must be handed back with Release.
func (w *Workspace) Acquire(ctx context.Context, key string) (string, error) {
	key = sanitizeWorkspaceKey(key)

	w.mu.Lock()
	if _, inUse := w.active[key]; inUse || key == "" {
		key = strings.TrimPrefix(key+"-"+uuid.NewString(), "-")
	}
	w.active[key] = struct{}{}
	w.mu.Unlock()

	dir := filepath.Join(w.root, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.forget(key)
		return "", fmt.Errorf("error creating workspace directory: %w", err)
	}
	w.logger.DebugContext(ctx, "acquired workspace directory", "dir", dir)
	return dir, nil
}

// Release removes the directory returned by Acquire, unless the
// workspace is configured to keep files.
func (w *Workspace) Release(ctx context.Context, dir string) {
	defer w.forget(filepath.Base(dir))

	if w.keep {
		w.logger.DebugContext(ctx, "keeping workspace directory", "dir", dir)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		w.logger.WarnContext(ctx, "error removing workspace directory", tint.Err(err), "dir", dir)
	}
}

func (w *Workspace) forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, key)
}

// clearOutputDirectory removes every entry in dir. A missing directory
// is not an error. Entries that can't be removed are logged, and the
// returned error joins every failure.
func clearOutputDirectory(ctx context.Context, logger *slog.Logger, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	var errs []error
	for _, entry := range entries {
		p := filepath.Join(dir, entry.Name())
		if rmErr := os.RemoveAll(p); rmErr != nil {
			logger.WarnContext(ctx, "failed to delete file", tint.Err(rmErr), "path", p)
			errs = append(errs, rmErr)
			continue
		}
		logger.DebugContext(ctx, "deleted existing file", "path", p)
	}
	return errors.Join(errs...)
}

// sanitizeWorkspaceKey strips anything from key that could escape the
// workspace root
func sanitizeWorkspaceKey(key string) string {
	key = strings.Map(
		func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				return r
			case r == '-' || r == '_':
				return r
			default:
				return -1
			}
		},
		key,
	)
	return truncate(key, 64)
}

package manifestbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/klauspost/compress/zip"
	"github.com/lmittmann/tint"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	manifestContentType = "application/octet-stream"
	archiveContentType  = "application/zip"
)

// manifestFile is a validated manifest, read into memory for upload
type manifestFile struct {
	Name    string
	Content []byte
}

// loadManifestFiles reads each path into memory. Paths that don't exist,
// are empty, or can't be read are skipped with a warning.
func loadManifestFiles(
	ctx context.Context,
	logger *slog.Logger,
	paths []string,
) []manifestFile {
	files := make([]manifestFile, 0, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(p)
		switch {
		case err != nil:
			logger.WarnContext(ctx, "invalid manifest file", tint.Err(err), "path", p)
			continue
		case len(content) == 0:
			logger.WarnContext(ctx, "skipping empty manifest file", "path", p)
			continue
		}
		files = append(files, manifestFile{Name: filepath.Base(p), Content: content})
	}
	return files
}

// archiveName returns the attachment name for the given AppID's archive
func archiveName(appID string) string {
	return fmt.Sprintf("manifests_%s.zip", appID)
}

// archiveManifests packs files into a single zip archive, one entry
// per file, named by file name.
func archiveManifests(files []manifestFile) (*bytes.Buffer, error) {
	if len(files) == 0 {
		return nil, errors.New("no files to archive")
	}

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	modified := time.Now()

	for _, f := range files {
		w, err := zw.CreateHeader(
			&zip.FileHeader{
				Name:     f.Name,
				Method:   zip.Deflate,
				Modified: modified,
			},
		)
		if err != nil {
			return nil, fmt.Errorf("error adding %s to archive: %w", f.Name, err)
		}
		if _, err = w.Write(f.Content); err != nil {
			return nil, fmt.Errorf("error writing %s to archive: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("error closing archive: %w", err)
	}
	return buf, nil
}

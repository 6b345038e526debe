package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/vbonduro/prodlens/internal/apperrors"
	"github.com/vbonduro/prodlens/internal/metrics"
)

// ArtifactStore writes analysis artifacts into a private temporary directory.
// File names are random, so concurrent requests never share a path.
type ArtifactStore struct {
	dir    string
	logger *slog.Logger
}

func NewArtifactStore(dir string, logger *slog.Logger) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &ArtifactStore{dir: dir, logger: logger}, nil
}

// Create writes d at original resolution and returns the artifact handle.
// Nothing is left on disk if Create fails.
func (s *ArtifactStore) Create(ctx context.Context, d *Decoded) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewResourceError("The request was cancelled", err)
	}

	data, ext, err := artifactContent(d)
	if err != nil {
		return nil, apperrors.NewResourceError("failed to encode artifact", err)
	}

	path := filepath.Join(s.dir, "artifact_"+uuid.NewString()+ext)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, apperrors.NewResourceError("failed to create artifact file", err)
	}
	if _, err := f.Write(data); err != nil {
		if cerr := f.Close(); cerr != nil {
			s.logger.Error("failed to close artifact after write error", "path", path, "error", cerr)
		}
		if rerr := os.Remove(path); rerr != nil {
			s.logger.Error("failed to remove artifact after write error", "path", path, "error", rerr)
		}
		return nil, apperrors.NewResourceError("failed to write artifact file", err)
	}
	if err := f.Close(); err != nil {
		if rerr := os.Remove(path); rerr != nil {
			s.logger.Error("failed to remove artifact after close error", "path", path, "error", rerr)
		}
		return nil, apperrors.NewResourceError("failed to close artifact file", err)
	}

	metrics.ArtifactsActive.Inc()
	s.logger.Debug("artifact materialized", "path", path, "bytes", len(data))
	return &Artifact{path: path, logger: s.logger}, nil
}

// artifactContent returns the bytes to persist for d. The original encoding is
// kept when it still matches the pixels; otherwise the image is stored as PNG.
func artifactContent(d *Decoded) ([]byte, string, error) {
	if d.original != nil {
		if d.format == "png" {
			return d.original, ".png", nil
		}
		return d.original, ".jpg", nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, d.img); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), ".png", nil
}

// Artifact is a materialized image file handed to the analysis client by path.
type Artifact struct {
	path   string
	logger *slog.Logger
	once   sync.Once
}

func (a *Artifact) Path() string { return a.path }

// Release deletes the artifact file. Only the first call does any work; later
// calls return nil. A file that is already gone is not an error. A failed
// delete is logged and counted, and the error is returned for the caller to
// log; it must not fail an otherwise successful request.
func (a *Artifact) Release() error {
	var err error
	a.once.Do(func() {
		rerr := os.Remove(a.path)
		if rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			metrics.ArtifactCleanupFailures.Inc()
			a.logger.Error("failed to delete artifact", "path", a.path, "error", rerr)
			err = fmt.Errorf("failed to delete artifact %s: %w", a.path, rerr)
			return
		}
		metrics.ArtifactsActive.Dec()
		a.logger.Debug("artifact released", "path", a.path)
	})
	return err
}

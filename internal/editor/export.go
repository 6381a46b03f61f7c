package editor

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/darkroom/internal/domain"
	"github.com/tjfontaine/darkroom/internal/metrics"
	"github.com/tjfontaine/darkroom/internal/storage"
)

// Export writes every confirmed image of the session to the export store under its
// uploaded filename. Duplicate filenames are prefixed with the image id.
func (s *Service) Export(ctx context.Context, sessionID string) (*ExportResult, error) {
	if s.exportStore == nil {
		return nil, domain.ErrServer("Export is not configured.")
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	type job struct {
		key  string
		name string
	}
	var jobs []job
	used := make(map[string]bool)
	for _, img := range sess.Images {
		if !img.Confirmed {
			continue
		}
		name := img.Filename
		if used[name] {
			name = img.ID + "_" + name
		}
		used[name] = true
		jobs = append(jobs, job{key: storage.ConfirmedKey(sess.ID, img.ID), name: name})
	}
	if len(jobs) == 0 {
		return nil, domain.ErrInvalidRequest("No images have been confirmed yet.")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.exportConcurrency)
	for _, j := range jobs {
		g.Go(func() error {
			data, err := s.blobs.Get(gctx, j.key)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", j.key, err)
			}
			if err := s.exportStore.Put(gctx, j.name, data); err != nil {
				return fmt.Errorf("failed to export %s: %w", j.name, err)
			}
			metrics.ExportedImagesTotal.Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, domain.ErrServer("Export failed.").WithCause(err)
	}

	s.logger.Info("session exported",
		slog.String("session_id", sess.ID),
		slog.Int("exported", len(jobs)),
		slog.String("dir", s.exportDir),
	)
	return &ExportResult{Exported: len(jobs), Dir: s.exportDir}, nil
}

// Message is the user-facing summary of an export.
func (r *ExportResult) Message() string {
	return fmt.Sprintf("Exported %d images to '%s' folder.", r.Exported, r.Dir)
}

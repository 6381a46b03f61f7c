// Package runtime provides the Darkroom struct and lifecycle management for the
// editing server.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/darkroom/internal/config"
	"github.com/tjfontaine/darkroom/internal/editor"
	"github.com/tjfontaine/darkroom/internal/filter"
	"github.com/tjfontaine/darkroom/internal/pipeline"
	"github.com/tjfontaine/darkroom/internal/server"
	"github.com/tjfontaine/darkroom/internal/storage"
)

// Darkroom wires configuration, storage, the filter executor and the HTTP server.
// It can be embedded in larger applications or run standalone.
type Darkroom struct {
	// Dependencies (injected via options or built from config)
	config    *config.Config
	sessions  storage.SessionStore
	blobs     storage.BlobStore
	exports   storage.BlobStore
	processor pipeline.Processor

	service *editor.Service
	server  *server.Server
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
}

// New creates a Darkroom. Dependencies not supplied by options are built from the
// configuration (WithConfig, or config.Load defaults).
func New(opts ...Option) (*Darkroom, error) {
	d := &Darkroom{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if d.config == nil {
		cfg, err := config.Load("")
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		d.config = cfg
	}
	if err := d.initDependencies(); err != nil {
		d.closeStores()
		return nil, err
	}

	executor := pipeline.NewExecutor(d.processor, pipeline.WithLogger(d.logger))
	d.service = editor.New(d.sessions, d.blobs, executor,
		editor.WithLogger(d.logger),
		editor.WithAllowedExtensions(d.config.Uploads.AllowedExtensions...),
		editor.WithExport(d.config.Export.Dir, d.exports),
		editor.WithExportConcurrency(d.config.Export.Concurrency),
	)

	d.server = server.New(d.config.Server, d.logger)
	server.NewHandler(d.service, d.config.Server.MaxUploadBytes, d.logger).Mount(d.server.Router)
	if d.config.Metrics.Enabled {
		d.server.MountMetrics(d.config.Metrics.Path)
	}

	return d, nil
}

func (d *Darkroom) initDependencies() error {
	cfg := d.config
	var err error

	if d.sessions == nil {
		d.logger.Info("opening session store", slog.String("type", cfg.Storage.Type))
		if d.sessions, err = newSessionStore(cfg.Storage); err != nil {
			return fmt.Errorf("create session store: %w", err)
		}
	}
	if d.blobs == nil {
		if d.blobs, err = newBlobStore(cfg.Storage.BlobDir); err != nil {
			return fmt.Errorf("create blob store: %w", err)
		}
	}
	if d.exports == nil {
		if d.exports, err = newBlobStore(cfg.Export.Dir); err != nil {
			return fmt.Errorf("create export store: %w", err)
		}
	}
	if d.processor == nil {
		if d.processor, err = pipeline.NewProcessorFromConfig(cfg.Filters, filter.NewLocal()); err != nil {
			return fmt.Errorf("create filter processor: %w", err)
		}
		if cfg.Filters.WebhookURL != "" {
			d.logger.Info("filter webhook enabled", slog.String("url", cfg.Filters.WebhookURL))
		}
	}
	return nil
}

// Service returns the editing service.
func (d *Darkroom) Service() *editor.Service {
	return d.service
}

// Server returns the HTTP server.
func (d *Darkroom) Server() *server.Server {
	return d.server
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (d *Darkroom) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("darkroom already started")
	}
	d.started = true
	d.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.server.Start()
	}()

	d.logger.Info("darkroom started",
		slog.Int("port", d.config.Server.Port),
		slog.String("storage", d.config.Storage.Type),
		slog.String("export_dir", d.config.Export.Dir))

	select {
	case err := <-errCh:
		d.closeStores()
		return err
	case <-ctx.Done():
	}

	grace := d.config.Server.WriteTimeout
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	return d.Shutdown(shutdownCtx)
}

// Shutdown gracefully stops the server and closes storage.
func (d *Darkroom) Shutdown(ctx context.Context) error {
	d.logger.Info("shutting down darkroom")

	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
		return err
	}
	d.closeStores()

	d.logger.Info("darkroom shutdown complete")
	return nil
}

func (d *Darkroom) closeStores() {
	if d.sessions != nil {
		if err := d.sessions.Close(); err != nil {
			d.logger.Error("failed to close session store", slog.String("error", err.Error()))
		}
	}
}

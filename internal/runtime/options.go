package runtime

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tjfontaine/darkroom/internal/config"
	"github.com/tjfontaine/darkroom/internal/pipeline"
	"github.com/tjfontaine/darkroom/internal/storage"
	"github.com/tjfontaine/darkroom/internal/storage/disk"
	"github.com/tjfontaine/darkroom/internal/storage/memory"
	"github.com/tjfontaine/darkroom/internal/storage/sqlite"
)

// Option is a functional option for configuring a Darkroom.
type Option func(*Darkroom) error

// WithConfig uses an already loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return func(d *Darkroom) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		d.config = cfg
		return nil
	}
}

// WithConfigFile loads configuration from path plus the environment.
func WithConfigFile(path string) Option {
	return func(d *Darkroom) error {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		d.config = cfg
		return nil
	}
}

// WithLogger sets the logger passed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Darkroom) error {
		d.logger = logger
		return nil
	}
}

// WithSessionStore overrides the configured session store.
func WithSessionStore(store storage.SessionStore) Option {
	return func(d *Darkroom) error {
		d.sessions = store
		return nil
	}
}

// WithBlobStore overrides where uploads and results are kept.
func WithBlobStore(store storage.BlobStore) Option {
	return func(d *Darkroom) error {
		d.blobs = store
		return nil
	}
}

// WithExportStore overrides where export writes confirmed images.
func WithExportStore(store storage.BlobStore) Option {
	return func(d *Darkroom) error {
		d.exports = store
		return nil
	}
}

// WithProcessor replaces the filter processor built from config.
func WithProcessor(p pipeline.Processor) Option {
	return func(d *Darkroom) error {
		d.processor = p
		return nil
	}
}

// WithInMemoryStorage keeps sessions and image bytes in memory.
func WithInMemoryStorage() Option {
	return func(d *Darkroom) error {
		d.sessions = memory.New()
		d.blobs = memory.NewBlobs()
		return nil
	}
}

func newSessionStore(cfg config.StorageConfig) (storage.SessionStore, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
		return sqlite.New(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// newBlobStore returns a disk store rooted at dir, or an in-memory store when dir is empty.
func newBlobStore(dir string) (storage.BlobStore, error) {
	if dir == "" {
		return memory.NewBlobs(), nil
	}
	return disk.New(dir)
}

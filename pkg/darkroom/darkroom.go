// Package darkroom provides the public API for embedding the editing server.
// This is the stable API for external consumers.
package darkroom

import (
	"github.com/tjfontaine/darkroom/internal/runtime"
)

// Darkroom is the editing server: storage, filters and HTTP API.
// See internal/runtime.Darkroom for full documentation.
type Darkroom = runtime.Darkroom

// Option is a functional option for configuring a Darkroom.
type Option = runtime.Option

// New creates a new Darkroom with the given options.
// Example:
//
//	dr, err := darkroom.New(
//	    darkroom.WithConfigFile("darkroom.yaml"),
//	    darkroom.WithInMemoryStorage(),
//	)
//	if err != nil {
//	    return err
//	}
//	return dr.Run(ctx)
var New = runtime.New

// Configuration options
var (
	WithConfig     = runtime.WithConfig
	WithConfigFile = runtime.WithConfigFile
	WithLogger     = runtime.WithLogger

	// Storage
	WithInMemoryStorage = runtime.WithInMemoryStorage
	WithSessionStore    = runtime.WithSessionStore
	WithBlobStore       = runtime.WithBlobStore
	WithExportStore     = runtime.WithExportStore

	// Filters
	WithProcessor = runtime.WithProcessor
)

// Package testutil holds helpers shared by package tests.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// CassetteDir is where cassettes live, relative to the package under test.
var CassetteDir = filepath.Join("testdata", "fixtures")

// ReplayClient returns an HTTP client that replays testdata/fixtures/<name>.yaml.
// With DARKROOM_VCR_MODE=record it records against a live server instead.
// The recorder is stopped when the test finishes.
func ReplayClient(t *testing.T, name string) *http.Client {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("DARKROOM_VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	r, err := recorder.NewAsMode(filepath.Join(CassetteDir, name), mode, nil)
	if err != nil {
		t.Fatalf("failed to open cassette %s: %v", name, err)
	}

	// Request bodies carry multipart boundaries and image bytes; match on method and URL.
	r.SetMatcher(func(r *http.Request, i cassette.Request) bool {
		return r.Method == i.Method && r.URL.String() == i.URL
	})

	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("failed to stop recorder: %v", err)
		}
	})

	return &http.Client{Transport: r}
}

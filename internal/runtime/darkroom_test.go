package runtime

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/tjfontaine/darkroom/internal/config"
	"github.com/tjfontaine/darkroom/internal/storage/memory"
	"github.com/tjfontaine/darkroom/internal/storage/sqlite"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server: config.ServerConfig{
			Port:           freePort(t),
			ReadTimeout:    5 * time.Second,
			WriteTimeout:   5 * time.Second,
			RequestTimeout: 5 * time.Second,
			MaxUploadBytes: 1 << 20,
		},
		Storage: config.StorageConfig{
			Type:    "sqlite",
			SQLite:  config.SQLiteConfig{Path: filepath.Join(dir, "data", "darkroom.db")},
			BlobDir: filepath.Join(dir, "uploads"),
		},
		Uploads: config.UploadsConfig{AllowedExtensions: []string{"png"}},
		Export:  config.ExportConfig{Dir: filepath.Join(dir, "output"), Concurrency: 2},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestNew_BuildsFromConfig(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(WithConfig(cfg), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(d.closeStores)

	if _, ok := d.sessions.(*sqlite.Store); !ok {
		t.Errorf("sessions = %T, want *sqlite.Store", d.sessions)
	}
	for _, dir := range []string{cfg.Storage.BlobDir, cfg.Export.Dir, filepath.Dir(cfg.Storage.SQLite.Path)} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("expected %s to exist: %v", dir, err)
		}
	}
	if d.Service() == nil || d.Server() == nil {
		t.Error("service or server not built")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Export.Concurrency = 0
	if _, err := New(WithConfig(cfg)); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestNew_OptionsOverrideStorage(t *testing.T) {
	cfg := testConfig(t)
	store := memory.New()
	d, err := New(WithConfig(cfg), WithLogger(quietLogger()), WithSessionStore(store), WithInMemoryStorage())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := d.blobs.(*memory.Blobs); !ok {
		t.Errorf("blobs = %T, want *memory.Blobs", d.blobs)
	}
	if _, err := os.Stat(cfg.Storage.BlobDir); !os.IsNotExist(err) {
		t.Errorf("blob dir created despite in-memory storage: %v", err)
	}
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(WithConfig(cfg), WithLogger(quietLogger()), WithInMemoryStorage())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	url := "http://127.0.0.1:" + strconv.Itoa(cfg.Server.Port) + "/healthz"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never answered: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if err := d.Run(context.Background()); err == nil {
		t.Error("second Run() should fail")
	}
}

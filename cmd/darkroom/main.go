package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/darkroom/internal/api/client"
	"github.com/tjfontaine/darkroom/internal/config"
	"github.com/tjfontaine/darkroom/internal/notify"
	"github.com/tjfontaine/darkroom/internal/orchestrator"
	"github.com/tjfontaine/darkroom/internal/tui"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML config file (optional)")
	baseURL := flag.String("server", "", "server base URL (overrides client.base_url)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] image...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *baseURL != "" {
		cfg.Client.BaseURL = *baseURL
	}

	files, err := readFiles(flag.Args())
	if err != nil {
		log.Fatalf("Failed to read images: %v", err)
	}

	// The terminal belongs to the UI, so logs go to a file.
	logFile, err := os.OpenFile(cfg.Client.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Fatalf("Failed to open log file %s: %v", cfg.Client.LogFile, err)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	c := client.New(
		client.WithBaseURL(cfg.Client.BaseURL),
		client.WithHTTPClient(&http.Client{
			Timeout:   cfg.Client.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
		client.WithLogger(logger),
	)

	queue := notify.NewQueue(notify.WithTTL(cfg.Client.NotificationTTL))
	orch := orchestrator.New(c,
		orchestrator.WithSink(notify.Multi{queue, notify.NewLogSink(logger)}),
		orchestrator.WithLogger(logger),
	)

	model := tui.New(orch, c, queue,
		tui.WithFiles(files),
		tui.WithTimeout(cfg.Client.Timeout),
		tui.WithLogger(logger),
	)

	logger.Info("starting darkroom", slog.String("server", cfg.Client.BaseURL), slog.Int("files", len(files)))
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("TUI Error: %v", err)
	}
}

func readFiles(paths []string) ([]client.File, error) {
	files := make([]client.File, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, client.File{Name: filepath.Base(path), Content: data})
	}
	return files, nil
}

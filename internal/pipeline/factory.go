package pipeline

import (
	"fmt"
	"time"

	"github.com/tjfontaine/darkroom/internal/catalog"
	"github.com/tjfontaine/darkroom/internal/config"
	"github.com/tjfontaine/darkroom/internal/pkg/safehttp"
)

// NewProcessorFromConfig combines the local processor with the optional filter webhook.
// Local filters win; the webhook serves the kinds the local processor cannot.
func NewProcessorFromConfig(cfg config.FiltersConfig, local Processor) (Processor, error) {
	if cfg.WebhookURL == "" {
		return local, nil
	}

	timeout := 30 * time.Second
	if cfg.WebhookTimeout != "" {
		var err error
		timeout, err = time.ParseDuration(cfg.WebhookTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid webhook timeout %q: %w", cfg.WebhookTimeout, err)
		}
	}

	var kinds []catalog.Kind
	for _, name := range cfg.WebhookFilters {
		k, err := catalog.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("webhook filters: %w", err)
		}
		kinds = append(kinds, k)
	}

	webhook := NewWebhookProcessor(WebhookConfig{
		URL:     cfg.WebhookURL,
		Timeout: timeout,
		Retries: cfg.WebhookRetries,
		Headers: cfg.WebhookHeaders,
		Filters: kinds,
		Client:  safehttp.NewClient(timeout, cfg.WebhookAllowPrivate),
	})
	return Chain{local, webhook}, nil
}

package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"

	"github.com/tjfontaine/darkroom/internal/catalog"
)

// WebhookProcessor delegates steps to an external filter service.
//
// The service receives
//
//	POST <url>
//	{"filterName": "CLAHE", "params": {"clipLimit": 2}, "image": "<base64 png>"}
//
// and must answer 200 with {"image": "<base64 png>"} or a non-2xx status with
// {"message": "..."}.
type WebhookProcessor struct {
	url     string
	retries int
	headers map[string]string
	filters map[catalog.Kind]bool
	client  *http.Client
}

// WebhookConfig configures a webhook processor.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	Retries int
	Headers map[string]string
	// Filters restricts the kinds sent to the service. Empty means every kind.
	Filters []catalog.Kind
	Client  *http.Client
}

type webhookRequest struct {
	FilterName string             `json:"filterName"`
	Params     map[string]float64 `json:"params"`
	Image      []byte             `json:"image"`
}

type webhookResponse struct {
	Image   []byte `json:"image"`
	Message string `json:"message,omitempty"`
}

// NewWebhookProcessor creates a processor that calls cfg.URL.
func NewWebhookProcessor(cfg WebhookConfig) *WebhookProcessor {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	var filters map[catalog.Kind]bool
	if len(cfg.Filters) > 0 {
		filters = make(map[catalog.Kind]bool, len(cfg.Filters))
		for _, k := range cfg.Filters {
			filters[k] = true
		}
	}
	return &WebhookProcessor{
		url:     cfg.URL,
		retries: cfg.Retries,
		headers: cfg.Headers,
		filters: filters,
		client:  client,
	}
}

// Supports reports whether the filter is routed to the service.
func (p *WebhookProcessor) Supports(filter catalog.Kind) bool {
	if !filter.Valid() {
		return false
	}
	return p.filters == nil || p.filters[filter]
}

// Process sends the step to the service, retrying transport failures.
func (p *WebhookProcessor) Process(ctx context.Context, img image.Image, step FilterStep) (image.Image, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	body, err := json.Marshal(webhookRequest{
		FilterName: step.Filter().String(),
		Params:     step.Params(),
		Image:      buf.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal webhook request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		out, err := p.doRequest(ctx, body)
		if err == nil {
			return out, nil
		}
		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("filter webhook failed: %w", lastErr)
}

func (p *WebhookProcessor) doRequest(ctx context.Context, body []byte) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out webhookResponse
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if json.Unmarshal(respBody, &out) == nil && out.Message != "" {
			return nil, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, out.Message)
		}
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal webhook response: %w", err)
	}
	if len(out.Image) == 0 {
		return nil, fmt.Errorf("webhook response has no image")
	}

	img, err := imaging.Decode(bytes.NewReader(out.Image))
	if err != nil {
		return nil, fmt.Errorf("decode webhook image: %w", err)
	}
	return img, nil
}

// Ensure WebhookProcessor implements the interface.
var _ Processor = (*WebhookProcessor)(nil)

// Package client is the HTTP client for the editing server.
//
// Every action method issues exactly one request. A response whose status field is "error"
// is returned as *api.RejectionError carrying the server's message; anything else that
// goes wrong (connection failure, non-JSON body, a success status without a success
// marker) is returned as a plain wrapped error.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/darkroom/internal/api"
)

const (
	defaultBaseURL = "http://localhost:8000"
	defaultTimeout = 30 * time.Second
)

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets the server URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client talks to a single editing server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client. The default HTTP client is traced with otelhttp.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// File is one image to upload.
type File struct {
	Name    string
	Content []byte
}

// Upload sends files as a new working set and returns the new session. A non-empty
// replaces names the session this one supersedes; the server deletes it.
func (c *Client) Upload(ctx context.Context, files []File, replaces string) (*api.UploadResponse, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if replaces != "" {
		if err := w.WriteField(api.UploadReplacesField, replaces); err != nil {
			return nil, fmt.Errorf("failed to write form field: %w", err)
		}
	}
	for _, f := range files {
		part, err := w.CreateFormFile(api.UploadFilesField, f.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, fmt.Errorf("failed to write form file: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	var out api.UploadResponse
	if err := c.do(ctx, http.MethodPost, "/api/sessions", w.FormDataContentType(), &buf, &out); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("upload response has no session id")
	}
	return &out, nil
}

// CurrentImage fetches the active image's identity and position.
func (c *Client) CurrentImage(ctx context.Context, sessionID string) (*api.CurrentImageResponse, error) {
	var out api.CurrentImageResponse
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "current"), "", nil, &out); err != nil {
		return nil, err
	}
	if out.ImageID == "" {
		return nil, fmt.Errorf("current image response has no image id")
	}
	return &out, nil
}

// Next advances the server-side position.
func (c *Client) Next(ctx context.Context, sessionID string) (*api.NavigateResponse, error) {
	return c.navigate(ctx, sessionID, "next")
}

// Prev retreats the server-side position.
func (c *Client) Prev(ctx context.Context, sessionID string) (*api.NavigateResponse, error) {
	return c.navigate(ctx, sessionID, "prev")
}

func (c *Client) navigate(ctx context.Context, sessionID, direction string) (*api.NavigateResponse, error) {
	var out api.NavigateResponse
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, direction), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ApplyFilter applies a single filter to the active image.
func (c *Client) ApplyFilter(ctx context.Context, sessionID string, req *api.ApplyFilterRequest) (*api.ApplyResponse, error) {
	return c.apply(ctx, sessionPath(sessionID, "filter"), req)
}

// PreviewPipeline runs steps in order against the active image.
func (c *Client) PreviewPipeline(ctx context.Context, sessionID string, req *api.PipelineRequest) (*api.ApplyResponse, error) {
	return c.apply(ctx, sessionPath(sessionID, "pipeline"), req)
}

func (c *Client) apply(ctx context.Context, path string, req any) (*api.ApplyResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var out api.ApplyResponse
	if err := c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	if out.TentativeResultID == "" {
		return nil, fmt.Errorf("apply response has no tentative result id")
	}
	return &out, nil
}

// Confirm commits the tentative result.
func (c *Client) Confirm(ctx context.Context, sessionID, tentativeResultID string) (*api.MessageResponse, error) {
	body, err := json.Marshal(api.ConfirmRequest{TentativeResultID: tentativeResultID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var out api.MessageResponse
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "confirm"), "application/json", bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Export asks the server to write every confirmed image.
func (c *Client) Export(ctx context.Context, sessionID string) (*api.ExportResponse, error) {
	var out api.ExportResponse
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "export"), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ImageURL returns the URL of an image or tentative result. token busts caches, since
// tentative ids are reused for every apply on the same image.
func (c *Client) ImageURL(sessionID, id string, token uint64) string {
	return c.baseURL + sessionPath(sessionID, "images", id) + "?v=" + strconv.FormatUint(token, 10)
}

// Image is a fetched rendered image.
type Image struct {
	Data        []byte
	ContentType string
}

// FetchImage downloads an image. Any non-2xx status is a load failure.
func (c *Client) FetchImage(ctx context.Context, sessionID, id string, token uint64) (*Image, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ImageURL(sessionID, id, token), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("image fetch failed (status %d)", resp.StatusCode)
	}
	return &Image{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("server request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	var env api.Envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("malformed response (status %d): %w", resp.StatusCode, err)
	}

	switch env.Status {
	case api.StatusError:
		if env.Message == "" {
			return fmt.Errorf("server returned error status %d without a message", resp.StatusCode)
		}
		return &api.RejectionError{StatusCode: resp.StatusCode, Message: env.Message}
	case api.StatusSuccess:
	default:
		return fmt.Errorf("unexpected response status %q (HTTP %d)", env.Status, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("success marker with HTTP status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func sessionPath(sessionID string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/api/sessions/")
	b.WriteString(url.PathEscape(sessionID))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tjfontaine/darkroom/internal/catalog"
	"github.com/tjfontaine/darkroom/internal/config"
)

// recordingProcessor tags each step by painting pixel (0,0) with a gray value derived
// from the step count so tests can observe that outputs are chained.
type recordingProcessor struct {
	supported map[catalog.Kind]bool
	calls     []string
	failAt    int
}

func (p *recordingProcessor) Supports(k catalog.Kind) bool {
	return p.supported == nil || p.supported[k]
}

func (p *recordingProcessor) Process(ctx context.Context, img image.Image, step FilterStep) (image.Image, error) {
	p.calls = append(p.calls, step.Filter().String())
	if p.failAt > 0 && len(p.calls) == p.failAt {
		return nil, errors.New("boom")
	}
	in := img.(*image.Gray)
	out := image.NewGray(in.Bounds())
	copy(out.Pix, in.Pix)
	out.SetGray(0, 0, color.Gray{Y: in.GrayAt(0, 0).Y + 10})
	return out, nil
}

func grayImage() *image.Gray {
	return image.NewGray(image.Rect(0, 0, 2, 2))
}

func TestExecutor_Run(t *testing.T) {
	proc := &recordingProcessor{}
	exec := NewExecutor(proc)

	steps := []FilterStep{
		NewStep(catalog.GaussianBlur, nil),
		NewStep(catalog.GammaCorrection, map[string]float64{"gamma": 1}),
		NewStep(catalog.OtsuThreshold, nil),
	}
	in := grayImage()
	out, err := exec.Run(context.Background(), in, steps)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"Gaussian Blur", "Gamma Correction", "Otsu Threshold"}
	if diff := cmp.Diff(want, proc.calls); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}
	if got := out.(*image.Gray).GrayAt(0, 0).Y; got != 30 {
		t.Errorf("pixel = %d, want 30 (three chained steps)", got)
	}
	if in.GrayAt(0, 0).Y != 0 {
		t.Error("input image was modified")
	}
}

func TestExecutor_Empty(t *testing.T) {
	exec := NewExecutor(&recordingProcessor{})
	_, err := exec.Run(context.Background(), grayImage(), nil)
	if !IsEmptyPipeline(err) {
		t.Fatalf("Run() error = %v, want EmptyPipelineError", err)
	}
}

func TestExecutor_StepError(t *testing.T) {
	proc := &recordingProcessor{failAt: 2}
	exec := NewExecutor(proc)

	_, err := exec.Run(context.Background(), grayImage(), []FilterStep{
		NewStep(catalog.MedianBlur, nil),
		NewStep(catalog.CLAHE, map[string]float64{"clipLimit": 2}),
		NewStep(catalog.AutoEnhance, nil),
	})

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("Run() error = %v, want *StepError", err)
	}
	if stepErr.Index != 1 || stepErr.Filter != "CLAHE" {
		t.Errorf("StepError = %+v, want index 1 CLAHE", stepErr)
	}
	if len(proc.calls) != 2 {
		t.Errorf("calls = %v, want execution to stop at the failing step", proc.calls)
	}
}

func TestExecutor_UnsupportedBeforeRunning(t *testing.T) {
	proc := &recordingProcessor{supported: map[catalog.Kind]bool{catalog.GaussianBlur: true}}
	exec := NewExecutor(proc)

	_, err := exec.Run(context.Background(), grayImage(), []FilterStep{
		NewStep(catalog.GaussianBlur, nil),
		NewStep(catalog.BilateralFilter, nil),
	})
	if !IsUnsupported(err) {
		t.Fatalf("Run() error = %v, want UnsupportedFilterError", err)
	}
	if len(proc.calls) != 0 {
		t.Errorf("no step should run when one is unsupported, got %v", proc.calls)
	}
}

func TestExecutor_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewExecutor(&recordingProcessor{}).Run(ctx, grayImage(), []FilterStep{NewStep(catalog.None, nil)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestChain_RoutesToFirstSupporting(t *testing.T) {
	first := &recordingProcessor{supported: map[catalog.Kind]bool{catalog.GaussianBlur: true}}
	second := &recordingProcessor{}
	chain := Chain{first, second}

	steps := []FilterStep{NewStep(catalog.GaussianBlur, nil), NewStep(catalog.CLAHE, map[string]float64{"clipLimit": 1})}
	if _, err := NewExecutor(chain).Run(context.Background(), grayImage(), steps); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if diff := cmp.Diff([]string{"Gaussian Blur"}, first.calls); diff != "" {
		t.Errorf("first processor calls (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"CLAHE"}, second.calls); diff != "" {
		t.Errorf("second processor calls (-want +got):\n%s", diff)
	}
}

func TestChain_NoneSupport(t *testing.T) {
	chain := Chain{&recordingProcessor{supported: map[catalog.Kind]bool{}}}
	if chain.Supports(catalog.CLAHE) {
		t.Fatal("Supports() = true, want false")
	}
	if _, err := chain.Process(context.Background(), grayImage(), NewStep(catalog.CLAHE, nil)); !IsUnsupported(err) {
		t.Fatalf("Process() error = %v, want UnsupportedFilterError", err)
	}
}

func TestWebhookProcessor(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}

		var req webhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.FilterName != "CLAHE" || req.Params["clipLimit"] != 4 {
			t.Errorf("request = %s %v", req.FilterName, req.Params)
		}
		if len(req.Image) == 0 {
			t.Error("request has no image")
		}

		// Echo the image back unchanged.
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(webhookResponse{Image: req.Image})
	}))
	defer server.Close()

	proc := NewWebhookProcessor(WebhookConfig{
		URL:     server.URL,
		Headers: map[string]string{"Authorization": "Bearer token"},
		Filters: []catalog.Kind{catalog.CLAHE},
	})

	if proc.Supports(catalog.GaussianBlur) {
		t.Error("Supports(Gaussian Blur) = true, want false")
	}
	out, err := proc.Process(context.Background(), grayImage(), NewStep(catalog.CLAHE, map[string]float64{"clipLimit": 4}))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if out.Bounds() != grayImage().Bounds() {
		t.Errorf("bounds = %v", out.Bounds())
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestWebhookProcessor_Retries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(webhookResponse{Message: "upstream down"})
	}))
	defer server.Close()

	proc := NewWebhookProcessor(WebhookConfig{URL: server.URL, Retries: 2})
	_, err := proc.Process(context.Background(), grayImage(), NewStep(catalog.None, nil))
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", calls.Load())
	}
}

func TestNewProcessorFromConfig(t *testing.T) {
	local := &recordingProcessor{supported: map[catalog.Kind]bool{catalog.None: true}}

	p, err := NewProcessorFromConfig(config.FiltersConfig{}, local)
	if err != nil {
		t.Fatal(err)
	}
	if p != Processor(local) {
		t.Error("without a webhook URL the local processor is used as-is")
	}

	p, err = NewProcessorFromConfig(config.FiltersConfig{
		WebhookURL:     "http://filters.internal/apply",
		WebhookFilters: []string{"CLAHE", "Non-Local Means"},
	}, local)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Supports(catalog.CLAHE) || !p.Supports(catalog.None) || p.Supports(catalog.BilateralFilter) {
		t.Error("chain should support local kinds plus the webhook's filters")
	}

	if _, err := NewProcessorFromConfig(config.FiltersConfig{WebhookURL: "http://x", WebhookFilters: []string{"Sepia"}}, local); err == nil {
		t.Error("expected error for unknown webhook filter")
	}
	if _, err := NewProcessorFromConfig(config.FiltersConfig{WebhookURL: "http://x", WebhookTimeout: "soon"}, local); err == nil {
		t.Error("expected error for bad timeout")
	}
}

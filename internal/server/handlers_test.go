package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tjfontaine/darkroom/internal/api"
	"github.com/tjfontaine/darkroom/internal/api/client"
	"github.com/tjfontaine/darkroom/internal/catalog"
	"github.com/tjfontaine/darkroom/internal/config"
	"github.com/tjfontaine/darkroom/internal/editor"
	"github.com/tjfontaine/darkroom/internal/filter"
	"github.com/tjfontaine/darkroom/internal/metrics"
	"github.com/tjfontaine/darkroom/internal/notify"
	"github.com/tjfontaine/darkroom/internal/orchestrator"
	"github.com/tjfontaine/darkroom/internal/pipeline"
	"github.com/tjfontaine/darkroom/internal/session"
	"github.com/tjfontaine/darkroom/internal/storage/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	*httptest.Server
	exported *memory.Blobs
	client   *client.Client
}

func newTestServer(t *testing.T, maxUpload int64) *testServer {
	t.Helper()
	logger := quietLogger()
	exported := memory.NewBlobs()
	svc := editor.New(memory.New(), memory.NewBlobs(),
		pipeline.NewExecutor(filter.NewLocal(), pipeline.WithLogger(logger)),
		editor.WithExport("output", exported),
		editor.WithLogger(logger),
	)

	srv := New(config.ServerConfig{Port: 8000, RequestTimeout: 10 * time.Second}, logger)
	NewHandler(svc, maxUpload, logger).Mount(srv.Router)
	srv.MountMetrics("/metrics")

	ts := httptest.NewServer(srv.Router)
	t.Cleanup(ts.Close)
	return &testServer{
		Server:   ts,
		exported: exported,
		client:   client.New(client.WithBaseURL(ts.URL), client.WithHTTPClient(ts.Client()), client.WithLogger(logger)),
	}
}

func pngFile(t *testing.T, name string, shade uint8) client.File {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 6, 4))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return client.File{Name: name, Content: buf.Bytes()}
}

func (ts *testServer) upload(t *testing.T, n int) string {
	t.Helper()
	files := []client.File{pngFile(t, "a.png", 30), pngFile(t, "b.png", 90), pngFile(t, "c.png", 150)}
	resp, err := ts.client.Upload(context.Background(), files[:n], "")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	return resp.SessionID
}

func TestHandlers_EditFlow(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	ctx := context.Background()
	c := ts.client
	sid := ts.upload(t, 3)

	cur, err := c.CurrentImage(ctx, sid)
	if err != nil {
		t.Fatalf("CurrentImage() error = %v", err)
	}
	if cur.PositionIndex != 0 || cur.TotalImages != 3 || cur.LastFilterName != "None" || cur.Filename != "a.png" {
		t.Errorf("CurrentImage() = %+v", cur)
	}

	applied, err := c.ApplyFilter(ctx, sid, &api.ApplyFilterRequest{
		FilterName: "Gamma Correction",
		Params:     map[string]api.ParamValue{"gamma": 1.5},
	})
	if err != nil {
		t.Fatalf("ApplyFilter() error = %v", err)
	}
	if applied.TentativeResultID != "temp_"+cur.ImageID {
		t.Errorf("TentativeResultID = %q", applied.TentativeResultID)
	}

	img, err := c.FetchImage(ctx, sid, applied.TentativeResultID, 1)
	if err != nil {
		t.Fatalf("FetchImage() error = %v", err)
	}
	if img.ContentType != "image/png" || len(img.Data) == 0 {
		t.Errorf("FetchImage() = %s, %d bytes", img.ContentType, len(img.Data))
	}

	confirmed, err := c.Confirm(ctx, sid, applied.TentativeResultID)
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if confirmed.Message != "Filter (or pipeline) confirmed for image a.png." {
		t.Errorf("Confirm() message = %q", confirmed.Message)
	}

	nav, err := c.Next(ctx, sid)
	if err != nil || nav.PositionIndex != 1 {
		t.Fatalf("Next() = %+v, %v", nav, err)
	}

	exported, err := c.Export(ctx, sid)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if exported.Exported != 1 || exported.Message != "Exported 1 images to 'output' folder." {
		t.Errorf("Export() = %+v", exported)
	}
	if _, err := ts.exported.Get(ctx, "a.png"); err != nil {
		t.Errorf("export did not write a.png: %v", err)
	}
}

func TestHandlers_Rejections(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	ctx := context.Background()
	sid := ts.upload(t, 1)

	tests := []struct {
		name       string
		call       func() error
		wantStatus int
		wantMsg    string
	}{
		{
			name: "unsupported filter",
			call: func() error {
				_, err := ts.client.ApplyFilter(ctx, sid, &api.ApplyFilterRequest{
					FilterName: "Non-Local Means",
					Params:     map[string]api.ParamValue{"hStrength": 10},
				})
				return err
			},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "Filter Non-Local Means is not supported by this server.",
		},
		{
			name: "empty pipeline",
			call: func() error {
				_, err := ts.client.PreviewPipeline(ctx, sid, &api.PipelineRequest{})
				return err
			},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "Invalid pipeline data.",
		},
		{
			name: "confirm without preview",
			call: func() error {
				_, err := ts.client.Confirm(ctx, sid, "temp_nothing")
				return err
			},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "No preview image to confirm.",
		},
		{
			name: "export before confirm",
			call: func() error {
				_, err := ts.client.Export(ctx, sid)
				return err
			},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "No images have been confirmed yet.",
		},
		{
			name: "unknown session",
			call: func() error {
				_, err := ts.client.CurrentImage(ctx, "no-such-session")
				return err
			},
			wantStatus: http.StatusNotFound,
			wantMsg:    "Session not found. Upload images first.",
		},
		{
			name: "no accepted files",
			call: func() error {
				_, err := ts.client.Upload(ctx, []client.File{{Name: "notes.txt", Content: []byte("hi")}}, "")
				return err
			},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "No files uploaded.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rej, ok := api.AsRejection(tt.call())
			if !ok {
				t.Fatal("expected a rejection")
			}
			if rej.StatusCode != tt.wantStatus || rej.Message != tt.wantMsg {
				t.Errorf("rejection = %d %q, want %d %q", rej.StatusCode, rej.Message, tt.wantStatus, tt.wantMsg)
			}
		})
	}
}

func TestHandlers_PipelineParamsAsStrings(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	sid := ts.upload(t, 1)

	body := `{"steps":[{"filterName":"Manual Threshold","params":{"threshold":"128"}},{"filterName":"Unsharp Mask","params":{"sigma":1.0,"strength":"0.5"}}]}`
	resp, err := http.Post(ts.URL+"/api/sessions/"+sid+"/pipeline", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out api.ApplyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || out.Status != api.StatusSuccess || out.FilterName != "Pipeline" {
		t.Errorf("pipeline = %d %+v", resp.StatusCode, out)
	}
}

func TestHandlers_ImageHeaders(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	sid := ts.upload(t, 1)
	cur, err := ts.client.CurrentImage(context.Background(), sid)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.client.ImageURL(sid, cur.ImageID, 7))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for header, want := range map[string]string{
		"Cache-Control": "no-store, no-cache, must-revalidate, max-age=0",
		"Pragma":        "no-cache",
		"Expires":       "0",
		"Content-Type":  "image/png",
	} {
		if got := resp.Header.Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestHandlers_UploadTooLarge(t *testing.T) {
	ts := newTestServer(t, 256)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, _ := w.CreateFormFile("files[]", "big.png")
	part.Write(bytes.Repeat([]byte{0xff}, 4096))
	w.Close()

	resp, err := http.Post(ts.URL+"/api/sessions", w.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out api.MessageResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusRequestEntityTooLarge || out.Status != api.StatusError {
		t.Errorf("upload = %d %+v", resp.StatusCode, out)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	ts := newTestServer(t, 1<<20)

	before := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200"))
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
	if got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200")) - before; got != 1 {
		t.Errorf("healthz requests counted = %v, want 1", got)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "darkroom_http_requests_total") {
		t.Error("metrics output missing darkroom_http_requests_total")
	}
}

// TestOrchestratorAgainstServer runs the upload, apply, confirm, navigate scenario
// through the orchestrator and the real HTTP stack.
func TestOrchestratorAgainstServer(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	ctx := context.Background()

	queue := notify.NewQueue()
	o := orchestrator.New(ts.client, orchestrator.WithSink(queue), orchestrator.WithLogger(quietLogger()))

	files := []client.File{pngFile(t, "a.png", 30), pngFile(t, "b.png", 90), pngFile(t, "c.png", 150)}
	if err := o.Upload(ctx, files); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if err := o.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	snap := o.Snapshot()
	if snap.PositionIndex != 0 || snap.TotalImages != 3 || snap.Nav.Prev || !snap.Nav.Next {
		t.Fatalf("after load: %+v", snap)
	}

	if err := o.ApplyFilter(ctx, catalog.GammaCorrection, map[string]float64{"gamma": 1.5}); err != nil {
		t.Fatalf("ApplyFilter() error = %v", err)
	}
	if o.Snapshot().Phase != session.Pending {
		t.Fatalf("phase = %v, want Pending", o.Snapshot().Phase)
	}
	snap = o.Snapshot()
	preview, err := ts.client.FetchImage(ctx, snap.SessionID, snap.DisplayImageID, snap.DisplayToken)
	if err != nil {
		t.Fatalf("FetchImage(preview) error = %v", err)
	}
	if err := o.Confirm(ctx); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	snap = o.Snapshot()
	if snap.Phase != session.Idle || !snap.ExportPermitted {
		t.Fatalf("after confirm: %+v", snap)
	}

	// The displayed image after confirm is the confirmed result, not the original.
	shown, err := ts.client.FetchImage(ctx, snap.SessionID, snap.DisplayImageID, snap.DisplayToken)
	if err != nil {
		t.Fatalf("FetchImage(confirmed) error = %v", err)
	}
	if !bytes.Equal(shown.Data, preview.Data) {
		t.Error("image shown after confirm differs from the confirmed preview")
	}
	if bytes.Equal(shown.Data, files[0].Content) {
		t.Error("image shown after confirm is the original upload")
	}

	if err := o.Next(ctx); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if err := o.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	snap = o.Snapshot()
	if snap.PositionIndex != 1 || snap.TentativeResultID != "" || snap.SelectedFilter != catalog.None {
		t.Errorf("after next: %+v", snap)
	}

	if err := o.Export(ctx); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if len(queue.Active()) == 0 {
		t.Error("expected notifications")
	}
}

func TestHandlers_UploadReplacesSession(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	ctx := context.Background()
	old := ts.upload(t, 2)

	resp, err := ts.client.Upload(ctx, []client.File{pngFile(t, "d.png", 60)}, old)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if resp.SessionID == old {
		t.Fatal("replacing upload reused the old session id")
	}

	_, err = ts.client.CurrentImage(ctx, old)
	rej, ok := api.AsRejection(err)
	if !ok || rej.StatusCode != http.StatusNotFound {
		t.Errorf("CurrentImage(replaced) = %v, want 404 rejection", err)
	}
	cur, err := ts.client.CurrentImage(ctx, resp.SessionID)
	if err != nil || cur.TotalImages != 1 {
		t.Errorf("CurrentImage(new) = %+v, %v", cur, err)
	}

	// Naming a session that no longer exists does not fail the upload.
	if _, err := ts.client.Upload(ctx, []client.File{pngFile(t, "e.png", 70)}, old); err != nil {
		t.Errorf("Upload() replacing a missing session = %v", err)
	}
}

func TestOrchestratorAbandonThenUpload(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	ctx := context.Background()
	o := orchestrator.New(ts.client, orchestrator.WithLogger(quietLogger()))

	if err := o.Upload(ctx, []client.File{pngFile(t, "a.png", 30)}); err != nil {
		t.Fatal(err)
	}
	first := o.Snapshot().SessionID
	o.Abandon()
	if err := o.Upload(ctx, []client.File{pngFile(t, "b.png", 90)}); err != nil {
		t.Fatal(err)
	}
	if o.Snapshot().SessionID == first {
		t.Fatal("upload after abandon kept the old session")
	}

	if _, err := ts.client.CurrentImage(ctx, first); err == nil {
		t.Error("abandoned session still exists on the server")
	}
}

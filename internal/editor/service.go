// Package editor implements the server side of an editing session: upload, navigation,
// filter and pipeline applies into a per-session tentative slot, confirmation and export.
//
// Every apply starts from the originally uploaded image. An image has exactly one
// tentative slot (see storage.TentativeID), overwritten by each apply and released by
// navigation or confirmation.
package editor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/darkroom/internal/catalog"
	"github.com/tjfontaine/darkroom/internal/domain"
	"github.com/tjfontaine/darkroom/internal/metrics"
	"github.com/tjfontaine/darkroom/internal/pipeline"
	"github.com/tjfontaine/darkroom/internal/session"
	"github.com/tjfontaine/darkroom/internal/storage"
)

// DefaultExportConcurrency bounds parallel writes during export.
const DefaultExportConcurrency = 4

// UploadFile is one file of an upload request.
type UploadFile struct {
	Filename string
	Data     []byte
}

// UploadResult describes a newly created session.
type UploadResult struct {
	SessionID string
	Uploaded  int
	Skipped   int
}

// CurrentImage describes the image at the session's position.
type CurrentImage struct {
	ImageID        string
	Filename       string
	PositionIndex  int
	TotalImages    int
	LastFilterName string
}

// ApplyResult identifies the tentative result written by an apply.
type ApplyResult struct {
	ImageID           string
	TentativeResultID string
	FilterName        string
}

// StepRequest is an unvalidated pipeline step as received from a client.
type StepRequest struct {
	FilterName string
	Params     map[string]float64
}

// ExportResult reports what an export wrote.
type ExportResult struct {
	Exported int
	Dir      string
}

// Image is raw image bytes ready to serve.
type Image struct {
	Data        []byte
	ContentType string
}

// Service owns editing sessions.
type Service struct {
	sessions storage.SessionStore
	blobs    storage.BlobStore
	executor *pipeline.Executor

	allowed           map[string]bool
	exportStore       storage.BlobStore
	exportDir         string
	exportConcurrency int

	locks  *keyedMutex
	newID  func() string
	tracer trace.Tracer
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithAllowedExtensions replaces the accepted upload extensions (without the dot).
func WithAllowedExtensions(exts ...string) Option {
	return func(s *Service) {
		s.allowed = make(map[string]bool, len(exts))
		for _, ext := range exts {
			s.allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
		}
	}
}

// WithExport sets where confirmed images are written. dir is only used in messages;
// store receives one key per exported file.
func WithExport(dir string, store storage.BlobStore) Option {
	return func(s *Service) {
		s.exportDir = dir
		s.exportStore = store
	}
}

// WithExportConcurrency bounds parallel export writes.
func WithExportConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.exportConcurrency = n
		}
	}
}

// WithIDGenerator overrides session and image id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		s.newID = fn
	}
}

// New creates a Service. Without WithExport, export is rejected as not configured.
func New(sessions storage.SessionStore, blobs storage.BlobStore, executor *pipeline.Executor, opts ...Option) *Service {
	s := &Service{
		sessions:          sessions,
		blobs:             blobs,
		executor:          executor,
		exportConcurrency: DefaultExportConcurrency,
		locks:             newKeyedMutex(),
		newID:             func() string { return uuid.New().String() },
		tracer:            otel.Tracer("github.com/tjfontaine/darkroom/internal/editor"),
		logger:            slog.Default(),
	}
	WithAllowedExtensions("png", "jpg", "jpeg", "bmp")(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upload creates a session from files. Files with a disallowed extension or content
// that is not a decodable image are skipped.
func (s *Service) Upload(ctx context.Context, files []UploadFile) (*UploadResult, error) {
	if len(files) == 0 {
		return nil, domain.ErrInvalidRequest("No files uploaded.")
	}

	sess := &storage.Session{ID: s.newID()}
	result := &UploadResult{SessionID: sess.ID}

	for _, f := range files {
		name := sanitizeFilename(f.Filename)
		format, ok := s.acceptedFormat(name)
		if !ok {
			result.Skipped++
			metrics.UploadedImagesTotal.WithLabelValues("skipped").Inc()
			s.logger.Debug("skipping upload", slog.String("filename", f.Filename), slog.String("reason", "extension"))
			continue
		}
		if _, _, err := image.DecodeConfig(bytes.NewReader(f.Data)); err != nil {
			result.Skipped++
			metrics.UploadedImagesTotal.WithLabelValues("skipped").Inc()
			s.logger.Debug("skipping upload", slog.String("filename", f.Filename), slog.String("error", err.Error()))
			continue
		}

		img := storage.Image{
			ID:             s.newID(),
			Filename:       name,
			ContentType:    contentType(format),
			LastFilterName: catalog.None.String(),
		}
		if err := s.blobs.Put(ctx, storage.OriginalKey(sess.ID, img.ID), f.Data); err != nil {
			s.discard(ctx, sess)
			return nil, fmt.Errorf("failed to store upload %s: %w", name, err)
		}
		sess.Images = append(sess.Images, img)
		metrics.UploadedImagesTotal.WithLabelValues("accepted").Inc()
	}

	if len(sess.Images) == 0 {
		return nil, domain.ErrInvalidRequest("No files uploaded.")
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		s.discard(ctx, sess)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	result.Uploaded = len(sess.Images)
	metrics.SessionsCreatedTotal.Inc()
	s.logger.Info("session created",
		slog.String("session_id", sess.ID),
		slog.Int("uploaded", result.Uploaded),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}

// discard removes blobs written for a session that was never created.
func (s *Service) discard(ctx context.Context, sess *storage.Session) {
	for _, img := range sess.Images {
		if err := s.blobs.Delete(ctx, storage.OriginalKey(sess.ID, img.ID)); err != nil {
			s.logger.Warn("failed to discard upload", slog.String("key", storage.OriginalKey(sess.ID, img.ID)), slog.String("error", err.Error()))
		}
	}
}

// DeleteSession removes a session and every blob it owns. A missing session is not an
// error.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if err := s.sessions.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	release := s.detachTentative(sess)
	release(ctx)
	for _, img := range sess.Images {
		s.deleteBlob(ctx, storage.OriginalKey(sess.ID, img.ID), "failed to delete upload")
		if img.Confirmed {
			s.deleteBlob(ctx, storage.ConfirmedKey(sess.ID, img.ID), "failed to delete confirmed image")
		}
	}
	s.logger.Info("session deleted", slog.String("session_id", sess.ID), slog.Int("images", len(sess.Images)))
	return nil
}

// Current returns the image at the session's position.
func (s *Service) Current(ctx context.Context, sessionID string) (*CurrentImage, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	img := sess.Current()
	return &CurrentImage{
		ImageID:        img.ID,
		Filename:       img.Filename,
		PositionIndex:  sess.Position,
		TotalImages:    len(sess.Images),
		LastFilterName: img.LastFilterName,
	}, nil
}

// Next advances the position, staying on the last image.
func (s *Service) Next(ctx context.Context, sessionID string) (int, error) {
	return s.move(ctx, sessionID, 1)
}

// Prev retreats the position, staying on the first image.
func (s *Service) Prev(ctx context.Context, sessionID string) (int, error) {
	return s.move(ctx, sessionID, -1)
}

func (s *Service) move(ctx context.Context, sessionID string, delta int) (int, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	pos := sess.Position + delta
	if pos < 0 || pos >= len(sess.Images) {
		return sess.Position, nil
	}

	release := s.detachTentative(sess)
	sess.Position = pos
	if err := s.sessions.UpdateSession(ctx, sess); err != nil {
		return 0, fmt.Errorf("failed to update session: %w", err)
	}
	release(ctx)
	return pos, nil
}

// detachTentative clears the session's tentative result and returns the func that
// deletes its blob. Call it only after the session is saved, so a failed update never
// leaves a session pointing at a missing blob.
func (s *Service) detachTentative(sess *storage.Session) func(context.Context) {
	if sess.Tentative == nil {
		return func(context.Context) {}
	}
	key := storage.TentativeKey(sess.ID, sess.Tentative.ImageID)
	sess.Tentative = nil
	return func(ctx context.Context) {
		s.deleteBlob(ctx, key, "failed to delete tentative result")
	}
}

func (s *Service) deleteBlob(ctx context.Context, key, msg string) {
	if err := s.blobs.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn(msg, slog.String("key", key), slog.String("error", err.Error()))
	}
}

// ApplyFilter runs a single filter on the current image's original.
func (s *Service) ApplyFilter(ctx context.Context, sessionID, filterName string, params map[string]float64) (*ApplyResult, error) {
	kind, err := catalog.Parse(filterName)
	if err != nil {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("Unknown filter %q.", filterName)).WithCause(err)
	}
	resolved, err := kind.Schema().Resolve(kind.String(), params)
	if err != nil {
		return nil, domain.ErrInvalidRequest(sentence(err)).WithCause(err)
	}

	res, err := s.apply(ctx, sessionID, []pipeline.FilterStep{pipeline.NewStep(kind, resolved)}, kind.String(), "filter")
	metrics.FilterAppliesTotal.WithLabelValues(kind.String(), metrics.Result(err)).Inc()
	return res, err
}

// ApplyPipeline runs steps in order, each on the previous step's output, starting from
// the current image's original. The image's last filter becomes "Pipeline".
func (s *Service) ApplyPipeline(ctx context.Context, sessionID string, steps []StepRequest) (*ApplyResult, error) {
	if len(steps) == 0 {
		return nil, domain.ErrInvalidRequest("Invalid pipeline data.")
	}

	resolved := make([]pipeline.FilterStep, 0, len(steps))
	for i, req := range steps {
		kind, err := catalog.Parse(req.FilterName)
		if err != nil {
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("Unknown filter %q in step %d.", req.FilterName, i+1)).WithCause(err)
		}
		params, err := kind.Schema().Resolve(kind.String(), req.Params)
		if err != nil {
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("Step %d: %s", i+1, sentence(err))).WithCause(err)
		}
		resolved = append(resolved, pipeline.NewStep(kind, params))
	}

	metrics.PipelineSteps.Observe(float64(len(resolved)))
	res, err := s.apply(ctx, sessionID, resolved, session.PipelineFilterName, "pipeline")
	metrics.PipelineRunsTotal.WithLabelValues(metrics.Result(err)).Inc()
	return res, err
}

func (s *Service) apply(ctx context.Context, sessionID string, steps []pipeline.FilterStep, filterName, kind string) (*ApplyResult, error) {
	ctx, span := s.tracer.Start(ctx, "editor.apply", trace.WithAttributes(
		attribute.String("editor.session_id", sessionID),
		attribute.String("editor.filter", filterName),
		attribute.Int("editor.steps", len(steps)),
	))
	defer span.End()

	if err := s.executor.Supports(steps); err != nil {
		return nil, processingError(err)
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	img := sess.Current()

	start := time.Now()
	data, err := s.blobs.Get(ctx, storage.OriginalKey(sess.ID, img.ID))
	if err != nil {
		return nil, domain.ErrServer("Could not load image.").WithCause(err)
	}
	src, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, domain.ErrServer("Could not load image.").WithCause(err)
	}

	out, err := s.executor.Run(ctx, src, steps)
	if err != nil {
		span.RecordError(err)
		return nil, processingError(err)
	}

	encoded, err := encode(out, img.Filename)
	if err != nil {
		return nil, domain.ErrServer("Could not save processed image.").WithCause(err)
	}
	if err := s.blobs.Put(ctx, storage.TentativeKey(sess.ID, img.ID), encoded); err != nil {
		return nil, domain.ErrServer("Could not save processed image.").WithCause(err)
	}
	metrics.ProcessingDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	img.LastFilterName = filterName
	sess.Tentative = &storage.Tentative{ImageID: img.ID, FilterName: filterName}
	if err := s.sessions.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	s.logger.Info("tentative result stored",
		slog.String("session_id", sess.ID),
		slog.String("image_id", img.ID),
		slog.String("filter", filterName),
		slog.Int("steps", len(steps)),
		slog.Duration("duration", time.Since(start)),
	)
	return &ApplyResult{
		ImageID:           img.ID,
		TentativeResultID: storage.TentativeID(img.ID),
		FilterName:        filterName,
	}, nil
}

// processingError maps executor failures to user-facing errors.
func processingError(err error) error {
	var unsupported *pipeline.UnsupportedFilterError
	if errors.As(err, &unsupported) {
		return domain.ErrUnsupported(unsupported.Filter).WithCause(err)
	}
	if msg, ok := invalidValueMessage(err); ok {
		return domain.ErrInvalidRequest(msg).WithCause(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrServer("Processing timed out.").WithStatusCode(http.StatusServiceUnavailable).WithCause(err)
	}
	return domain.ErrServer("Could not process image.").WithCause(err)
}

// Confirm commits the tentative result identified by tentativeID.
func (s *Service) Confirm(ctx context.Context, sessionID, tentativeID string) (string, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	img := sess.Current()

	noPreview := domain.ErrInvalidRequest("No preview image to confirm.")
	if sess.Tentative == nil || sess.Tentative.ImageID != img.ID || tentativeID != storage.TentativeID(img.ID) {
		return "", noPreview
	}

	data, err := s.blobs.Get(ctx, storage.TentativeKey(sess.ID, img.ID))
	if errors.Is(err, storage.ErrNotFound) {
		return "", noPreview.WithCause(err)
	}
	if err != nil {
		return "", domain.ErrServer("Could not load preview image.").WithCause(err)
	}
	if err := s.blobs.Put(ctx, storage.ConfirmedKey(sess.ID, img.ID), data); err != nil {
		return "", fmt.Errorf("failed to store confirmed image: %w", err)
	}

	img.Confirmed = true
	release := s.detachTentative(sess)
	if err := s.sessions.UpdateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("failed to update session: %w", err)
	}
	release(ctx)

	metrics.ConfirmsTotal.Inc()
	return fmt.Sprintf("Filter (or pipeline) confirmed for image %s.", img.Filename), nil
}

// Image returns the bytes behind an image id of the session. An image id serves its
// confirmed result once one exists, otherwise the uploaded original. A tentative id
// serves the pending result.
func (s *Service) Image(ctx context.Context, sessionID, id string) (*Image, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	notFound := domain.ErrNotFound("Image not found.")
	var key, ct string
	if t := sess.Tentative; t != nil && id == storage.TentativeID(t.ImageID) {
		key = storage.TentativeKey(sess.ID, t.ImageID)
		ct = contentTypeFor(sess, t.ImageID)
	} else {
		for _, img := range sess.Images {
			if img.ID == id {
				key = storage.OriginalKey(sess.ID, img.ID)
				if img.Confirmed {
					key = storage.ConfirmedKey(sess.ID, img.ID)
				}
				ct = img.ContentType
				break
			}
		}
	}
	if key == "" {
		return nil, notFound
	}

	data, err := s.blobs.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, notFound.WithCause(err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return &Image{Data: data, ContentType: ct}, nil
}

func contentTypeFor(sess *storage.Session, imageID string) string {
	for _, img := range sess.Images {
		if img.ID == imageID {
			return img.ContentType
		}
	}
	return "application/octet-stream"
}

func (s *Service) load(ctx context.Context, sessionID string) (*storage.Session, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrNotFound("Session not found. Upload images first.").WithCause(err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess.Current() == nil {
		return nil, domain.ErrInvalidRequest("No images loaded.")
	}
	return sess, nil
}

// sentence turns an error into a capitalized message ending with a period.
func sentence(err error) string {
	msg := err.Error()
	if msg == "" {
		return msg
	}
	msg = strings.ToUpper(msg[:1]) + msg[1:]
	if !strings.HasSuffix(msg, ".") {
		msg += "."
	}
	return msg
}

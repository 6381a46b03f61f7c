package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/darkroom/internal/api"
	"github.com/tjfontaine/darkroom/internal/catalog"
	"github.com/tjfontaine/darkroom/internal/domain"
	"github.com/tjfontaine/darkroom/internal/editor"
)

// maxMemory is how much of a multipart upload is buffered before spilling to disk.
const maxMemory = 32 << 20

// Handler exposes an editor.Service over HTTP.
type Handler struct {
	svc            *editor.Service
	maxUploadBytes int64
	logger         *slog.Logger
}

// NewHandler creates the API handler. maxUploadBytes bounds the whole upload body.
func NewHandler(svc *editor.Service, maxUploadBytes int64, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, maxUploadBytes: maxUploadBytes, logger: logger}
}

// Mount registers the API routes under /api.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.upload)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/current", h.current)
			r.Post("/next", h.next)
			r.Post("/prev", h.prev)
			r.Post("/filter", h.applyFilter)
			r.Post("/pipeline", h.applyPipeline)
			r.Post("/confirm", h.confirm)
			r.Post("/export", h.export)
			r.Get("/images/{imageID}", h.image)
		})
	})
}

// MountMetrics serves Prometheus metrics at path.
func (s *Server) MountMetrics(path string) {
	s.Router.Handle(path, promhttp.Handler())
}

func (h *Handler) sessionID(r *http.Request) string {
	id := chi.URLParam(r, "sessionID")
	AddLogField(r.Context(), "session_id", id)
	return id
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	tooLarge := domain.ErrTooLarge(fmt.Sprintf("Upload exceeds %d bytes.", h.maxUploadBytes))
	if r.ContentLength > h.maxUploadBytes {
		writeError(w, r, tooLarge)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(w, r, tooLarge.WithCause(err))
			return
		}
		writeError(w, r, domain.ErrInvalidRequest("No files uploaded.").WithCause(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File[api.UploadFilesField]
	files := make([]editor.UploadFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeError(w, r, fmt.Errorf("failed to open upload %s: %w", fh.Filename, err))
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, r, fmt.Errorf("failed to read upload %s: %w", fh.Filename, err))
			return
		}
		files = append(files, editor.UploadFile{Filename: fh.Filename, Data: data})
	}

	res, err := h.svc.Upload(r.Context(), files)
	if err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "session_id", res.SessionID)
	AddLogField(r.Context(), "uploaded", strconv.Itoa(res.Uploaded))

	// The new session exists, so losing the old one cannot strand the client.
	if old := r.FormValue(api.UploadReplacesField); old != "" && old != res.SessionID {
		AddLogField(r.Context(), "replaces", old)
		if err := h.svc.DeleteSession(r.Context(), old); err != nil {
			h.logger.Warn("failed to delete replaced session", slog.String("session_id", old), slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusOK, api.UploadResponse{
		Envelope:  success("Files uploaded successfully."),
		SessionID: res.SessionID,
		Uploaded:  res.Uploaded,
	})
}

func (h *Handler) current(w http.ResponseWriter, r *http.Request) {
	cur, err := h.svc.Current(r.Context(), h.sessionID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.CurrentImageResponse{
		Envelope:       success(""),
		ImageID:        cur.ImageID,
		Filename:       cur.Filename,
		PositionIndex:  cur.PositionIndex,
		TotalImages:    cur.TotalImages,
		LastFilterName: cur.LastFilterName,
	})
}

func (h *Handler) next(w http.ResponseWriter, r *http.Request) {
	pos, err := h.svc.Next(r.Context(), h.sessionID(r))
	h.navigated(w, r, pos, err)
}

func (h *Handler) prev(w http.ResponseWriter, r *http.Request) {
	pos, err := h.svc.Prev(r.Context(), h.sessionID(r))
	h.navigated(w, r, pos, err)
}

func (h *Handler) navigated(w http.ResponseWriter, r *http.Request, pos int, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.NavigateResponse{Envelope: success(""), PositionIndex: pos})
}

func (h *Handler) applyFilter(w http.ResponseWriter, r *http.Request) {
	sid := h.sessionID(r)

	var req api.ApplyFilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.ErrInvalidRequest("Invalid filter request.").WithCause(err))
		return
	}
	if req.FilterName == "" {
		req.FilterName = catalog.None.String()
	}
	AddLogField(r.Context(), "filter", req.FilterName)

	res, err := h.svc.ApplyFilter(r.Context(), sid, req.FilterName, api.ToParams(req.Params))
	h.applied(w, r, res, err)
}

func (h *Handler) applyPipeline(w http.ResponseWriter, r *http.Request) {
	sid := h.sessionID(r)

	var req api.PipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.ErrInvalidRequest("Invalid pipeline data.").WithCause(err))
		return
	}

	steps := make([]editor.StepRequest, 0, len(req.Steps))
	for _, s := range req.Steps {
		name := s.FilterName
		if name == "" {
			name = catalog.None.String()
		}
		steps = append(steps, editor.StepRequest{FilterName: name, Params: api.ToParams(s.Params)})
	}
	AddLogField(r.Context(), "steps", strconv.Itoa(len(steps)))

	res, err := h.svc.ApplyPipeline(r.Context(), sid, steps)
	h.applied(w, r, res, err)
}

func (h *Handler) applied(w http.ResponseWriter, r *http.Request, res *editor.ApplyResult, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ApplyResponse{
		Envelope:          success(""),
		ImageID:           res.ImageID,
		TentativeResultID: res.TentativeResultID,
		FilterName:        res.FilterName,
	})
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	sid := h.sessionID(r)

	var req api.ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.ErrInvalidRequest("No preview image to confirm.").WithCause(err))
		return
	}

	msg, err := h.svc.Confirm(r.Context(), sid, req.TentativeResultID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.MessageResponse{Envelope: success(msg)})
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Export(r.Context(), h.sessionID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ExportResponse{Envelope: success(res.Message()), Exported: res.Exported})
}

func (h *Handler) image(w http.ResponseWriter, r *http.Request) {
	img, err := h.svc.Image(r.Context(), h.sessionID(r), chi.URLParam(r, "imageID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	noStore(w)
	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img.Data); err != nil {
		h.logger.Debug("failed to write image", slog.String("error", err.Error()))
	}
}

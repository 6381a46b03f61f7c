package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/darkroom/internal/api"
	"github.com/tjfontaine/darkroom/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError answers with the error envelope. Errors without a user-facing message are
// logged and reported generically.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := domain.AsAPIError(err)
	AddError(r.Context(), err)
	AddLogField(r.Context(), "error_type", string(apiErr.Type))
	writeJSON(w, apiErr.HTTPStatusCode(), api.MessageResponse{
		Envelope: api.Envelope{Status: api.StatusError, Message: apiErr.Message},
	})
}

func success(message string) api.Envelope {
	return api.Envelope{Status: api.StatusSuccess, Message: message}
}

// noStore marks a response as uncacheable. Tentative ids are reused across applies.
func noStore(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

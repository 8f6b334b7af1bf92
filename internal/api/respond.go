package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/veobatch/internal/artifact"
	"github.com/kalambet/veobatch/internal/batch"
)

const maxRequestBodySize = 1 << 20 // 1MB

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeBatchError maps domain errors to HTTP responses. Unexpected errors,
// including corrupt records, are logged and reported generically.
func writeBatchError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, batch.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "Batch not found")
	case errors.Is(err, artifact.ErrNoCompletedJobs):
		httpError(w, http.StatusNotFound, "not_found", "No completed videos to download")
	case errors.Is(err, batch.ErrMissingCredential):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "Missing API key")
	case errors.Is(err, batch.ErrValidation):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		logger.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

// Package handler implements the HTTP handlers behind the /api/v1 routes.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/corpusflow/internal/ai"
	mw "github.com/kiranshivaraju/corpusflow/internal/api/middleware"
	"github.com/kiranshivaraju/corpusflow/internal/api/response"
	"github.com/kiranshivaraju/corpusflow/internal/corpus"
	"github.com/kiranshivaraju/corpusflow/internal/embedding"
	"github.com/kiranshivaraju/corpusflow/internal/jobs"
	"github.com/kiranshivaraju/corpusflow/internal/retrieval"
	"github.com/kiranshivaraju/corpusflow/internal/store"
)

const maxBodyBytes = 2 << 20

// writeError maps domain errors onto status codes and error codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobs.ErrValidation):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, retrieval.ErrEmptyQuery):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, store.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, retrieval.ErrNoGenerator):
		response.Error(w, http.StatusNotImplemented, "AI_PROVIDER_NOT_CONFIGURED",
			"No text generation provider is configured", nil)
	case errors.Is(err, ai.ErrInferenceTimeout):
		response.Error(w, http.StatusGatewayTimeout, "AI_INFERENCE_TIMEOUT",
			"Text generation took too long and was cancelled", nil)
	case errors.Is(err, ai.ErrProviderUnavailable), errors.Is(err, ai.ErrInvalidResponse):
		response.Error(w, http.StatusBadGateway, "AI_PROVIDER_UNAVAILABLE",
			"The AI provider is not available", nil)
	case errors.Is(err, embedding.ErrProviderUnavailable):
		response.Error(w, http.StatusBadGateway, "EMBEDDING_UNAVAILABLE",
			"No embedding provider is available", nil)
	case errors.Is(err, corpus.ErrStorage):
		response.Error(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE",
			"The corpus store is not available", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

// decodeJSON reads a bounded JSON body. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large", nil)
		return false
	}
	response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
	return false
}

func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, ok := mw.OwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing principal", nil)
	}
	return owner, ok
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_ID", name+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

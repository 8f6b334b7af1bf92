package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/veobatch/internal/artifact"
	"github.com/kalambet/veobatch/internal/batch"
	"github.com/kalambet/veobatch/internal/logging"
	"github.com/kalambet/veobatch/internal/script"
)

// BatchService is the batch lifecycle as seen by handlers.
type BatchService interface {
	Create(ctx context.Context, req batch.CreateRequest) (*batch.Batch, error)
	Get(ctx context.Context, id string) (*batch.Batch, error)
	Refresh(ctx context.Context, id, credentialOverride string) (*batch.Batch, error)
}

// ArchiveCollector bundles a batch's finished videos.
type ArchiveCollector interface {
	Collect(ctx context.Context, b *batch.Batch, archiveName string) (artifact.Result, error)
}

type Deps struct {
	Batches   BatchService
	Collector ArchiveCollector
	// Token, when non-empty, is required as a bearer token on /api routes.
	Token  string
	Logger *slog.Logger
}

// CreateBatchRequest uses the field names the web front end sends.
type CreateBatchRequest struct {
	APIKey           string `json:"api_key"`
	Script           string `json:"script"`
	AvatarNormalURL  string `json:"avatar_normal_url"`
	AvatarProductURL string `json:"avatar_product_url"`
}

type CollectRequest struct {
	BatchName string `json:"batch_name"`
}

type SegmentsRequest struct {
	Script string `json:"script"`
}

// NewHandler returns the HTTP API: resource routes under /api/batches plus
// the /api/generate, /api/status and /api/download aliases.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = logging.WithComponent(deps.Logger, "api")

	r := chi.NewRouter()
	r.Use(RequestID())
	r.Use(Recovery(deps.Logger))
	r.Use(Logging(deps.Logger))

	r.Get("/health", handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token, deps.Logger))

		r.Post("/segments", handleSegments())

		r.Post("/batches", handleCreateBatch(deps))
		r.Get("/batches/{id}", handleRefreshBatch(deps))
		r.Post("/batches/{id}/archive", handleCollect(deps))

		r.Post("/generate", handleCreateBatch(deps))
		r.Get("/status/{id}", handleRefreshBatch(deps))
		r.Post("/download/{id}", handleCollect(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleSegments() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SegmentsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		segs := script.Parse(req.Script)
		if segs == nil {
			segs = []script.Segment{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"segments": segs,
			"count":    len(segs),
		})
	}
}

func handleCreateBatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CreateBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.APIKey == "" || strings.TrimSpace(req.Script) == "" || req.AvatarNormalURL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "Missing API key, script, or normal avatar URL")
			return
		}

		segs := script.Parse(req.Script)
		if len(segs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error",
				"No segments found in script. Make sure each segment starts with a label (HOOK, Backend 1, etc.)")
			return
		}

		b, err := deps.Batches.Create(r.Context(), batch.CreateRequest{
			Credential:       req.APIKey,
			Segments:         segs,
			NormalAvatarURL:  req.AvatarNormalURL,
			ProductAvatarURL: req.AvatarProductURL,
		})
		if err != nil {
			writeBatchError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, b.View())
	}
}

func handleRefreshBatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		b, err := deps.Batches.Refresh(r.Context(), id, r.URL.Query().Get("api_key"))
		if err != nil {
			writeBatchError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, b.View())
	}
}

func handleCollect(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		// The body is optional.
		var req CollectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		b, err := deps.Batches.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeBatchError(w, deps.Logger, err)
			return
		}

		// Stream this call's archive, not whatever sits at res.Path by now.
		res, err := deps.Collector.Collect(r.Context(), b, req.BatchName)
		if err != nil {
			writeBatchError(w, deps.Logger, err)
			return
		}
		defer res.Close()

		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Name))
		if len(res.Skipped) > 0 {
			w.Header().Set("X-Skipped-Artifacts", fmt.Sprintf("%d", len(res.Skipped)))
		}
		if _, err := io.Copy(w, res.Archive); err != nil {
			deps.Logger.Warn("archive stream interrupted", "batch_id", b.ID, "error", err)
		}
	}
}

// Package handlers exposes the ingest service and pipeline state over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tendant/chunked-content-pipeline/internal/content"
	"github.com/tendant/chunked-content-pipeline/internal/events"
	"github.com/tendant/chunked-content-pipeline/internal/ingest"
	"github.com/tendant/chunked-content-pipeline/internal/metrics"
	"github.com/tendant/chunked-content-pipeline/internal/storage"
	"github.com/tendant/chunked-content-pipeline/internal/workflows"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// formOverhead is the multipart budget on top of the chunk payload
const formOverhead = 1 << 20

// StatsFunc reports runtime figures for the health endpoint
type StatsFunc func(ctx context.Context) (map[string]any, error)

// Config holds the collaborators of the API. Only Ingest is required.
type Config struct {
	Ingest        *ingest.Service
	DeadLetters   *workflows.DeadLetters
	Validation    *workflows.ValidationResults
	History       *events.History
	Store         storage.Store
	Gatherer      prometheus.Gatherer
	Stats         StatsFunc
	MaxChunkBytes int64
	Log           zerolog.Logger
}

// API serves the upload and status endpoints
type API struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config) *API {
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = ingest.DefaultMaxChunkBytes
	}
	return &API{cfg: cfg, log: cfg.Log.With().Str("component", "http").Logger()}
}

// Router returns a router with every endpoint registered
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	a.Register(r)
	return r
}

// Register adds the endpoints to r
func (a *API) Register(r *mux.Router) {
	r.Use(a.loggingMiddleware)

	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	if a.cfg.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(a.cfg.Gatherer)).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/upload/chunks", a.handleUploadChunk).Methods(http.MethodPost)
	api.HandleFunc("/content/{id}", a.handleGetContent).Methods(http.MethodGet)
	api.HandleFunc("/content/{id}/download", a.handleDownload).Methods(http.MethodGet)
	api.HandleFunc("/content/{id}/events", a.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/content/{id}/validation", a.handleValidation).Methods(http.MethodGet)
	api.HandleFunc("/content/{id}/cancel", a.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/content/{id}/expire", a.handleExpire).Methods(http.MethodPost)
	api.HandleFunc("/users/{userId}/content", a.handleListByUser).Methods(http.MethodGet)
	api.HandleFunc("/admin/dead-letters", a.handleDeadLetters).Methods(http.MethodGet)
}

func (a *API) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxChunkBytes+formOverhead)
	if err := r.ParseMultipartForm(a.cfg.MaxChunkBytes + formOverhead); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	req, err := chunkRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("file is required: %w", err))
		return
	}
	defer file.Close()

	req.Payload, err = io.ReadAll(io.LimitReader(file, a.cfg.MaxChunkBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read chunk: %w", err))
		return
	}
	if req.FileName == "" {
		req.FileName = header.Filename
	}
	if req.ContentType == "" {
		req.ContentType = header.Header.Get("Content-Type")
	}

	res, err := a.cfg.Ingest.SubmitChunk(r.Context(), req)
	if errors.Is(err, ingest.ErrInvalidChunk) {
		writeJSON(w, http.StatusBadRequest, res)
		return
	}
	if errors.Is(err, ingest.ErrAssemblyFailed) {
		// the chunk was taken; the result carries the FAILED status
		a.log.Warn().Err(err).Str("content_id", req.ContentID).Msg("upload failed during assembly")
	} else if err != nil {
		a.log.Error().Err(err).Str("content_id", req.ContentID).Int("chunk_index", req.ChunkIndex).Msg("chunk submission failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, outcomeStatus(res.Outcome), res)
}

func chunkRequest(r *http.Request) (pipeline.SubmitChunkRequest, error) {
	req := pipeline.SubmitChunkRequest{
		ContentID:   r.FormValue("contentId"),
		UserID:      r.FormValue("userId"),
		FileName:    r.FormValue("fileName"),
		ContentType: r.FormValue("contentType"),
		Priority:    pipeline.Priority(r.FormValue("priority")),
	}

	var err error
	if req.ChunkIndex, err = formInt(r, "chunkIndex", 0); err != nil {
		return req, err
	}
	if req.TotalChunks, err = formInt(r, "totalChunks", 1); err != nil {
		return req, err
	}
	size, err := formInt(r, "fileSize", 0)
	if err != nil {
		return req, err
	}
	req.FileSize = int64(size)
	return req, nil
}

func formInt(r *http.Request, name string, def int) (int, error) {
	v := r.FormValue(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %q", name, v)
	}
	return n, nil
}

func outcomeStatus(o pipeline.ChunkOutcome) int {
	switch o {
	case pipeline.OutcomeAssemblyTriggered:
		return http.StatusCreated
	case pipeline.OutcomeAccepted:
		return http.StatusAccepted
	case pipeline.OutcomeRejected:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

func (a *API) handleGetContent(w http.ResponseWriter, r *http.Request) {
	item, err := a.cfg.Ingest.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleDownload streams the assembled object of an upload
func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Store == nil {
		writeError(w, http.StatusNotImplemented, errors.New("downloads are disabled"))
		return
	}
	item, err := a.cfg.Ingest.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	if item.SourceKey == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("content %s is %s and has no assembled object", item.ContentID, item.Status))
		return
	}

	rc, err := a.cfg.Store.Get(r.Context(), item.SourceKey)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("assembled object of %s is gone", item.ContentID))
		return
	}
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	defer rc.Close()

	contentType := item.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if item.FileName != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": item.FileName}))
	}
	if item.Checksum != "" {
		w.Header().Set("ETag", strconv.Quote(item.Checksum))
	}
	if stat, ok := a.cfg.Store.(storage.StatStore); ok {
		if md, err := stat.Stat(r.Context(), item.SourceKey); err == nil {
			w.Header().Set("Content-Length", strconv.FormatInt(md.Size, 10))
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		a.log.Warn().Err(err).Str("content_id", item.ContentID).Msg("download interrupted")
	}
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.cfg.History == nil {
		writeError(w, http.StatusNotImplemented, errors.New("event history is disabled"))
		return
	}
	id := mux.Vars(r)["id"]
	list := a.cfg.History.Events(id)
	if len(list) == 0 {
		if _, err := a.cfg.Ingest.GetStatus(r.Context(), id); err != nil {
			a.writeFailure(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"content_id": id, "events": list})
}

func (a *API) handleValidation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if a.cfg.Validation == nil {
		writeError(w, http.StatusNotImplemented, errors.New("validation results are disabled"))
		return
	}
	res, ok, err := a.cfg.Validation.Get(r.Context(), id)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no validation result for %s", id))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	a.stop(w, r, a.cfg.Ingest.Cancel)
}

func (a *API) handleExpire(w http.ResponseWriter, r *http.Request) {
	a.stop(w, r, a.cfg.Ingest.Expire)
}

// stop applies a user-driven stop. An empty reason falls back to the
// machine default.
func (a *API) stop(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, reason string) (*pipeline.ContentItem, error)) {
	var body stopRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}

	item, err := fn(r.Context(), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) handleListByUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	items, err := a.cfg.Ingest.ListByUser(r.Context(), userID)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	if items == nil {
		items = []*pipeline.ContentItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "items": items})
}

func (a *API) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	list := []workflows.DeadLetter{}
	if a.cfg.DeadLetters != nil {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		found, err := a.cfg.DeadLetters.List(r.Context(), limit)
		if err != nil {
			a.writeFailure(w, err)
			return
		}
		if found != nil {
			list = found
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": list})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if a.cfg.Stats != nil {
		stats, err := a.cfg.Stats(r.Context())
		if err != nil {
			a.log.Warn().Err(err).Msg("health stats unavailable")
			resp["status"] = "degraded"
			resp["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		for k, v := range stats {
			resp[k] = v
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, content.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, pipeline.ErrIllegalTransition):
		writeError(w, http.StatusConflict, err)
	default:
		a.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (l *loggingResponseWriter) WriteHeader(code int) {
	l.status = code
	l.ResponseWriter.WriteHeader(code)
}

func (a *API) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lrw, r)
		a.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", lrw.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

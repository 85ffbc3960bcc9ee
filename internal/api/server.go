package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/metrics"
	"github.com/JakeFAU/docharvest/internal/scheduler"
)

// Engine is the read and control surface served over HTTP.
type Engine interface {
	Query(ctx context.Context, filter harvest.Filter) ([]harvest.SnapshotView, error)
	ChangeFeed(ctx context.Context, cursor harvest.FeedCursor, limit int) ([]harvest.ChangeEvent, error)
	History(ctx context.Context, key harvest.DocumentKey) ([]harvest.ChangeEvent, error)
	TriggerHarvest(ctx context.Context, projectID, sourceID string) ([]harvest.WorkItem, error)
	WorkItems() []harvest.WorkItem
}

// Options configures the HTTP surface.
type Options struct {
	// APIKey enables X-API-Key authentication on /v1 routes when set.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the engine.
type Server struct {
	router chi.Router
	engine Engine
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(engine Engine, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{engine: engine, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/snapshots", s.listSnapshots)
		r.Get("/history", s.documentHistory)
		r.Get("/changes", s.changeFeed)
		r.Post("/projects/{project_id}/harvest", s.triggerHarvest)
		r.Get("/work", s.listWork)
		r.Get("/work/{work_id}", s.getWork)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// listSnapshots handles GET /v1/snapshots?project=&source=&changed_since=&fresh_within=&body=.
func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := harvest.Filter{
		ProjectID: strings.TrimSpace(q.Get("project")),
		SourceID:  strings.TrimSpace(q.Get("source")),
	}
	var err error
	if filter.ChangedSince, err = parseTime(q.Get("changed_since")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid changed_since")
		return
	}
	if raw := q.Get("fresh_within"); raw != "" {
		filter.FreshWithin, err = time.ParseDuration(raw)
		if err != nil || filter.FreshWithin < 0 {
			writeError(w, http.StatusBadRequest, "invalid fresh_within")
			return
		}
	}
	includeBody := true
	if raw := q.Get("body"); raw != "" {
		if includeBody, err = strconv.ParseBool(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body flag")
			return
		}
	}

	views, err := s.engine.Query(r.Context(), filter)
	if err != nil {
		s.storeFailure(w, "query snapshots", err)
		return
	}
	out := make([]snapshotDTO, 0, len(views))
	for _, v := range views {
		out = append(out, toSnapshotDTO(v, includeBody))
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": out})
}

// documentHistory handles GET /v1/history?project=&source=&path=.
func (s *Server) documentHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := harvest.DocumentKey{ProjectID: q.Get("project"), SourceID: q.Get("source"), Path: q.Get("path")}
	if key.ProjectID == "" || key.SourceID == "" || key.Path == "" {
		writeError(w, http.StatusBadRequest, "project, source and path are required")
		return
	}
	events, err := s.engine.History(r.Context(), key)
	if err != nil {
		s.storeFailure(w, "read history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

// changeFeed handles GET /v1/changes?since=&after_id=&limit=. Clients page by
// passing back next_since and next_after_id.
func (s *Server) changeFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := parseTime(q.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since")
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	cursor := harvest.FeedCursor{Since: since, AfterID: strings.TrimSpace(q.Get("after_id"))}
	events, err := s.engine.ChangeFeed(r.Context(), cursor, limit)
	if err != nil {
		s.storeFailure(w, "read change feed", err)
		return
	}
	resp := map[string]any{"events": nonNil(events)}
	if n := len(events); n > 0 {
		next := cursor.Next(events[n-1])
		resp["next_since"] = next.Since.Format(time.RFC3339Nano)
		resp["next_after_id"] = next.AfterID
	}
	writeJSON(w, http.StatusOK, resp)
}

// triggerHarvest handles POST /v1/projects/{project_id}/harvest?source=.
func (s *Server) triggerHarvest(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	sourceID := strings.TrimSpace(r.URL.Query().Get("source"))
	items, err := s.engine.TriggerHarvest(r.Context(), projectID, sourceID)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrUnknownProject), errors.Is(err, scheduler.ErrUnknownSource):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusRequestTimeout, err.Error())
		default:
			s.logger.Error("trigger harvest failed", zap.String("project", projectID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to trigger harvest")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"work_items": nonNil(items)})
}

func (s *Server) storeFailure(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", zap.Error(err))
	if harvest.IsStoreKind(err, harvest.Unavailable) {
		writeError(w, http.StatusServiceUnavailable, "snapshot store unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "failed to "+op)
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

type snapshotDTO struct {
	ProjectID   string            `json:"project_id"`
	SourceID    string            `json:"source_id"`
	Path        string            `json:"path"`
	Title       string            `json:"title"`
	Body        string            `json:"body,omitempty"`
	Outline     []harvest.Heading `json:"outline,omitempty"`
	ContentType string            `json:"content_type"`
	Truncated   bool              `json:"truncated"`
	Fingerprint string            `json:"fingerprint"`
	LastChanged time.Time         `json:"last_changed"`
	LastChecked time.Time         `json:"last_checked"`
	Version     int64             `json:"version"`
	Stale       bool              `json:"stale"`
	AgeSeconds  float64           `json:"age_seconds"`
}

func toSnapshotDTO(v harvest.SnapshotView, includeBody bool) snapshotDTO {
	doc := v.Document
	dto := snapshotDTO{
		ProjectID:   doc.ProjectID,
		SourceID:    doc.SourceID,
		Path:        doc.Path,
		Title:       doc.Title,
		Outline:     doc.Outline,
		ContentType: doc.ContentType,
		Truncated:   doc.Truncated,
		Fingerprint: v.Fingerprint,
		LastChanged: v.LastChanged,
		LastChecked: v.LastChecked,
		Version:     v.Version,
		Stale:       v.Stale,
		AgeSeconds:  v.Age.Seconds(),
	}
	if includeBody {
		dto.Body = doc.Body
	}
	return dto
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", reqID),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package serve

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gftdcojp/segment-delivery/internal/config"
	"github.com/gftdcojp/segment-delivery/internal/ingest"
	"github.com/gftdcojp/segment-delivery/internal/lifecycle"
	"github.com/gftdcojp/segment-delivery/internal/meta"
	"github.com/gftdcojp/segment-delivery/internal/segment"
	"github.com/gftdcojp/segment-delivery/internal/shard"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Version is reported by /v1/status; set by main.
var Version = "dev"

// Deps are the components behind the HTTP API.
type Deps struct {
	Service     *segment.Service
	Distributor *ingest.Distributor
	Lifecycle   *lifecycle.Manager
	Meta        meta.Store
	Pool        *shard.Pool
	Logger      *zap.Logger
}

type handler struct {
	svc       *segment.Service
	dist      *ingest.Distributor
	lifecycle *lifecycle.Manager
	meta      meta.Store
	pool      *shard.Pool
	logger    *zap.Logger
	started   time.Time
}

// NewRouter builds the API routes.
func NewRouter(d Deps) http.Handler {
	h := &handler{
		svc:       d.Service,
		dist:      d.Distributor,
		lifecycle: d.Lifecycle,
		meta:      d.Meta,
		pool:      d.Pool,
		logger:    d.Logger,
		started:   time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/v1/status", h.handleStatus)
	r.Get("/v1/segments/{video}/{segment}", h.handleGetSegment)

	r.Route("/v1/cache", func(r chi.Router) {
		r.Post("/clear", h.handleCacheClear)
		r.Get("/stats", h.handleCacheStats)
		r.Post("/preload", h.handleCachePreload)
	})

	h.registerVideoRoutes(r)

	r.Get("/v1/shards", h.handleShards)
	r.Post("/v1/shards/{id}/disable", h.handleShardAdmin(true))
	r.Post("/v1/shards/{id}/enable", h.handleShardAdmin(false))
	r.Get("/v1/sessions/popular", h.handlePopular)

	return r
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, d Deps) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewRouter(d),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	d.Logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	available := 0
	for _, s := range h.pool.Shards() {
		if s.Available() {
			available++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"version":          Version,
		"uptime":           time.Since(h.started).Round(time.Second).String(),
		"shards":           h.pool.Len(),
		"shards_available": available,
		"active_sessions":  h.svc.Sessions().ActiveCount(),
	})
}

func (h *handler) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "video")
	name := chi.URLParam(r, "segment")

	res, err := h.svc.Fetch(r.Context(), videoID, name, Fingerprint(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	cacheStatus := "MISS"
	if res.Hit {
		cacheStatus = "HIT"
	}
	w.Header().Set("Content-Type", ContentType(name))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("X-Cache", cacheStatus)
	w.WriteHeader(http.StatusOK)
	w.Write(res.Data)
}

type clearRequest struct {
	VideoID string `json:"video_id"`
}

func (h *handler) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	if req.VideoID == "" {
		req.VideoID = r.URL.Query().Get("video_id")
	}
	n := h.svc.Clear(r.Context(), req.VideoID)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (h *handler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats(r.Context()))
}

type preloadRequest struct {
	VideoID    string `json:"video_id"`
	StartIndex int    `json:"start_index"`
	Count      int    `json:"count"`
}

func (h *handler) handleCachePreload(w http.ResponseWriter, r *http.Request) {
	var req preloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.VideoID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "video_id is required"})
		return
	}
	if req.Count == 0 {
		req.Count = 10
	}

	n, err := h.svc.Preload(r.Context(), req.VideoID, req.StartIndex, req.Count)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"scheduled": n})
}

func (h *handler) handleShards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats(r.Context()).Shards)
}

func (h *handler) handleShardAdmin(disable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid shard id"})
			return
		}
		s, err := h.pool.Shard(id)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		s.SetDisabled(disable)
		writeJSON(w, http.StatusOK, s.Stats())
	}
}

func (h *handler) handlePopular(w http.ResponseWriter, r *http.Request) {
	n := 10
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid n"})
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, h.svc.PopularVideos(n))
}

// statusFor maps an error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, shard.ErrNotFound), errors.Is(err, meta.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shard.ErrUnavailable), errors.Is(err, segment.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ingest.ErrPolicyConflict):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrEmptyBatch):
		return http.StatusBadRequest
	case errors.Is(err, shard.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, shard.ErrTransient):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

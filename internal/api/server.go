package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/flowlens/internal/config"
	"github.com/JakeFAU/flowlens/internal/flow"
	"github.com/JakeFAU/flowlens/internal/id/uuid"
	"github.com/JakeFAU/flowlens/internal/metrics"
)

// requestTimeout bounds one request, which may wait on three paid scoring calls.
const requestTimeout = 2 * time.Minute

// DataSource serves the loaded dataset and SERP templates.
type DataSource interface {
	Dataset(ctx context.Context) (flow.Dataset, error)
	Templates(ctx context.Context) (flow.SerpTemplates, error)
}

// FlowScorer runs the similarity pipeline for one record.
type FlowScorer interface {
	Score(ctx context.Context, rec flow.Record) (flow.SimilarityResult, error)
	StageURLs(rec flow.Record) map[flow.Stage]string
}

// IDGenerator mints request IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Server wires HTTP handlers to the dataset and the similarity pipeline.
type Server struct {
	router      chi.Router
	data        DataSource
	scorer      FlowScorer
	screenshots flow.ScreenshotService
	cfg         config.Config
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes. screenshots may be nil.
func NewServer(
	data DataSource,
	scorer FlowScorer,
	screenshots flow.ScreenshotService,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		data:        data,
		scorer:      scorer,
		screenshots: screenshots,
		cfg:         cfg,
		logger:      logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware(uuid.NewUUIDGenerator(), logger))
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/flows", func(r chi.Router) {
			r.Get("/best", s.bestFlow)
			r.Get("/top", s.topFlows)
			r.Post("/score", s.scoreFlow)
		})
		r.Post("/serp/render", s.renderSerp)
		r.Get("/screenshots", s.screenshot)
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ds, err := s.data.Dataset(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "could not load dataset")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "records": len(ds.Records)})
}

func requestIDMiddleware(ids IDGenerator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var err error
				if reqID, err = ids.NewID(); err != nil {
					logger.Warn("request id generation failed", zap.Error(err))
				}
			}
			ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
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
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("error", rec),
					)
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
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xiaotian947859/javbus-site/internal/crawler"
	"github.com/xiaotian947859/javbus-site/internal/metrics"
	"github.com/xiaotian947859/javbus-site/internal/sink"
)

// Server wires HTTP handlers to the record store.
type Server struct {
	router chi.Router
	store  crawler.Store
	saver  crawler.Sink
	token  string
	logger *zap.Logger
}

// Options configures a Server.
type Options struct {
	// Store serves reads.
	Store crawler.Store
	// Saver handles POST /api/save_movie. Typically a sink.StoreSink over Store.
	Saver crawler.Sink
	// Token, when set, must be presented in the X-API-Token header on saves.
	Token          string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &Server{
		store:  opts.Store,
		saver:  opts.Saver,
		token:  opts.Token,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		r.With(tokenMiddleware(s.token)).Post("/save_movie", s.saveMovie)
		r.Get("/movies", s.listMovies)
		r.Get("/movie/{code}", s.getMovie)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func tokenMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if expected == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(sink.TokenHeader) != expected {
				writeErrorJSON(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeErrorJSON(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

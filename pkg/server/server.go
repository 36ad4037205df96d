// Package server is the HTTP transport over the matchmaking engine. It is
// stateless: every request maps to one engine call, with a short-lived status
// cache absorbing the client poll traffic.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/spindate/matchd/pkg/engine"
	"github.com/spindate/matchd/pkg/metrics"
	"github.com/spindate/matchd/pkg/store"
)

const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultStatusCacheTTL    = 500 * time.Millisecond

	// DefaultRateLimit covers mutating calls per user; polling endpoints
	// (status, heartbeat) get the looser poll limit since clients hit them
	// on a 2s cadence, sometimes from several tabs.
	DefaultRateLimit     = rate.Limit(10)
	DefaultRateBurst     = 20
	DefaultPollRateLimit = rate.Limit(30)
	DefaultPollRateBurst = 60
)

// Matchmaker is the slice of the engine the HTTP layer exposes.
type Matchmaker interface {
	Spin(ctx context.Context, userID string) (engine.SpinResult, error)
	Heartbeat(ctx context.Context, userID string) error
	Leave(ctx context.Context, userID string) error
	Acknowledge(ctx context.Context, userID, matchID string) (engine.AckResult, error)
	RecordVote(ctx context.Context, userID, matchID string, vote store.Vote) (engine.VoteResult, error)
	Status(ctx context.Context, userID string) (engine.Status, error)
	BeginVideoDate(ctx context.Context, matchID string) error
	EndVideoDate(ctx context.Context, matchID string) error
}

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// ReadyCheck reports whether a dependency is ready to serve. readyz returns
// 503 until every configured check passes.
type ReadyCheck func(ctx context.Context) error

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Engine Matchmaker

	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	// AllowedOrigins for browser clients. Empty disables CORS headers.
	AllowedOrigins []string

	// Per-user token buckets: one strict bucket for mutating calls, one
	// looser for the poll endpoints (status, heartbeat).
	RateLimit     rate.Limit
	RateBurst     int
	PollRateLimit rate.Limit
	PollRateBurst int

	// StatusCacheTTL bounds how stale a cached status response may be.
	// Mutating calls by the same user invalidate their entry immediately.
	StatusCacheTTL time.Duration

	ReadyChecks []ReadyCheck
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = DefaultRateBurst
	}
	if cfg.PollRateLimit <= 0 {
		cfg.PollRateLimit = DefaultPollRateLimit
	}
	if cfg.PollRateBurst <= 0 {
		cfg.PollRateBurst = DefaultPollRateBurst
	}
	if cfg.StatusCacheTTL <= 0 {
		cfg.StatusCacheTTL = DefaultStatusCacheTTL
	}
	return nil
}

type Server struct {
	log     *slog.Logger
	cfg     Config
	httpSrv *http.Server

	strictLimiter *userRateLimiter
	pollLimiter   *userRateLimiter
	statusCache   *statusCache
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		log:           cfg.Logger,
		cfg:           cfg,
		strictLimiter: newUserRateLimiter(cfg.RateLimit, cfg.RateBurst),
		pollLimiter:   newUserRateLimiter(cfg.PollRateLimit, cfg.PollRateBurst),
		statusCache:   newStatusCache(cfg.StatusCacheTTL),
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	return s, nil
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/version", s.handleVersion)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(s.rateLimit(s.pollLimiter))
				r.Get("/status", s.handleStatus)
				r.Post("/heartbeat", s.handleHeartbeat)
			})
			r.Group(func(r chi.Router) {
				r.Use(s.rateLimit(s.strictLimiter))
				r.Post("/spin", s.handleSpin)
				r.Post("/ack", s.handleAcknowledge)
				r.Post("/vote", s.handleVote)
				r.Post("/leave", s.handleLeave)
			})
		})
		r.Route("/matches/{matchID}/video", func(r chi.Router) {
			r.Post("/begin", s.handleVideoBegin)
			r.Post("/end", s.handleVideoEnd)
		})
	})
	return r
}

func (s *Server) Run(ctx context.Context) error {
	s.statusCache.Start()
	defer s.statusCache.Stop()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		s.log.Error("server: http server error causing shutdown", "error", err)
		return err
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("server: failed to write healthz response", "error", err)
	}
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.cfg.ReadyChecks {
		if err := check(r.Context()); err != nil {
			s.log.Debug("server: readyz check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, werr := fmt.Fprintf(w, "not ready: %v\n", err); werr != nil {
				s.log.Error("server: failed to write readyz response", "error", werr)
			}
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("server: failed to write readyz response", "error", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(s.cfg.VersionInfo); err != nil {
		s.log.Error("server: failed to write version response", "error", err)
	}
}

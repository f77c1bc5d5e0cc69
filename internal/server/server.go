// Package server exposes the playlist API, the streaming proxy and the
// ClearKey endpoint on one HTTP listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/voyagen/iptvgate/internal/log"
	"github.com/voyagen/iptvgate/internal/models"
	"github.com/voyagen/iptvgate/internal/service"
	"github.com/voyagen/iptvgate/internal/store"
)

// Playlist is the snapshot source the API serves from.
type Playlist interface {
	Get(ctx context.Context, force bool) (*models.Snapshot, error)
	Stats() service.Stats
}

// Options configures a Server.
type Options struct {
	Addr     string
	Playlist Playlist
	// Archive is optional; without it /api/versions answers 404.
	Archive store.Archive
	// Proxy is mounted at /proxy.
	Proxy http.Handler
	// License serves /drm/clearkey.
	License      http.Handler
	RateLimitRPM int
	Logger       *zerolog.Logger
}

// Server holds dependencies for the HTTP API.
type Server struct {
	opts   Options
	router chi.Router
	logger zerolog.Logger
}

// New creates a Server and registers routes.
func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	s := &Server{opts: opts, router: chi.NewRouter()}
	if opts.Logger != nil {
		s.logger = *opts.Logger
	} else {
		s.logger = log.WithComponent("http")
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(withRequestID)
	r.Use(withLogging(s.logger))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(withCORS)
		r.Use(rateLimit(s.opts.RateLimitRPM, time.Minute))

		r.Get("/health", s.handleHealth)
		r.Get("/playlist", s.handlePlaylist)
		r.Get("/channels/{category}/{id}", s.handleChannel)
		r.Get("/versions", s.handleVersions)
	})
	// Players poll this alias, so it sits outside the rate limit.
	r.With(withCORS).Get("/playlist", s.handlePlaylist)
	r.With(withCORS).Options("/playlist", func(http.ResponseWriter, *http.Request) {})

	r.Handle("/metrics", promhttp.Handler())

	if s.opts.Proxy != nil {
		r.Mount("/proxy", s.opts.Proxy)
	}
	if s.opts.License != nil {
		r.Handle("/drm/clearkey", s.opts.License)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the configured address.
// It blocks until the server is shut down or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: live passthrough streams run indefinitely.
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("server shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.opts.Addr).Msg("listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	<-shutdownDone
	return nil
}

// --- handlers ---

type healthResponse struct {
	Status string `json:"status"`
	service.Stats
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.opts.Playlist.Stats()
	resp := healthResponse{Status: "ok", Stats: st}
	status := http.StatusOK
	switch {
	case st.FetchedAt.IsZero():
		resp.Status = "starting"
		status = http.StatusServiceUnavailable
	case st.LastError != "" && st.LastFailure.After(st.LastSuccess):
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	force, err := parseBool(r.URL.Query().Get("refresh"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	snap, err := s.opts.Playlist.Get(r.Context(), force)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("playlist: %w", err))
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	snap, err := s.opts.Playlist.Get(r.Context(), false)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("playlist: %w", err))
		return
	}
	category, id := chi.URLParam(r, "category"), chi.URLParam(r, "id")
	ch, ok := snap.Find(category, id)
	if !ok {
		writeErr(w, http.StatusNotFound, fmt.Errorf("channel %s/%s not found", category, id))
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Archive == nil {
		writeErr(w, http.StatusNotFound, errors.New("snapshot archive is not configured (DATABASE_URL not set)"))
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", v))
			return
		}
		limit = min(n, 200)
	}
	versions, err := s.opts.Archive.ListVersions(r.Context(), limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if versions == nil {
		versions = []store.VersionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"limit":    limit,
	})
}

// --- helpers ---

// APIError is the standard error envelope for all error responses.
type APIError struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func parseBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean: %s", v)
	}
	return b, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l := log.WithComponent("http")
		l.Debug().Err(err).Msg("writeJSON")
	}
}

func writeErr(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		l := log.WithComponent("http")
		l.Error().Int(log.FieldStatus, status).Err(err).Msg("request failed")
	}
	writeJSON(w, status, APIError{
		Status: status,
		Error:  http.StatusText(status),
		Detail: err.Error(),
	})
}

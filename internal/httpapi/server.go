// Package httpapi exposes the mirror over HTTP: webhook ingestion, sync
// triggers, read-through issue fetches, subscription management, and the
// notification feed.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/trackmirror/trackmirror/internal/config"
	"github.com/trackmirror/trackmirror/internal/mirror"
	"github.com/trackmirror/trackmirror/internal/store"
	"github.com/trackmirror/trackmirror/internal/webhook"
)

// Server wires the HTTP surface over the mirror components.
type Server struct {
	cfg          *config.Config
	store        *store.Store
	orchestrator *mirror.Orchestrator
	reader       *mirror.Reader
	pipeline     *webhook.Pipeline
	feed         *Feed
	logger       *slog.Logger
	router       *chi.Mux
}

// NewServer assembles the router. The feed must be registered as the
// dispatcher's delivery hook by the caller.
func NewServer(cfg *config.Config, st *store.Store, orch *mirror.Orchestrator, reader *mirror.Reader, pipeline *webhook.Pipeline, feed *Feed, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:          cfg,
		store:        st,
		orchestrator: orch,
		reader:       reader,
		pipeline:     pipeline,
		feed:         feed,
		logger:       logger,
		router:       chi.NewRouter(),
	}

	s.routes()

	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Post("/webhook", s.handleWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireUser)

		r.Get("/repos", s.handleListRepos)
		r.Post("/repos/{owner}/{repo}/sync", s.handleTriggerSync)
		r.Get("/repos/{owner}/{repo}/issues/{number}", s.handleGetIssue)
		r.Get("/repos/{owner}/{repo}/issues/{number}/checks", s.handleGetChecks)
		r.Get("/repos/{owner}/{repo}/subscription", s.handleGetSubscription)
		r.Patch("/repos/{owner}/{repo}/subscription", s.handlePatchSubscription)
		r.Delete("/repos/{owner}/{repo}/subscription", s.handleDeleteSubscription)

		r.Get("/notifications", s.handleListNotifications)
		r.Post("/notifications/read", s.handleReadAllNotifications)
		r.Post("/notifications/{id}/read", s.handleReadNotification)
		r.Delete("/notifications/read", s.handleClearReadNotifications)
		r.Get("/notifications/ws", s.handleNotificationFeed)
	})
}

// Handler returns the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	// No WriteTimeout: the notification feed holds websocket
	// connections open indefinitely.
	srv := &http.Server{
		Addr:        s.cfg.Server.ListenAddr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.cfg.Server.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	s.feed.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// logRequests is a minimal structured access log.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

type contextKey string

const userIDKey contextKey = "user-id"

// requireUser resolves the acting user from the X-User-ID header. There
// is no session layer; callers identify themselves by their remote
// numeric user id.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-User-ID")

		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			respondError(w, http.StatusUnauthorized, "missing or invalid X-User-ID header")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}

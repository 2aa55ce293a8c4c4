// Package server exposes the playback session over HTTP.
// It implements a REST control API (play, pause, seek, switch, stop) and a
// WebSocket stream of session events. The server uses chi/v5 for routing with
// CORS support so a browser-based player can drive it.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opd-ai/go-fntv-play/internal/catalog"
	"github.com/opd-ai/go-fntv-play/internal/session"
	"github.com/opd-ai/go-fntv-play/internal/storage"
	"github.com/opd-ai/go-fntv-play/pkg/config"
)

// CatalogLoader loads the stream catalog of an item.
type CatalogLoader interface {
	Load(ctx context.Context, itemGUID string) (*catalog.Catalog, error)
}

// TokenSource supplies the media server session token.
type TokenSource interface {
	Token() string
}

// Server represents the HTTP control server.
type Server struct {
	config      *config.ServerConfig
	logger      *slog.Logger
	storage     storage.Store
	sessions    *session.Manager
	catalogs    CatalogLoader
	tokens      TokenSource
	proxyClient *http.Client
	httpServer  *http.Server
	router      chi.Router
	startedAt   time.Time

	wsMutex   sync.RWMutex
	wsClients map[*WebSocketClient]struct{}
}

// New creates a new HTTP server instance with the provided configuration.
// The server is configured with middleware for logging, CORS, and request recovery.
// store and tokens may be nil.
func New(cfg *config.ServerConfig, sessions *session.Manager, catalogs CatalogLoader, store storage.Store, tokens TokenSource, logger *slog.Logger) *Server {
	s := &Server{
		config:      cfg,
		logger:      logger,
		storage:     store,
		sessions:    sessions,
		catalogs:    catalogs,
		tokens:      tokens,
		proxyClient: &http.Client{Timeout: 0}, // no timeout for streaming
		startedAt:   time.Now(),
		wsClients:   make(map[*WebSocketClient]struct{}),
	}

	s.router = chi.NewRouter()
	s.setupMiddleware()
	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// setupMiddleware configures the middleware stack for the router.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware())
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCompression {
		s.router.Use(middleware.Compress(5))
	}

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Starting playback and switching tracks wait on the media server.
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/status", s.handleAPIStatus)
		r.Post("/play", s.handlePlay)
		r.Get("/items/{guid}/catalog", s.handleCatalog)
		r.Get("/progress", s.handleProgressJournal)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.handleSession)
			r.Delete("/", s.handleStop)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/seek", s.handleSeek)
			r.Post("/position", s.handlePosition)
			r.Post("/variant", s.handleSwitchVariant)
			r.Post("/audio", s.handleSwitchAudio)
			r.Post("/subtitle", s.handleSwitchSubtitle)
			r.Get("/subtitles", s.handleSubtitleOptions)
			r.Get("/subtitles/{guid}/file", s.handleSubtitleFile)
		})
	})

	// Direct links proxied with the session token and Range support
	s.router.Get("/stream", s.handleSessionStream)

	s.router.Get("/ws/events", s.handleWebSocket)
}

// Start starts the HTTP server in a goroutine.
// Returns when the context is cancelled and the server has shut down.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		"address", s.httpServer.Addr,
		"read_timeout", s.config.ReadTimeout,
		"write_timeout", s.config.WriteTimeout)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()
	return s.Stop()
}

// Stop gracefully shuts down the HTTP server and disconnects WebSocket
// clients. Waits up to 30 seconds for active connections to complete.
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP server")

	s.closeWSClients()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error shutting down HTTP server", "error", err)
		return err
	}

	s.logger.Info("HTTP server stopped successfully")
	return nil
}

// loggingMiddleware creates a structured logging middleware for HTTP requests.
func (s *Server) loggingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			s.logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"ip", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

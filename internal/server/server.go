package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tandem/internal/auth"
	"tandem/internal/config"
	"tandem/internal/database"
	"tandem/internal/ngrok"
	"tandem/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Server exposes sessions over HTTP and WebSocket
type Server struct {
	config       *config.Config
	sessions     *session.Manager
	tokens       *auth.TokenStore
	db           *database.Database
	ngrokService *ngrok.Service
	logger       *logrus.Logger
	upgrader     websocket.Upgrader
	httpServer   *http.Server
}

// Deps are the collaborators a Server is built from
type Deps struct {
	Config   *config.Config
	Sessions *session.Manager
	Tokens   *auth.TokenStore
	Database *database.Database
	Ngrok    *ngrok.Service
	Logger   *logrus.Logger
}

// NewServer creates a new server instance
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	s := &Server{
		config:       deps.Config,
		sessions:     deps.Sessions,
		tokens:       deps.Tokens,
		db:           deps.Database,
		ngrokService: deps.Ngrok,
		logger:       deps.Logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router builds the HTTP routes
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.panicRecoveryMiddleware)
	r.Use(s.requestLoggingMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealthCheck)
	r.Get("/api/config", s.handleGetConfig)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/join/{code}", s.handleInviteInfo)
		r.Post("/join/{code}", s.handleJoinSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleCloseSession)

			r.Get("/playback", s.handleGetPlayback)
			r.Post("/playback", s.handlePlaybackCommand)

			r.Get("/playlist", s.handleGetPlaylist)
			r.Post("/playlist", s.handleAddPlaylistItem)
			r.Patch("/playlist/{trackID}", s.handleReorderPlaylistItem)
			r.Delete("/playlist/{trackID}", s.handleRemovePlaylistItem)

			r.Get("/requests", s.handleListRequests)
			r.Post("/requests", s.handleSubmitRequest)
			r.Post("/requests/{requestID}/approve", s.handleApproveRequest)
			r.Post("/requests/{requestID}/deny", s.handleDenyRequest)

			r.Get("/events", s.handleListEvents)
			r.Get("/audit", s.handleRequestAudit)
		})
	})

	r.Get("/ws/sessions/{sessionID}", s.handleWebSocket)

	return r
}

// Start listens on the configured address until Shutdown is called
func (s *Server) Start() error {
	localAddress := fmt.Sprintf("http://%s", s.config.GetAddress())

	s.httpServer = &http.Server{
		Addr:              s.config.GetAddress(),
		Handler:           s.Router(),
		ReadHeaderTimeout: time.Duration(s.config.Server.ReadTimeout) * time.Second,
	}

	s.logger.WithFields(logrus.Fields{
		"address": localAddress,
	}).Info("Tandem server starting")

	if s.ngrokService != nil {
		if err := s.ngrokService.StartTunnel(context.Background(), localAddress); err != nil {
			s.logger.WithError(err).Warn("Could not start ngrok tunnel")
		}
	}

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and closes every session
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	// hijacked WebSocket connections are not tracked by http.Server
	s.sessions.Shutdown()

	if stopErr := s.ngrokService.Stop(); stopErr != nil {
		s.logger.WithError(stopErr).Warn("Failed to stop ngrok tunnel")
	}

	s.logger.Info("Server shutdown complete")
	return err
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

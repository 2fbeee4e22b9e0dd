package api

import (
	"context"
	"net/http"
	"time"
)

// Server wraps the HTTP server around the wired handlers.
type Server struct {
	handler  http.Handler
	handlers *Handlers
	server   *http.Server
}

// NewServer creates the API server.
func NewServer(eng CampaignEngine, store Store, creds Credentials, directory Directory, corsOrigins []string, defaultDailyLimit int) *Server {
	handlers := NewHandlers(eng, store, creds, directory, defaultDailyLimit)
	router := SetupRoutes(handlers, corsOrigins)

	return &Server{
		handler:  router,
		handlers: handlers,
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// WriteTimeout stays long because the progress stream holds its
		// response open for the life of a campaign.
		ReadTimeout:       1 * time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}

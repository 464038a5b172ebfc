package api

import "github.com/go-chi/chi/v5"

// mountREST registers every non-WebSocket /api/v1 handler.
func (s *Server) mountREST(r chi.Router) {
	s.mountDatabases(r)
	s.mountMetrics(r)
	s.mountConfig(r)
	s.mountSystem(r)
}

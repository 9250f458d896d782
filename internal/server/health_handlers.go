package server

import (
	"net/http"
	"time"

	"tandem/internal/session"
)

// HealthStatus represents operational status for the /health endpoint.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Database  string                 `json:"database"`
	Sessions  session.Stats          `json:"sessions"`
	Tokens    int                    `json:"tokens"`
	PublicURL string                 `json:"public_url,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// handleHealthCheck returns basic liveness + dependency checks.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	health := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Database:  "ok",
		Sessions:  s.sessions.Stats(),
		Tokens:    s.tokens.Len(),
		PublicURL: s.ngrokService.GetPublicURL(),
		Details:   make(map[string]interface{}),
	}

	if err := s.db.Ping(r.Context()); err != nil {
		health.Status = "unhealthy"
		health.Database = "error"
		health.Details["database_error"] = err.Error()
	}

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, health)
}

package server

import (
	"net/http"

	"tandem/pkg/models"
)

// ConfigResponse represents the public configuration sent to clients
type ConfigResponse struct {
	Sync      models.SyncPolicy `json:"sync"`
	TokenTTL  string            `json:"token_ttl"`
	PublicURL string            `json:"public_url,omitempty"`
}

// handleGetConfig advertises the client sync policy. Clients use it to pace
// heartbeats and decide when to correct their local position.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, ConfigResponse{
		Sync:      s.sessions.Policy(),
		TokenTTL:  s.config.Auth.TokenTTL,
		PublicURL: s.ngrokService.GetPublicURL(),
	})
}

package server

import (
	"net/http"
	"strconv"

	"tandem/internal/coordinator"
	"tandem/internal/database"
	"tandem/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SessionGrant is returned when a participant creates or joins a session
type SessionGrant struct {
	Session   models.Session    `json:"session"`
	Identity  models.Identity   `json:"identity"`
	Token     string            `json:"token"`
	Policy    models.SyncPolicy `json:"policy"`
	PublicURL string            `json:"public_url,omitempty"`
	InviteURL string            `json:"invite_url,omitempty"`
}

// SessionView is the one-shot view of a session
type SessionView struct {
	Session  models.Session        `json:"session"`
	Identity models.Identity       `json:"identity"`
	Playback models.PlaybackView   `json:"playback"`
	Playlist []models.PlaylistItem `json:"playlist"`
	Policy   models.SyncPolicy     `json:"policy"`
}

// AuditView is a session's request audit trail: the latest state of every
// request and each status change in order
type AuditView struct {
	Requests []models.Request             `json:"requests"`
	History  []database.RequestTransition `json:"history"`
}

// handleCreateSession starts a session and returns the host's token
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HostName           string `json:"host_name"`
		MaxMediaDurationMs *int64 `json:"max_media_duration_ms,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}

	req.HostName = sanitizeInput(req.HostName)
	var problems []ValidationError
	if v := validateParticipantName("host_name", req.HostName); v != nil {
		problems = append(problems, *v)
	}
	if v := validateMaxDuration(req.MaxMediaDurationMs); v != nil {
		problems = append(problems, *v)
	}
	if len(problems) > 0 {
		s.respondWithValidationError(w, r, problems)
		return
	}

	hostID := uuid.NewString()
	sess, _, err := s.sessions.Create(hostID, req.HostName, req.MaxMediaDurationMs)
	if err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}

	grant, err := s.tokens.Issue(models.Identity{
		ID:        hostID,
		Name:      req.HostName,
		Role:      models.RoleHost,
		SessionID: sess.ID,
	})
	if err != nil {
		_ = s.sessions.Close(sess.ID, "token issue failed")
		s.respondWithError(w, r, http.StatusInternalServerError, "Failed to issue token", err)
		return
	}

	s.respondJSON(w, http.StatusCreated, SessionGrant{
		Session:   sess,
		Identity:  grant.Identity,
		Token:     grant.Token,
		Policy:    s.sessions.Policy(),
		PublicURL: s.ngrokService.GetPublicURL(),
		InviteURL: s.ngrokService.InviteURL(sess.Code),
	})
}

// InviteInfo describes a session to someone holding its invite link. It
// carries no token; joining is a POST to the same path.
type InviteInfo struct {
	Code               string `json:"code"`
	HostName           string `json:"host_name"`
	MaxMediaDurationMs *int64 `json:"max_media_duration_ms,omitempty"`
	Connected          int    `json:"connected"`
}

// handleInviteInfo resolves an invite link without joining
func (s *Server) handleInviteInfo(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if v := validateInviteCode(code); v != nil {
		s.respondWithValidationError(w, r, []ValidationError{*v})
		return
	}

	coord, err := s.sessions.GetByCode(code)
	if err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}
	sess := coord.Session()

	s.respondJSON(w, http.StatusOK, InviteInfo{
		Code:               sess.Code,
		HostName:           sess.HostName,
		MaxMediaDurationMs: sess.MaxMediaDurationMs,
		Connected:          coord.Subscribers(),
	})
}

// handleJoinSession admits a guest by invite code
func (s *Server) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if v := validateInviteCode(code); v != nil {
		s.respondWithValidationError(w, r, []ValidationError{*v})
		return
	}

	var req struct {
		GuestName string `json:"guest_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}
	req.GuestName = sanitizeInput(req.GuestName)
	if v := validateParticipantName("guest_name", req.GuestName); v != nil {
		s.respondWithValidationError(w, r, []ValidationError{*v})
		return
	}

	coord, err := s.sessions.GetByCode(code)
	if err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}
	sess := coord.Session()

	grant, err := s.tokens.Issue(models.Identity{
		ID:        uuid.NewString(),
		Name:      req.GuestName,
		Role:      models.RoleGuest,
		SessionID: sess.ID,
	})
	if err != nil {
		s.respondWithError(w, r, http.StatusInternalServerError, "Failed to issue token", err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"guest":      req.GuestName,
	}).Info("Guest joined session")

	s.respondJSON(w, http.StatusOK, SessionGrant{
		Session:  sess,
		Identity: grant.Identity,
		Token:    grant.Token,
		Policy:   s.sessions.Policy(),
	})
}

// handleGetSession returns the session with its playback and playlist
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	identity, coord, ok := s.member(w, r)
	if !ok {
		return
	}

	playback, err := coord.Snapshot(r.Context(), identity)
	if err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}
	playlist, err := coord.Playlist(r.Context(), identity)
	if err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, SessionView{
		Session:  coord.Session(),
		Identity: identity,
		Playback: playback,
		Playlist: playlist,
		Policy:   s.sessions.Policy(),
	})
}

// handleCloseSession lets the host end a session
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	identity, coord, ok := s.member(w, r)
	if !ok {
		return
	}
	sess := coord.Session()
	if !identity.IsHost() || identity.ID != sess.HostID {
		s.respondWithCommandError(w, r, models.Errorf(models.KindUnauthorized, "host privileges required"))
		return
	}

	if err := s.sessions.Close(sess.ID, "closed by host"); err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}
	s.logger.WithField("session_id", sess.ID).Info("Session closed by host")

	w.WriteHeader(http.StatusNoContent)
}

// handleListEvents pages through the persisted broadcast history
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	_, coord, ok := s.member(w, r)
	if !ok {
		return
	}

	after, limit, v := parsePage(r)
	if v != nil {
		s.respondWithValidationError(w, r, []ValidationError{*v})
		return
	}

	events, err := s.db.ListEvents(coord.Session().ID, after, limit)
	if err != nil {
		s.respondWithError(w, r, http.StatusInternalServerError, "Error retrieving events", err)
		return
	}
	if events == nil {
		events = []database.EventRecord{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// handleRequestAudit returns the persisted request audit trail to the host
func (s *Server) handleRequestAudit(w http.ResponseWriter, r *http.Request) {
	identity, coord, ok := s.member(w, r)
	if !ok {
		return
	}
	if !identity.IsHost() {
		s.respondWithCommandError(w, r, models.Errorf(models.KindUnauthorized, "host privileges required"))
		return
	}

	requests, err := s.db.ListRequests(coord.Session().ID)
	if err != nil {
		s.respondWithError(w, r, http.StatusInternalServerError, "Error retrieving audit log", err)
		return
	}
	history, err := s.db.ListRequestHistory(coord.Session().ID)
	if err != nil {
		s.respondWithError(w, r, http.StatusInternalServerError, "Error retrieving audit log", err)
		return
	}
	if requests == nil {
		requests = []models.Request{}
	}
	if history == nil {
		history = []database.RequestTransition{}
	}
	s.respondJSON(w, http.StatusOK, AuditView{Requests: requests, History: history})
}

// member resolves the caller's token and the session named in the path.
// It writes the error response itself when either is missing.
func (s *Server) member(w http.ResponseWriter, r *http.Request) (models.Identity, *coordinator.Coordinator, bool) {
	identity, err := s.tokens.FromRequest(r)
	if err != nil {
		s.respondWithCommandError(w, r, err)
		return models.Identity{}, nil, false
	}

	sessionID := chi.URLParam(r, "sessionID")
	if identity.SessionID != sessionID {
		s.respondWithCommandError(w, r, models.Errorf(models.KindUnauthorized, "token does not belong to session %s", sessionID))
		return models.Identity{}, nil, false
	}

	coord, err := s.sessions.Get(sessionID)
	if err != nil {
		s.respondWithCommandError(w, r, err)
		return models.Identity{}, nil, false
	}
	return identity, coord, true
}

// parsePage reads the after and limit query parameters
func parsePage(r *http.Request) (uint64, int, *ValidationError) {
	var after uint64
	limit := 100

	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, 0, &ValidationError{Field: "after", Message: "after must be a non-negative integer", Code: "INVALID_AFTER"}
		}
		after = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return 0, 0, &ValidationError{Field: "limit", Message: "limit must be between 1 and 1000", Code: "INVALID_LIMIT"}
		}
		limit = n
	}
	return after, limit, nil
}

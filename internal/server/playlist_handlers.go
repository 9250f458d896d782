package server

import (
	"net/http"

	"tandem/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
)

// handleGetPlaylist returns the ordered playlist
func (s *Server) handleGetPlaylist(w http.ResponseWriter, r *http.Request) {
	identity, coord, ok := s.member(w, r)
	if !ok {
		return
	}

	items, err := coord.Playlist(r.Context(), identity)
	if err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, models.PlaylistPayload{Playlist: items})
}

// handleAddPlaylistItem appends a track on the host's behalf
func (s *Server) handleAddPlaylistItem(w http.ResponseWriter, r *http.Request) {
	var payload models.RequestPayload
	if err := decodeJSON(r, &payload); err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}
	s.editPlaylist(w, r, http.StatusCreated, models.ChangeRequest{RequestType: models.RequestAdd, Payload: payload})
}

// handleReorderPlaylistItem moves a track to a new index
func (s *Server) handleReorderPlaylistItem(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewIndex *int `json:"new_index"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}
	s.editPlaylist(w, r, http.StatusOK, models.ChangeRequest{
		RequestType: models.RequestReorder,
		Payload:     models.RequestPayload{TrackID: chi.URLParam(r, "trackID"), NewIndex: body.NewIndex},
	})
}

// handleRemovePlaylistItem removes a track
func (s *Server) handleRemovePlaylistItem(w http.ResponseWriter, r *http.Request) {
	s.editPlaylist(w, r, http.StatusOK, models.ChangeRequest{
		RequestType: models.RequestRemove,
		Payload:     models.RequestPayload{TrackID: chi.URLParam(r, "trackID")},
	})
}

func (s *Server) editPlaylist(w http.ResponseWriter, r *http.Request, status int, edit models.ChangeRequest) {
	identity, coord, ok := s.member(w, r)
	if !ok {
		return
	}

	items, err := coord.EditPlaylist(r.Context(), identity, edit)
	if err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}
	s.respondJSON(w, status, models.PlaylistPayload{Playlist: items})
}

// handleListRequests returns every request retained for the session
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	identity, coord, ok := s.member(w, r)
	if !ok {
		return
	}

	requests, err := coord.Requests(r.Context(), identity)
	if err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}

	if status := models.RequestStatus(r.URL.Query().Get("status")); status != "" {
		requests = lo.Filter(requests, func(req models.Request, _ int) bool {
			return req.Status == status
		})
	}
	s.respondJSON(w, http.StatusOK, models.RequestsPayload{Requests: requests})
}

// handleSubmitRequest queues a playlist change proposal
func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	identity, coord, ok := s.member(w, r)
	if !ok {
		return
	}

	var change models.ChangeRequest
	if err := decodeJSON(r, &change); err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}

	req, err := coord.RequestChange(r.Context(), identity, change)
	if err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, req)
}

// handleApproveRequest approves a pending request
func (s *Server) handleApproveRequest(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, models.DecisionApproved)
}

// handleDenyRequest denies a pending request
func (s *Server) handleDenyRequest(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, models.DecisionDenied)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, decision models.Decision) {
	identity, coord, ok := s.member(w, r)
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}

	req, err := coord.Decide(r.Context(), identity, models.DecideCommand{
		RequestID: chi.URLParam(r, "requestID"),
		Decision:  decision,
		Reason:    sanitizeInput(body.Reason),
	})
	if err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, req)
}

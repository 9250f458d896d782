package server

import (
	"net/http"

	"tandem/pkg/models"
)

// handleGetPlayback returns the playback snapshot projected to now
func (s *Server) handleGetPlayback(w http.ResponseWriter, r *http.Request) {
	identity, coord, ok := s.member(w, r)
	if !ok {
		return
	}

	view, err := coord.Snapshot(r.Context(), identity)
	if err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, view)
}

// handlePlaybackCommand applies a host playback command
func (s *Server) handlePlaybackCommand(w http.ResponseWriter, r *http.Request) {
	identity, coord, ok := s.member(w, r)
	if !ok {
		return
	}

	var cmd models.PlaybackCommand
	if err := decodeJSON(r, &cmd); err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}

	view, err := coord.Playback(r.Context(), identity, cmd)
	if err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, view)
}

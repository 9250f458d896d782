package models

// EventType tags an outbound message
type EventType string

const (
	EventPlaybackState    EventType = "playback_state"
	EventPlaylistUpdate   EventType = "playlist_update"
	EventRequestUpdate    EventType = "request_update"
	EventRequestsSnapshot EventType = "requests_snapshot"
	EventSyncReport       EventType = "sync_report"
	EventError            EventType = "error"
)

// Event is one outbound message. Seq is the session-wide broadcast sequence
// number; snapshots delivered to a single subscriber carry the latest Seq.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Payload   any       `json:"payload"`
}

// PlaylistPayload carries the full ordered playlist
type PlaylistPayload struct {
	Playlist []PlaylistItem `json:"playlist"`
}

// RequestsPayload carries every request retained for a session
type RequestsPayload struct {
	Requests []Request `json:"requests"`
}

// ErrorPayload reports a rejected command to its issuer
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

package models

import "time"

// PlaybackState is the coarse state of a session's player
type PlaybackState string

const (
	StatePlaying PlaybackState = "playing"
	StatePaused  PlaybackState = "paused"
	StateStopped PlaybackState = "stopped"
)

// PlaybackView is the wire form of a playback snapshot
type PlaybackView struct {
	TrackID    *string       `json:"track_id"`
	PositionMs int64         `json:"position_ms"`
	State      PlaybackState `json:"state"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// PlaylistItem is one track in a session's play order
type PlaylistItem struct {
	TrackID    string    `json:"track_id"`
	Name       string    `json:"name"`
	DurationMs *int64    `json:"duration_ms,omitempty"`
	MediaRef   string    `json:"media_ref,omitempty"`
	Position   int       `json:"position"`
	AddedAt    time.Time `json:"added_at"`
}

// RequestType is the kind of playlist mutation a request proposes
type RequestType string

const (
	RequestAdd     RequestType = "add"
	RequestReorder RequestType = "reorder"
	RequestRemove  RequestType = "remove"
)

// RequestStatus tracks a pending request through its decision
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusDenied   RequestStatus = "denied"
)

// Decision is the host's verdict on a request
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

// RequestPayload describes the target mutation. Which fields are required
// depends on the request type.
type RequestPayload struct {
	TrackID    string `json:"track_id,omitempty"`
	Name       string `json:"name,omitempty"`
	DurationMs *int64 `json:"duration_ms,omitempty"`
	MediaRef   string `json:"media_ref,omitempty"`
	NewIndex   *int   `json:"new_index,omitempty"`
}

// Request is a proposed playlist mutation awaiting (or past) a host decision
type Request struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	RequesterID string         `json:"requester_id"`
	Requester   string         `json:"requester"`
	Type        RequestType    `json:"request_type"`
	Payload     RequestPayload `json:"payload"`
	Status      RequestStatus  `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
}

package models

// PlaybackAction names a host playback control
type PlaybackAction string

const (
	ActionPlay     PlaybackAction = "play"
	ActionPause    PlaybackAction = "pause"
	ActionSeek     PlaybackAction = "seek"
	ActionSkipNext PlaybackAction = "skip_next"
	ActionSkipPrev PlaybackAction = "skip_prev"
)

// PlaybackCommand is the payload of a playback_command message
type PlaybackCommand struct {
	Action     PlaybackAction `json:"action"`
	TrackID    *string        `json:"track_id,omitempty"`
	PositionMs *int64         `json:"position_ms,omitempty"`
}

// ChangeRequest is the payload of a request_playlist_change message
type ChangeRequest struct {
	RequestType RequestType    `json:"request_type"`
	Payload     RequestPayload `json:"payload"`
}

// DecideCommand is the payload of a decide_request message
type DecideCommand struct {
	RequestID string   `json:"request_id"`
	Decision  Decision `json:"decision"`
	Reason    string   `json:"reason,omitempty"`
}

// Heartbeat reports the client's local playback position
type Heartbeat struct {
	TrackID    *string `json:"track_id,omitempty"`
	PositionMs int64   `json:"position_ms"`
}

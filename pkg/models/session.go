package models

import "time"

// Role is the authority an identity holds inside a session
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Identity is an already-authenticated participant of one session
type Identity struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      Role   `json:"role"`
	SessionID string `json:"session_id"`
}

// IsHost reports whether the identity holds host authority
func (i Identity) IsHost() bool {
	return i.Role == RoleHost
}

// Session describes one shared playback context
type Session struct {
	ID                 string    `json:"session_id"`
	Code               string    `json:"code"`
	HostID             string    `json:"host_id"`
	HostName           string    `json:"host_name"`
	MaxMediaDurationMs *int64    `json:"max_media_duration_ms,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// SyncPolicy is the client-side drift correction tuning advertised to clients.
// The coordinator only uses it to label heartbeat diagnostics.
type SyncPolicy struct {
	DriftThresholdMs int64 `json:"drift_threshold_ms"`
	ResyncIntervalMs int64 `json:"resync_interval_ms"`
}

// DriftReport answers a client heartbeat. It is delivered to the issuer only.
type DriftReport struct {
	TrackID          *string `json:"track_id"`
	ClientPositionMs int64   `json:"client_position_ms"`
	ServerPositionMs int64   `json:"server_position_ms"`
	DriftMs          int64   `json:"drift_ms"`
	ThresholdMs      int64   `json:"threshold_ms"`
	Resync           bool    `json:"resync"`
}

package player

import (
	"time"

	"tandem/pkg/models"
)

// Snapshot is the stored playback state of a session. PositionMs is only
// meaningful relative to ChangedAt; read the current position through
// EffectivePosition when the state is playing.
type Snapshot struct {
	TrackID    string // empty when no track is selected
	DurationMs int64  // 0 when unknown
	PositionMs int64
	State      models.PlaybackState
	ChangedAt  time.Time
}

// NewSnapshot returns the initial stopped snapshot
func NewSnapshot(now time.Time) Snapshot {
	return Snapshot{State: models.StateStopped, ChangedAt: now}
}

// HasTrack reports whether a track is selected
func (s Snapshot) HasTrack() bool {
	return s.TrackID != ""
}

// EffectivePosition projects the snapshot forward to now. It has no side
// effects: playing snapshots advance by the elapsed time and are clamped to
// [0, duration] when the duration is known, anything else is returned as is.
func EffectivePosition(s Snapshot, now time.Time) int64 {
	pos := s.PositionMs
	if s.State == models.StatePlaying {
		if elapsed := now.Sub(s.ChangedAt); elapsed > 0 {
			pos += elapsed.Milliseconds()
		}
	}
	return clampPosition(pos, s.DurationMs)
}

// At re-bases the snapshot on now without changing what it describes
func (s Snapshot) At(now time.Time) Snapshot {
	s.PositionMs = EffectivePosition(s, now)
	s.ChangedAt = now
	return s
}

// View renders the snapshot for the wire. Call it on a snapshot re-based
// with At so that position and timestamp agree.
func (s Snapshot) View() models.PlaybackView {
	view := models.PlaybackView{
		PositionMs: s.PositionMs,
		State:      s.State,
		// UTC drops the monotonic reading; it is display only from here on
		UpdatedAt: s.ChangedAt.UTC(),
	}
	if s.HasTrack() {
		id := s.TrackID
		view.TrackID = &id
	}
	return view
}

func clampPosition(pos, durationMs int64) int64 {
	if pos < 0 {
		return 0
	}
	if durationMs > 0 && pos > durationMs {
		return durationMs
	}
	return pos
}

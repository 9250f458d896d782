package player

import (
	"testing"
	"time"

	"tandem/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

func TestEffectivePosition(t *testing.T) {
	tests := []struct {
		name    string
		snap    Snapshot
		elapsed time.Duration
		want    int64
	}{
		{
			name:    "playing advances with elapsed time",
			snap:    Snapshot{TrackID: "a", DurationMs: 180_000, PositionMs: 1_000, State: models.StatePlaying, ChangedAt: epoch},
			elapsed: 3 * time.Second,
			want:    4_000,
		},
		{
			name:    "paused holds position",
			snap:    Snapshot{TrackID: "a", DurationMs: 180_000, PositionMs: 1_000, State: models.StatePaused, ChangedAt: epoch},
			elapsed: time.Minute,
			want:    1_000,
		},
		{
			name:    "clamped to duration",
			snap:    Snapshot{TrackID: "a", DurationMs: 5_000, PositionMs: 4_000, State: models.StatePlaying, ChangedAt: epoch},
			elapsed: 10 * time.Second,
			want:    5_000,
		},
		{
			name:    "unknown duration is not clamped",
			snap:    Snapshot{TrackID: "a", PositionMs: 4_000, State: models.StatePlaying, ChangedAt: epoch},
			elapsed: 10 * time.Second,
			want:    14_000,
		},
		{
			name:    "clock behind the snapshot never regresses",
			snap:    Snapshot{TrackID: "a", DurationMs: 180_000, PositionMs: 2_000, State: models.StatePlaying, ChangedAt: epoch},
			elapsed: -time.Second,
			want:    2_000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EffectivePosition(tt.snap, epoch.Add(tt.elapsed)))
		})
	}
}

func TestEffectivePositionHasNoSideEffects(t *testing.T) {
	snap := Snapshot{TrackID: "a", DurationMs: 180_000, PositionMs: 500, State: models.StatePlaying, ChangedAt: epoch}

	EffectivePosition(snap, epoch.Add(time.Second))

	assert.Equal(t, int64(500), snap.PositionMs)
	assert.Equal(t, epoch, snap.ChangedAt)
}

func TestAtRebasesSnapshot(t *testing.T) {
	clock := NewManualClock(epoch)
	snap := Snapshot{TrackID: "a", DurationMs: 180_000, State: models.StatePlaying, ChangedAt: clock.Now()}

	clock.Advance(1500 * time.Millisecond)
	rebased := snap.At(clock.Now())

	assert.Equal(t, int64(1500), rebased.PositionMs)
	assert.Equal(t, clock.Now(), rebased.ChangedAt)
	assert.Equal(t, EffectivePosition(snap, clock.Now().Add(time.Second)), EffectivePosition(rebased, clock.Now().Add(time.Second)))
}

func TestView(t *testing.T) {
	stopped := NewSnapshot(epoch).View()
	assert.Nil(t, stopped.TrackID)
	assert.Equal(t, models.StateStopped, stopped.State)

	local := epoch.In(time.FixedZone("CET", 3600))
	view := Snapshot{TrackID: "a", PositionMs: 42, State: models.StatePaused, ChangedAt: local}.View()
	require.NotNil(t, view.TrackID)
	assert.Equal(t, "a", *view.TrackID)
	assert.Equal(t, int64(42), view.PositionMs)
	assert.Equal(t, time.UTC, view.UpdatedAt.Location())
}

package database

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tandem/pkg/models"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	db, err := NewDatabase(filepath.Join(t.TempDir(), "tandem.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testSession(id string) models.Session {
	return models.Session{
		ID:                 id,
		Code:               "ABC123",
		HostID:             "h1",
		HostName:           "Host",
		MaxMediaDurationMs: lo.ToPtr(int64(300_000)),
		CreatedAt:          time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC),
	}
}

func TestSessionLifecycle(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.SaveSession(testSession("s1")))

	rec, err := db.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", rec.Code)
	assert.Equal(t, int64(300_000), *rec.MaxMediaDurationMs)
	assert.Nil(t, rec.ClosedAt)

	require.NoError(t, db.MarkSessionClosed("s1", "idle", time.Now()))
	rec, err = db.GetSession("s1")
	require.NoError(t, err)
	require.NotNil(t, rec.ClosedAt)
	assert.Equal(t, "idle", rec.CloseReason)

	_, err = db.GetSession("missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestEventsArePagedBySequence(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.SaveSession(testSession("s1")))

	for seq := uint64(1); seq <= 5; seq++ {
		ev := models.Event{
			Type:      models.EventPlaybackState,
			SessionID: "s1",
			Seq:       seq,
			Payload:   models.PlaybackView{PositionMs: int64(seq) * 1000, State: models.StatePlaying},
		}
		require.NoError(t, db.AppendEvent(ev, time.Now()))
	}

	events, err := db.ListEvents("s1", 2, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, uint64(4), events[1].Seq)

	var view models.PlaybackView
	require.NoError(t, json.Unmarshal(events[0].Payload, &view))
	assert.Equal(t, int64(3000), view.PositionMs)
}

func TestRequestAuditKeepsLatestStatus(t *testing.T) {
	db := newTestDatabase(t)
	require.NoError(t, db.SaveSession(testSession("s1")))

	req := models.Request{
		ID:          "r1",
		SessionID:   "s1",
		RequesterID: "g1",
		Requester:   "Guest",
		Type:        models.RequestAdd,
		Payload:     models.RequestPayload{TrackID: "a", Name: "A", DurationMs: lo.ToPtr(int64(1000))},
		Status:      models.StatusPending,
		CreatedAt:   time.Date(2024, 3, 1, 20, 1, 0, 0, time.UTC),
	}
	require.NoError(t, db.UpsertRequest(req))

	decided := time.Date(2024, 3, 1, 20, 2, 0, 0, time.UTC)
	req.Status = models.StatusDenied
	req.Reason = "not tonight"
	req.DecidedAt = &decided
	require.NoError(t, db.UpsertRequest(req))

	requests, err := db.ListRequests("s1")
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, models.StatusDenied, requests[0].Status)
	assert.Equal(t, "not tonight", requests[0].Reason)
	assert.Equal(t, "a", requests[0].Payload.TrackID)
	require.NotNil(t, requests[0].DecidedAt)
	assert.True(t, decided.Equal(*requests[0].DecidedAt))

	// every transition is kept
	history, err := db.ListRequestHistory("s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.StatusPending, history[0].Status)
	assert.True(t, req.CreatedAt.Equal(history[0].At))
	assert.Equal(t, models.StatusDenied, history[1].Status)
	assert.Equal(t, "not tonight", history[1].Reason)
	assert.True(t, decided.Equal(history[1].At))
}

func TestJournalWritesInOrder(t *testing.T) {
	db := newTestDatabase(t)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	journal := NewJournal(db, 64, logger)

	journal.SessionOpened(testSession("s1"))
	pending := models.Request{
		ID: "r1", SessionID: "s1", RequesterID: "g1", Type: models.RequestRemove,
		Payload: models.RequestPayload{TrackID: "a"}, Status: models.StatusPending, CreatedAt: time.Now(),
	}
	journal.Record(models.Event{Type: models.EventRequestUpdate, SessionID: "s1", Seq: 1, Payload: pending})
	journal.Record(models.Event{Type: models.EventPlaylistUpdate, SessionID: "s1", Seq: 2, Payload: models.PlaylistPayload{}})
	journal.SessionClosed("s1", "closed by host")
	journal.Close()

	// records after close are ignored
	journal.Record(models.Event{Type: models.EventPlaylistUpdate, SessionID: "s1", Seq: 3})

	events, err := db.ListEvents("s1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, lo.Map(events, func(ev EventRecord, _ int) uint64 { return ev.Seq }))

	requests, err := db.ListRequests("s1")
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, models.StatusPending, requests[0].Status)

	rec, err := db.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "closed by host", rec.CloseReason)
	assert.Equal(t, uint64(0), journal.Dropped())
}

func TestPing(t *testing.T) {
	db := newTestDatabase(t)
	assert.NoError(t, db.Ping(context.Background()))
}

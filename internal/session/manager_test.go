package session

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"tandem/pkg/models"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingJournal struct {
	mu     sync.Mutex
	opened []string
	closed map[string]string
}

func (j *recordingJournal) SessionOpened(s models.Session) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.opened = append(j.opened, s.ID)
}

func (j *recordingJournal) SessionClosed(sessionID, reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed == nil {
		j.closed = make(map[string]string)
	}
	j.closed[sessionID] = reason
}

func (j *recordingJournal) closeReason(sessionID string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	reason, ok := j.closed[sessionID]
	return reason, ok
}

func newManager(t *testing.T, opts Options) (*Manager, *recordingJournal) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	journal := &recordingJournal{}
	opts.Logger = logger
	opts.Journal = journal

	m := NewManager(opts)
	t.Cleanup(m.Shutdown)
	return m, journal
}

func TestCreateAndLookup(t *testing.T) {
	m, journal := newManager(t, Options{})

	sess, coord, err := m.Create("h1", "  Host  ", lo.ToPtr(int64(300_000)))
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^[0-9A-F]{6}$`), sess.Code)
	assert.Equal(t, "Host", sess.HostName)
	assert.Equal(t, "h1", sess.HostID)
	assert.Equal(t, int64(300_000), *sess.MaxMediaDurationMs)
	assert.Equal(t, []string{sess.ID}, journal.opened)

	byID, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Same(t, coord, byID)

	byCode, err := m.GetByCode(strings.ToLower(sess.Code))
	require.NoError(t, err)
	assert.Same(t, coord, byCode)

	assert.Len(t, m.List(), 1)
	assert.Equal(t, Stats{Sessions: 1}, m.Stats())
}

func TestCreateValidatesInput(t *testing.T) {
	m, _ := newManager(t, Options{})

	_, _, err := m.Create("h1", " ", nil)
	assert.True(t, errors.Is(err, models.ErrMalformedCommand))

	_, _, err = m.Create("h1", "Host", lo.ToPtr(int64(0)))
	assert.True(t, errors.Is(err, models.ErrMalformedCommand))
}

func TestSessionsAreIsolated(t *testing.T) {
	m, _ := newManager(t, Options{})
	ctx := context.Background()

	s1, c1, err := m.Create("h1", "One", nil)
	require.NoError(t, err)
	s2, c2, err := m.Create("h2", "Two", nil)
	require.NoError(t, err)
	assert.NotEqual(t, s1.Code, s2.Code)

	guest := models.Identity{ID: "g1", Role: models.RoleGuest, SessionID: s1.ID}
	_, err = c1.RequestChange(ctx, guest, models.ChangeRequest{
		RequestType: models.RequestAdd,
		Payload:     models.RequestPayload{TrackID: "a", Name: "A"},
	})
	require.NoError(t, err)

	_, err = c2.RequestChange(ctx, guest, models.ChangeRequest{
		RequestType: models.RequestAdd,
		Payload:     models.RequestPayload{TrackID: "a", Name: "A"},
	})
	assert.True(t, errors.Is(err, models.ErrUnauthorized))

	host2 := models.Identity{ID: "h2", Role: models.RoleHost, SessionID: s2.ID}
	requests, err := c2.Requests(ctx, host2)
	require.NoError(t, err)
	assert.Empty(t, requests)
}

func TestCloseRemovesSession(t *testing.T) {
	m, journal := newManager(t, Options{})
	sess, coord, err := m.Create("h1", "Host", nil)
	require.NoError(t, err)

	require.NoError(t, m.Close(sess.ID, "closed by host"))

	<-coord.Done()
	_, err = m.Get(sess.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	_, err = m.GetByCode(sess.Code)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	reason, ok := journal.closeReason(sess.ID)
	assert.True(t, ok)
	assert.Equal(t, "closed by host", reason)

	err = m.Close(sess.ID, "again")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestIdleSessionsExpire(t *testing.T) {
	m, journal := newManager(t, Options{
		IdleTimeout:       20 * time.Millisecond,
		IdleCheckInterval: 5 * time.Millisecond,
	})
	sess, _, err := m.Create("h1", "Host", nil)
	require.NoError(t, err)

	// the registry entry goes before the close hooks run
	require.Eventually(t, func() bool {
		reason, ok := journal.closeReason(sess.ID)
		return ok && reason == "idle"
	}, time.Second, 5*time.Millisecond)

	_, err = m.Get(sess.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestPolicyReachesCoordinators(t *testing.T) {
	m, _ := newManager(t, Options{})
	sess, coord, err := m.Create("h1", "Host", nil)
	require.NoError(t, err)

	m.SetPolicy(models.SyncPolicy{DriftThresholdMs: 1000, ResyncIntervalMs: 2000})
	assert.Equal(t, int64(1000), m.Policy().DriftThresholdMs)

	guest := models.Identity{ID: "g1", Role: models.RoleGuest, SessionID: sess.ID}
	report, err := coord.Heartbeat(context.Background(), guest, models.Heartbeat{PositionMs: 500})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), report.ThresholdMs)
	assert.False(t, report.Resync)
}

func TestShutdownClosesEverything(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := NewManager(Options{Logger: logger})

	for i := 0; i < 3; i++ {
		_, _, err := m.Create("h", "Host", nil)
		require.NoError(t, err)
	}

	m.Shutdown()

	assert.Empty(t, m.List())
	_, _, err := m.Create("h", "Host", nil)
	assert.Error(t, err)
}

type closeRecorder struct {
	mu      sync.Mutex
	reasons map[string]string
}

func (r *closeRecorder) hook(sessionID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reasons == nil {
		r.reasons = make(map[string]string)
	}
	r.reasons[sessionID] = reason
}

func (r *closeRecorder) reason(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reasons[sessionID]
}

func TestCloseHookRunsOnIdleExpiry(t *testing.T) {
	closes := &closeRecorder{}
	m, _ := newManager(t, Options{
		IdleTimeout:       20 * time.Millisecond,
		IdleCheckInterval: 5 * time.Millisecond,
		OnClose:           closes.hook,
	})

	sess, _, err := m.Create("h1", "Host", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return closes.reason(sess.ID) == "idle" }, time.Second, 5*time.Millisecond)
}

func TestCloseHookRunsOnCloseAndShutdown(t *testing.T) {
	closes := &closeRecorder{}
	m, _ := newManager(t, Options{OnClose: closes.hook})

	closed, _, err := m.Create("h1", "Host", nil)
	require.NoError(t, err)
	require.NoError(t, m.Close(closed.ID, "closed by host"))
	assert.Equal(t, "closed by host", closes.reason(closed.ID))

	open, _, err := m.Create("h2", "Host", nil)
	require.NoError(t, err)
	m.Shutdown()
	assert.Equal(t, "shutdown", closes.reason(open.ID))
}

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tandem/internal/auth"
	"tandem/internal/config"
	"tandem/internal/coordinator"
	"tandem/internal/database"
	"tandem/internal/fanout"
	"tandem/internal/session"
	"tandem/pkg/models"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server *httptest.Server
	db     *database.Database
}

// wireEvent is an outbound event as a client sees it
type wireEvent struct {
	Type      models.EventType `json:"type"`
	SessionID string           `json:"session_id"`
	Seq       uint64           `json:"seq"`
	Payload   json.RawMessage  `json:"payload"`
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := config.DefaultConfig()
	cfg.Logging.RequestLogging = false

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "tandem.db"), logger)
	require.NoError(t, err)
	journal := database.NewJournal(db, 256, logger)

	tokens := auth.NewTokenStore(time.Hour, logger)
	sessions := session.NewManager(session.Options{
		Coordinator: coordinator.Options{
			Fanout: fanout.Options{QueueSize: 64, SendTimeout: time.Second},
			Sink:   journal,
		},
		Journal: journal,
		Logger:  logger,
		OnClose: func(sessionID, _ string) { tokens.RevokeSession(sessionID) },
	})

	srv := NewServer(Deps{
		Config:   cfg,
		Sessions: sessions,
		Tokens:   tokens,
		Database: db,
		Logger:   logger,
	})
	ts := httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		ts.Close()
		sessions.Shutdown()
		tokens.Stop()
		journal.Close()
		db.Close()
	})
	return &testEnv{server: ts, db: db}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(auth.HeaderName, token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) createSession(t *testing.T, maxDuration *int64) SessionGrant {
	t.Helper()
	var host SessionGrant
	status := e.do(t, "POST", "/api/sessions", "", map[string]interface{}{
		"host_name":             "Host",
		"max_media_duration_ms": maxDuration,
	}, &host)
	require.Equal(t, http.StatusCreated, status)
	return host
}

func (e *testEnv) join(t *testing.T, code, name string) SessionGrant {
	t.Helper()
	var guest SessionGrant
	status := e.do(t, "POST", "/api/sessions/join/"+code, "", map[string]string{"guest_name": name}, &guest)
	require.Equal(t, http.StatusOK, status)
	return guest
}

func addRequest(trackID string, durationMs int64) models.ChangeRequest {
	return models.ChangeRequest{
		RequestType: models.RequestAdd,
		Payload:     models.RequestPayload{TrackID: trackID, Name: "Track " + trackID, DurationMs: lo.ToPtr(durationMs)},
	}
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)

	var health HealthStatus
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/health", "", nil, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "ok", health.Database)
}

func TestCreateJoinRequestApprove(t *testing.T) {
	env := newTestEnv(t)

	host := env.createSession(t, lo.ToPtr(int64(600_000)))
	assert.Equal(t, models.RoleHost, host.Identity.Role)
	assert.NotEmpty(t, host.Token)
	assert.Equal(t, int64(200), host.Policy.DriftThresholdMs)

	guest := env.join(t, host.Session.Code, "Guest")
	assert.Equal(t, models.RoleGuest, guest.Identity.Role)
	assert.Equal(t, host.Session.ID, guest.Session.ID)

	base := "/api/sessions/" + host.Session.ID

	var pending models.Request
	require.Equal(t, http.StatusCreated, env.do(t, "POST", base+"/requests", guest.Token, addRequest("a", 180_000), &pending))
	assert.Equal(t, models.StatusPending, pending.Status)
	assert.Equal(t, "Guest", pending.Requester)

	// only the host decides
	assert.Equal(t, http.StatusForbidden, env.do(t, "POST", base+"/requests/"+pending.ID+"/approve", guest.Token, nil, nil))

	var approved models.Request
	require.Equal(t, http.StatusOK, env.do(t, "POST", base+"/requests/"+pending.ID+"/approve", host.Token, nil, &approved))
	assert.Equal(t, models.StatusApproved, approved.Status)
	assert.Equal(t, http.StatusConflict, env.do(t, "POST", base+"/requests/"+pending.ID+"/deny", host.Token, nil, nil))

	var playlist models.PlaylistPayload
	require.Equal(t, http.StatusOK, env.do(t, "GET", base+"/playlist", guest.Token, nil, &playlist))
	require.Len(t, playlist.Playlist, 1)
	assert.Equal(t, "a", playlist.Playlist[0].TrackID)

	var requests models.RequestsPayload
	require.Equal(t, http.StatusOK, env.do(t, "GET", base+"/requests?status=pending", guest.Token, nil, &requests))
	assert.Empty(t, requests.Requests)

	// the journal is written asynchronously
	require.Eventually(t, func() bool {
		var audit AuditView
		if env.do(t, "GET", base+"/audit", host.Token, nil, &audit) != http.StatusOK {
			return false
		}
		return len(audit.Requests) == 1 && audit.Requests[0].Status == models.StatusApproved &&
			len(audit.History) == 2 && audit.History[0].Status == models.StatusPending
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, http.StatusForbidden, env.do(t, "GET", base+"/audit", guest.Token, nil, nil))
}

func TestRequestOverLimitIsRejectedOnApproval(t *testing.T) {
	env := newTestEnv(t)
	host := env.createSession(t, lo.ToPtr(int64(60_000)))
	base := "/api/sessions/" + host.Session.ID

	var req models.Request
	require.Equal(t, http.StatusCreated, env.do(t, "POST", base+"/requests", host.Token, addRequest("long", 90_000), &req))
	assert.Equal(t, http.StatusUnprocessableEntity, env.do(t, "POST", base+"/requests/"+req.ID+"/approve", host.Token, nil, nil))

	var denied models.Request
	require.Equal(t, http.StatusOK, env.do(t, "POST", base+"/requests/"+req.ID+"/deny", host.Token, map[string]string{"reason": "too long"}, &denied))
	assert.Equal(t, models.StatusDenied, denied.Status)
	assert.Equal(t, "too long", denied.Reason)
}

func TestPlaybackIsHostOnly(t *testing.T) {
	env := newTestEnv(t)
	host := env.createSession(t, nil)
	guest := env.join(t, host.Session.Code, "Guest")
	base := "/api/sessions/" + host.Session.ID

	var req models.Request
	require.Equal(t, http.StatusCreated, env.do(t, "POST", base+"/requests", guest.Token, addRequest("a", 120_000), &req))
	require.Equal(t, http.StatusOK, env.do(t, "POST", base+"/requests/"+req.ID+"/approve", host.Token, nil, nil))

	play := models.PlaybackCommand{Action: models.ActionPlay, TrackID: lo.ToPtr("a")}
	assert.Equal(t, http.StatusForbidden, env.do(t, "POST", base+"/playback", guest.Token, play, nil))

	var view models.PlaybackView
	require.Equal(t, http.StatusOK, env.do(t, "POST", base+"/playback", host.Token, play, &view))
	assert.Equal(t, models.StatePlaying, view.State)
	assert.Equal(t, "a", *view.TrackID)

	var seen models.PlaybackView
	require.Equal(t, http.StatusOK, env.do(t, "GET", base+"/playback", guest.Token, nil, &seen))
	assert.Equal(t, models.StatePlaying, seen.State)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", base+"/playback", host.Token, map[string]string{"action": "rewind"}, nil))
}

func TestTokensAreScopedToTheirSession(t *testing.T) {
	env := newTestEnv(t)
	first := env.createSession(t, nil)
	second := env.createSession(t, nil)

	assert.Equal(t, http.StatusForbidden, env.do(t, "GET", "/api/sessions/"+second.Session.ID, first.Token, nil, nil))
	assert.Equal(t, http.StatusForbidden, env.do(t, "GET", "/api/sessions/"+first.Session.ID, "", nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/api/sessions/join/ABCDEF", "", map[string]string{"guest_name": "Lost"}, nil))
}

func TestCloseSession(t *testing.T) {
	env := newTestEnv(t)
	host := env.createSession(t, nil)
	guest := env.join(t, host.Session.Code, "Guest")
	base := "/api/sessions/" + host.Session.ID

	assert.Equal(t, http.StatusForbidden, env.do(t, "DELETE", base, guest.Token, nil, nil))
	assert.Equal(t, http.StatusNoContent, env.do(t, "DELETE", base, host.Token, nil, nil))

	// tokens are revoked with the session
	assert.Equal(t, http.StatusForbidden, env.do(t, "GET", base, guest.Token, nil, nil))
}

func dial(t *testing.T, env *testEnv, sessionID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/sessions/" + sessionID + "?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev wireEvent
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func TestWebSocketSession(t *testing.T) {
	env := newTestEnv(t)
	host := env.createSession(t, nil)
	guest := env.join(t, host.Session.Code, "Guest")
	base := "/api/sessions/" + host.Session.ID

	ws := dial(t, env, host.Session.ID, guest.Token)

	initial := []wireEvent{readEvent(t, ws), readEvent(t, ws), readEvent(t, ws)}
	assert.Equal(t, []models.EventType{
		models.EventPlaybackState,
		models.EventPlaylistUpdate,
		models.EventRequestsSnapshot,
	}, lo.Map(initial, func(ev wireEvent, _ int) models.EventType { return ev.Type }))

	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type":    "heartbeat",
		"payload": models.Heartbeat{PositionMs: 5000},
	}))
	report := readEvent(t, ws)
	require.Equal(t, models.EventSyncReport, report.Type)
	var drift models.DriftReport
	require.NoError(t, json.Unmarshal(report.Payload, &drift))
	assert.Equal(t, int64(5000), drift.DriftMs)
	assert.True(t, drift.Resync)

	// guests may propose over the socket
	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type":    "request_playlist_change",
		"payload": addRequest("a", 120_000),
	}))
	submitted := readEvent(t, ws)
	require.Equal(t, models.EventRequestUpdate, submitted.Type)
	var req models.Request
	require.NoError(t, json.Unmarshal(submitted.Payload, &req))

	require.Equal(t, http.StatusOK, env.do(t, "POST", base+"/requests/"+req.ID+"/approve", host.Token, nil, nil))
	approval := []wireEvent{readEvent(t, ws), readEvent(t, ws)}
	assert.Equal(t, models.EventPlaylistUpdate, approval[0].Type)
	assert.Equal(t, models.EventRequestUpdate, approval[1].Type)
	assert.Equal(t, approval[0].Seq+1, approval[1].Seq)

	// but not control playback
	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type":    "playback_command",
		"payload": models.PlaybackCommand{Action: models.ActionPlay},
	}))
	rejected := readEvent(t, ws)
	require.Equal(t, models.EventError, rejected.Type)
	var problem models.ErrorPayload
	require.NoError(t, json.Unmarshal(rejected.Payload, &problem))
	assert.Equal(t, models.KindUnauthorized, problem.Kind)

	require.Equal(t, http.StatusOK, env.do(t, "POST", base+"/playback", host.Token, models.PlaybackCommand{Action: models.ActionPlay}, nil))
	playing := readEvent(t, ws)
	require.Equal(t, models.EventPlaybackState, playing.Type)
	var view models.PlaybackView
	require.NoError(t, json.Unmarshal(playing.Payload, &view))
	assert.Equal(t, models.StatePlaying, view.State)
	assert.Equal(t, "a", *view.TrackID)

	require.Eventually(t, func() bool {
		var page struct {
			Events []database.EventRecord `json:"events"`
		}
		if env.do(t, "GET", base+"/events?after=1", host.Token, nil, &page) != http.StatusOK {
			return false
		}
		return len(page.Events) == 3 && page.Events[0].Seq == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWebSocketRejectsForeignToken(t *testing.T) {
	env := newTestEnv(t)
	first := env.createSession(t, nil)
	second := env.createSession(t, nil)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/sessions/" + second.Session.ID + "?token=" + first.Token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestInviteLinkDescribesSession(t *testing.T) {
	env := newTestEnv(t)
	host := env.createSession(t, lo.ToPtr(int64(300_000)))

	var invite InviteInfo
	require.Equal(t, http.StatusOK, env.do(t, "GET", "/api/sessions/join/"+strings.ToLower(host.Session.Code), "", nil, &invite))
	assert.Equal(t, host.Session.Code, invite.Code)
	assert.Equal(t, "Host", invite.HostName)
	assert.Equal(t, int64(300_000), *invite.MaxMediaDurationMs)

	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/sessions/join/ABCDEF", "", nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/api/sessions/join/nope", "", nil, nil))
}

func TestHostEditsPlaylistOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	host := env.createSession(t, nil)
	guest := env.join(t, host.Session.Code, "Guest")
	base := "/api/sessions/" + host.Session.ID

	track := func(id string) models.RequestPayload {
		return models.RequestPayload{TrackID: id, Name: "Track " + id, DurationMs: lo.ToPtr(int64(120_000))}
	}

	var playlist models.PlaylistPayload
	require.Equal(t, http.StatusCreated, env.do(t, "POST", base+"/playlist", host.Token, track("a"), &playlist))
	require.Equal(t, http.StatusCreated, env.do(t, "POST", base+"/playlist", host.Token, track("b"), &playlist))
	require.Len(t, playlist.Playlist, 2)

	require.Equal(t, http.StatusOK, env.do(t, "PATCH", base+"/playlist/b", host.Token, map[string]int{"new_index": 0}, &playlist))
	assert.Equal(t, "b", playlist.Playlist[0].TrackID)

	// guests still go through requests
	assert.Equal(t, http.StatusForbidden, env.do(t, "POST", base+"/playlist", guest.Token, track("c"), nil))
	assert.Equal(t, http.StatusForbidden, env.do(t, "DELETE", base+"/playlist/a", guest.Token, nil, nil))

	require.Equal(t, http.StatusOK, env.do(t, "DELETE", base+"/playlist/a", host.Token, nil, &playlist))
	require.Len(t, playlist.Playlist, 1)
	assert.Equal(t, "b", playlist.Playlist[0].TrackID)

	assert.Equal(t, http.StatusNotFound, env.do(t, "DELETE", base+"/playlist/a", host.Token, nil, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, env.do(t, "POST", base+"/playlist", host.Token, track("b"), nil))

	var requests models.RequestsPayload
	require.Equal(t, http.StatusOK, env.do(t, "GET", base+"/requests", host.Token, nil, &requests))
	assert.Empty(t, requests.Requests)
}

func TestHostEditsPlaylistOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	host := env.createSession(t, nil)
	guest := env.join(t, host.Session.Code, "Guest")

	hostWS := dial(t, env, host.Session.ID, host.Token)
	guestWS := dial(t, env, host.Session.ID, guest.Token)
	for i := 0; i < 3; i++ {
		readEvent(t, hostWS)
		readEvent(t, guestWS)
	}

	edit := map[string]interface{}{
		"type": "playlist_edit",
		"payload": models.ChangeRequest{
			RequestType: models.RequestAdd,
			Payload:     models.RequestPayload{TrackID: "a", Name: "A", DurationMs: lo.ToPtr(int64(60_000))},
		},
	}
	require.NoError(t, hostWS.WriteJSON(edit))

	update := readEvent(t, guestWS)
	require.Equal(t, models.EventPlaylistUpdate, update.Type)
	var playlist models.PlaylistPayload
	require.NoError(t, json.Unmarshal(update.Payload, &playlist))
	require.Len(t, playlist.Playlist, 1)
	assert.Equal(t, "a", playlist.Playlist[0].TrackID)

	require.NoError(t, guestWS.WriteJSON(edit))
	rejected := readEvent(t, guestWS)
	require.Equal(t, models.EventError, rejected.Type)
	var problem models.ErrorPayload
	require.NoError(t, json.Unmarshal(rejected.Payload, &problem))
	assert.Equal(t, models.KindUnauthorized, problem.Kind)
}

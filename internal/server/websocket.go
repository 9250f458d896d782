package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"tandem/internal/coordinator"
	"tandem/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// Inbound message types
const (
	msgPlaybackCommand       = "playback_command"
	msgRequestPlaylistChange = "request_playlist_change"
	msgPlaylistEdit          = "playlist_edit"
	msgDecideRequest         = "decide_request"
	msgHeartbeat             = "heartbeat"
	msgSyncAck               = "sync_ack"
)

// envelope is the inbound wire frame
type envelope struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// wsConn adapts a WebSocket to the fan-out connection contract. Writes are
// serialized; control frames may be sent concurrently.
type wsConn struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Send(ctx context.Context, ev models.Event) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(ev)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// handleWebSocket attaches a participant to the session's live channel
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.tokens.FromRequest(r)
	if err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if identity.SessionID != sessionID {
		s.respondWithCommandError(w, r, models.Errorf(models.KindUnauthorized, "token does not belong to session %s", sessionID))
		return
	}

	coord, err := s.sessions.Get(sessionID)
	if err != nil {
		s.respondWithCommandError(w, r, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Warn("WebSocket upgrade failed")
		return
	}
	conn := &wsConn{conn: ws}

	logger := s.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"identity":   identity.ID,
		"role":       identity.Role,
	})

	ctx := r.Context()
	sub, err := coord.Subscribe(ctx, identity, conn)
	if err != nil {
		_ = conn.Send(ctx, errorEvent(sessionID, err))
		conn.Close()
		logger.WithError(err).Warn("Subscribe rejected")
		return
	}
	defer coord.Unsubscribe(sub)

	logger.WithField("subscriber", sub.ID()).Info("Subscriber connected")

	go keepAlive(conn, sub.Done())
	s.readLoop(ctx, conn, coord, identity, logger)

	logger.WithField("subscriber", sub.ID()).Info("Subscriber disconnected")
}

// readLoop decodes inbound frames until the connection fails
func (s *Server) readLoop(ctx context.Context, conn *wsConn, coord *coordinator.Coordinator, identity models.Identity, logger *logrus.Entry) {
	ws := conn.conn
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Debug("WebSocket read failed")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		reply := s.dispatch(ctx, coord, identity, data)
		if reply == nil {
			continue
		}
		if err := conn.Send(ctx, *reply); err != nil {
			logger.WithError(err).Debug("Failed to send reply")
			return
		}
	}
}

// dispatch routes one inbound frame to the coordinator. The returned event,
// if any, goes only to the issuing connection.
func (s *Server) dispatch(ctx context.Context, coord *coordinator.Coordinator, identity models.Identity, data []byte) *models.Event {
	sessionID := coord.Session().ID

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		ev := errorEvent(sessionID, models.Errorf(models.KindMalformedCommand, "invalid message: %v", err))
		return &ev
	}

	var err error
	switch env.Type {
	case msgPlaybackCommand:
		var cmd models.PlaybackCommand
		if err = decodePayload(env.Payload, &cmd); err == nil {
			_, err = coord.Playback(ctx, identity, cmd)
		}

	case msgRequestPlaylistChange:
		var change models.ChangeRequest
		if err = decodePayload(env.Payload, &change); err == nil {
			_, err = coord.RequestChange(ctx, identity, change)
		}

	case msgPlaylistEdit:
		var edit models.ChangeRequest
		if err = decodePayload(env.Payload, &edit); err == nil {
			_, err = coord.EditPlaylist(ctx, identity, edit)
		}

	case msgDecideRequest:
		var cmd models.DecideCommand
		if err = decodePayload(env.Payload, &cmd); err == nil {
			_, err = coord.Decide(ctx, identity, cmd)
		}

	case msgHeartbeat:
		var hb models.Heartbeat
		if err = decodePayload(env.Payload, &hb); err == nil {
			var report models.DriftReport
			if report, err = coord.Heartbeat(ctx, identity, hb); err == nil {
				return &models.Event{Type: models.EventSyncReport, SessionID: sessionID, Payload: report}
			}
		}

	case msgSyncAck:
		return nil

	default:
		err = models.Errorf(models.KindMalformedCommand, "unknown message type %q", env.Type)
	}

	if err != nil {
		ev := errorEvent(sessionID, err)
		return &ev
	}
	return nil
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return models.Errorf(models.KindMalformedCommand, "payload is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return models.Errorf(models.KindMalformedCommand, "invalid payload: %v", err)
	}
	return nil
}

func errorEvent(sessionID string, err error) models.Event {
	kind := models.KindOf(err)
	message := err.Error()
	if kind == models.KindInternal {
		message = "internal error"
	}
	return models.Event{
		Type:      models.EventError,
		SessionID: sessionID,
		Payload:   models.ErrorPayload{Kind: kind, Message: message},
	}
}

// keepAlive pings the peer until done is closed
func keepAlive(conn *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

package coordinator

import (
	"context"
	"time"

	"tandem/internal/fanout"
	"tandem/internal/player"
	"tandem/internal/playlist"
	"tandem/pkg/models"

	"github.com/sirupsen/logrus"
)

// Playback applies a host playback command and broadcasts the new snapshot
func (c *Coordinator) Playback(ctx context.Context, actor models.Identity, cmd models.PlaybackCommand) (models.PlaybackView, error) {
	return call(ctx, c, "playback_command", actor, func() (models.PlaybackView, error) {
		if err := c.authorizeHost(actor); err != nil {
			return models.PlaybackView{}, err
		}
		now := c.clock.Now()
		next, err := c.transition(cmd, now)
		if err != nil {
			return models.PlaybackView{}, err
		}
		c.snapshot = next

		view := c.snapshot.At(now).View()
		c.publish(models.EventPlaybackState, view)
		c.logger.WithFields(logrus.Fields{
			"action":   cmd.Action,
			"track_id": c.snapshot.TrackID,
			"state":    c.snapshot.State,
			"position": c.snapshot.PositionMs,
		}).Debug("Playback updated")
		return view, nil
	})
}

// RequestChange queues a playlist change proposal from any member
func (c *Coordinator) RequestChange(ctx context.Context, actor models.Identity, change models.ChangeRequest) (models.Request, error) {
	return call(ctx, c, "request_playlist_change", actor, func() (models.Request, error) {
		if err := c.authorizeMember(actor); err != nil {
			return models.Request{}, err
		}
		req, err := c.ledger.SubmitRequest(actor, change.RequestType, change.Payload)
		if err != nil {
			return models.Request{}, err
		}
		c.publish(models.EventRequestUpdate, req)
		c.logger.WithFields(logrus.Fields{
			"request_id":   req.ID,
			"request_type": req.Type,
			"requester":    actor.ID,
		}).Info("Playlist change requested")
		return req, nil
	})
}

// Decide approves or denies a pending request. Approval broadcasts the
// updated playlist before the request's terminal state.
func (c *Coordinator) Decide(ctx context.Context, actor models.Identity, cmd models.DecideCommand) (models.Request, error) {
	return call(ctx, c, "decide_request", actor, func() (models.Request, error) {
		if err := c.authorizeHost(actor); err != nil {
			return models.Request{}, err
		}
		if cmd.RequestID == "" {
			return models.Request{}, models.Errorf(models.KindMalformedCommand, "request_id is required")
		}
		req, mutation, err := c.ledger.DecideRequest(cmd.RequestID, cmd.Decision, cmd.Reason)
		if err != nil {
			return models.Request{}, err
		}

		if mutation != nil {
			now := c.clock.Now()
			playbackChanged := c.reconcile(mutation, now)
			c.publish(models.EventPlaylistUpdate, models.PlaylistPayload{Playlist: c.ledger.Items()})
			if playbackChanged {
				c.publish(models.EventPlaybackState, c.snapshot.At(now).View())
			}
		}
		c.publish(models.EventRequestUpdate, req)

		c.logger.WithFields(logrus.Fields{
			"request_id":   req.ID,
			"request_type": req.Type,
			"status":       req.Status,
		}).Info("Request decided")
		return req, nil
	})
}

// EditPlaylist applies a host's add, reorder or remove directly, without a
// request. The updated playlist is broadcast, followed by the playback
// snapshot when the current track was removed.
func (c *Coordinator) EditPlaylist(ctx context.Context, actor models.Identity, edit models.ChangeRequest) ([]models.PlaylistItem, error) {
	return call(ctx, c, "playlist_edit", actor, func() ([]models.PlaylistItem, error) {
		if err := c.authorizeHost(actor); err != nil {
			return nil, err
		}
		mutation, err := c.ledger.Edit(edit.RequestType, edit.Payload)
		if err != nil {
			return nil, err
		}

		now := c.clock.Now()
		playbackChanged := c.reconcile(mutation, now)
		items := c.ledger.Items()
		c.publish(models.EventPlaylistUpdate, models.PlaylistPayload{Playlist: items})
		if playbackChanged {
			c.publish(models.EventPlaybackState, c.snapshot.At(now).View())
		}

		c.logger.WithFields(logrus.Fields{
			"edit":     mutation.Type,
			"track_id": mutation.Item.TrackID,
		}).Info("Playlist edited by host")
		return items, nil
	})
}

// Heartbeat compares a client's reported position with the effective
// position. It never changes state and nothing is broadcast.
func (c *Coordinator) Heartbeat(ctx context.Context, actor models.Identity, hb models.Heartbeat) (models.DriftReport, error) {
	return call(ctx, c, "heartbeat", actor, func() (models.DriftReport, error) {
		if err := c.authorizeMember(actor); err != nil {
			return models.DriftReport{}, err
		}
		snap := c.snapshot
		server := player.EffectivePosition(snap, c.clock.Now())
		policy := c.currentPolicy()

		report := models.DriftReport{
			ClientPositionMs: hb.PositionMs,
			ServerPositionMs: server,
			DriftMs:          hb.PositionMs - server,
			ThresholdMs:      policy.DriftThresholdMs,
		}
		if snap.HasTrack() {
			id := snap.TrackID
			report.TrackID = &id
		}
		onOtherTrack := hb.TrackID != nil && *hb.TrackID != snap.TrackID
		report.Resync = onOtherTrack || abs(report.DriftMs) > policy.DriftThresholdMs

		c.logger.WithFields(logrus.Fields{
			"identity": actor.ID,
			"drift_ms": report.DriftMs,
			"resync":   report.Resync,
		}).Debug("Heartbeat")
		return report, nil
	})
}

// Subscribe registers conn and hands it the current playback snapshot,
// playlist and request list before any later event.
func (c *Coordinator) Subscribe(ctx context.Context, actor models.Identity, conn fanout.Conn) (*fanout.Subscriber, error) {
	return call(ctx, c, "subscribe", actor, func() (*fanout.Subscriber, error) {
		if err := c.authorizeMember(actor); err != nil {
			return nil, err
		}
		sub, err := c.hub.Add(actor, conn)
		if err != nil {
			return nil, err
		}
		c.hub.Deliver(sub, c.event(models.EventPlaybackState, c.snapshot.At(c.clock.Now()).View()))
		c.hub.Deliver(sub, c.event(models.EventPlaylistUpdate, models.PlaylistPayload{Playlist: c.ledger.Items()}))
		c.hub.Deliver(sub, c.event(models.EventRequestsSnapshot, models.RequestsPayload{Requests: c.ledger.Requests()}))
		return sub, nil
	})
}

// Unsubscribe drops sub from the session
func (c *Coordinator) Unsubscribe(sub *fanout.Subscriber) {
	c.hub.Remove(sub)
}

// Snapshot returns the playback snapshot projected to now
func (c *Coordinator) Snapshot(ctx context.Context, actor models.Identity) (models.PlaybackView, error) {
	return call(ctx, c, "snapshot", actor, func() (models.PlaybackView, error) {
		if err := c.authorizeMember(actor); err != nil {
			return models.PlaybackView{}, err
		}
		return c.snapshot.At(c.clock.Now()).View(), nil
	})
}

// Playlist returns the ordered playlist
func (c *Coordinator) Playlist(ctx context.Context, actor models.Identity) ([]models.PlaylistItem, error) {
	return call(ctx, c, "playlist", actor, func() ([]models.PlaylistItem, error) {
		if err := c.authorizeMember(actor); err != nil {
			return nil, err
		}
		return c.ledger.Items(), nil
	})
}

// Requests returns every request retained for the session
func (c *Coordinator) Requests(ctx context.Context, actor models.Identity) ([]models.Request, error) {
	return call(ctx, c, "requests", actor, func() ([]models.Request, error) {
		if err := c.authorizeMember(actor); err != nil {
			return nil, err
		}
		return c.ledger.Requests(), nil
	})
}

// transition computes the snapshot that results from cmd at now
func (c *Coordinator) transition(cmd models.PlaybackCommand, now time.Time) (player.Snapshot, error) {
	cur := c.snapshot

	switch cmd.Action {
	case models.ActionPlay:
		trackID := cur.TrackID
		if cmd.TrackID != nil && *cmd.TrackID != "" {
			trackID = *cmd.TrackID
		}
		if trackID == "" {
			first, ok := c.ledger.At(0)
			if !ok {
				return cur, models.Errorf(models.KindNotFound, "playlist is empty")
			}
			trackID = first.TrackID
		}
		item, ok := c.ledger.Item(trackID)
		if !ok {
			return cur, models.Errorf(models.KindNotFound, "track %q is not in the playlist", trackID)
		}

		next := player.Snapshot{
			TrackID:    item.TrackID,
			DurationMs: durationOf(item),
			State:      models.StatePlaying,
			ChangedAt:  now,
		}
		switch {
		case cmd.PositionMs != nil:
			if *cmd.PositionMs < 0 {
				return cur, models.Errorf(models.KindMalformedCommand, "position_ms must not be negative")
			}
			next.PositionMs = *cmd.PositionMs
		case item.TrackID == cur.TrackID:
			next.PositionMs = player.EffectivePosition(cur, now)
		}
		return next.At(now), nil

	case models.ActionPause:
		if cur.State != models.StatePlaying {
			return cur, models.Errorf(models.KindConstraintViolation, "playback is %s, not playing", cur.State)
		}
		next := cur.At(now)
		next.State = models.StatePaused
		return next, nil

	case models.ActionSeek:
		if cmd.PositionMs == nil {
			return cur, models.Errorf(models.KindMalformedCommand, "seek requires position_ms")
		}
		if *cmd.PositionMs < 0 {
			return cur, models.Errorf(models.KindMalformedCommand, "position_ms must not be negative")
		}
		next := cur
		next.PositionMs = *cmd.PositionMs
		next.ChangedAt = now
		return next.At(now), nil

	case models.ActionSkipNext, models.ActionSkipPrev:
		idx := c.ledger.IndexOf(cur.TrackID)
		target := 0
		if idx >= 0 {
			if cmd.Action == models.ActionSkipNext {
				target = idx + 1
			} else {
				target = max(idx-1, 0)
			}
		}
		item, ok := c.ledger.At(target)
		if !ok {
			return player.NewSnapshot(now), nil
		}
		return c.cue(item, cur.State, now), nil
	}

	return cur, models.Errorf(models.KindMalformedCommand, "unknown playback action %q", cmd.Action)
}

// reconcile keeps the snapshot pointing at a playlist item after an approved
// request or host edit. Removing the current track moves to the item that
// followed it, or stops when there is none.
func (c *Coordinator) reconcile(m *playlist.Mutation, now time.Time) bool {
	if m.Type != models.RequestRemove || m.Item.TrackID != c.snapshot.TrackID {
		return false
	}
	if item, ok := c.ledger.At(m.RemovedIndex); ok {
		c.snapshot = c.cue(item, c.snapshot.State, now)
	} else {
		c.snapshot = player.NewSnapshot(now)
	}
	return true
}

// cue selects item at position 0, keeping the prior state. A stopped
// player with a track selected is paused.
func (c *Coordinator) cue(item models.PlaylistItem, prior models.PlaybackState, now time.Time) player.Snapshot {
	state := prior
	if state == models.StateStopped {
		state = models.StatePaused
	}
	return player.Snapshot{
		TrackID:    item.TrackID,
		DurationMs: durationOf(item),
		State:      state,
		ChangedAt:  now,
	}
}

func (c *Coordinator) event(typ models.EventType, payload any) models.Event {
	return models.Event{Type: typ, SessionID: c.session.ID, Seq: c.seq, Payload: payload}
}

// publish assigns the next sequence number and fans ev out to subscribers
// and the sink
func (c *Coordinator) publish(typ models.EventType, payload any) models.Event {
	c.seq++
	ev := c.event(typ, payload)
	c.hub.Broadcast(ev)
	if c.sink != nil {
		c.sink.Record(ev)
	}
	return ev
}

func durationOf(item models.PlaylistItem) int64 {
	if item.DurationMs == nil {
		return 0
	}
	return *item.DurationMs
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

package playlist

import (
	"tandem/internal/player"
	"tandem/pkg/models"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Ledger holds a session's ordered playlist and its request queue.
//
// A Ledger is not safe for concurrent use. It is owned by exactly one
// coordinator goroutine, which is the only writer.
type Ledger struct {
	sessionID     string
	maxDurationMs *int64
	clock         player.Clock

	items    []models.PlaylistItem
	requests map[string]*models.Request
	order    []string // request ids in submission order
}

// Mutation describes the playlist change an approved request or a host
// edit applied
type Mutation struct {
	Type         models.RequestType
	Item         models.PlaylistItem
	RemovedIndex int
}

// NewLedger creates an empty ledger. maxDurationMs may be nil.
func NewLedger(sessionID string, maxDurationMs *int64, clock player.Clock) *Ledger {
	return &Ledger{
		sessionID:     sessionID,
		maxDurationMs: maxDurationMs,
		clock:         clock,
		requests:      make(map[string]*models.Request),
	}
}

// Items returns a copy of the playlist in play order
func (l *Ledger) Items() []models.PlaylistItem {
	out := make([]models.PlaylistItem, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the number of playlist items
func (l *Ledger) Len() int {
	return len(l.items)
}

// At returns the item at index i
func (l *Ledger) At(i int) (models.PlaylistItem, bool) {
	if i < 0 || i >= len(l.items) {
		return models.PlaylistItem{}, false
	}
	return l.items[i], true
}

// IndexOf returns the play-order index of trackID, or -1
func (l *Ledger) IndexOf(trackID string) int {
	_, idx, ok := lo.FindIndexOf(l.items, func(item models.PlaylistItem) bool {
		return item.TrackID == trackID
	})
	if !ok {
		return -1
	}
	return idx
}

// Item looks up a playlist item by track identifier
func (l *Ledger) Item(trackID string) (models.PlaylistItem, bool) {
	return l.At(l.IndexOf(trackID))
}

// Append adds item at the end of the play order
func (l *Ledger) Append(item models.PlaylistItem) (models.PlaylistItem, error) {
	if item.TrackID == "" {
		return models.PlaylistItem{}, models.Errorf(models.KindMalformedCommand, "track_id is required")
	}
	if l.IndexOf(item.TrackID) >= 0 {
		return models.PlaylistItem{}, models.Errorf(models.KindConstraintViolation, "track %q is already in the playlist", item.TrackID)
	}
	if l.maxDurationMs != nil {
		if item.DurationMs == nil {
			return models.PlaylistItem{}, models.Errorf(models.KindConstraintViolation, "track %q has no known duration to check against the %d ms limit", item.TrackID, *l.maxDurationMs)
		}
		if *item.DurationMs > *l.maxDurationMs {
			return models.PlaylistItem{}, models.Errorf(models.KindConstraintViolation, "track %q is longer than the allowed %d ms", item.TrackID, *l.maxDurationMs)
		}
	}

	item.Position = len(l.items)
	if item.AddedAt.IsZero() {
		item.AddedAt = l.clock.Now().UTC()
	}
	l.items = append(l.items, item)
	return item, nil
}

// Remove deletes trackID and returns the removed item with its former index
func (l *Ledger) Remove(trackID string) (models.PlaylistItem, int, error) {
	idx := l.IndexOf(trackID)
	if idx < 0 {
		return models.PlaylistItem{}, -1, models.Errorf(models.KindNotFound, "track %q is not in the playlist", trackID)
	}
	removed := l.items[idx]
	l.items = append(l.items[:idx], l.items[idx+1:]...)
	l.renumber()
	return removed, idx, nil
}

// Reorder moves trackID to newIndex, clamped into the valid range
func (l *Ledger) Reorder(trackID string, newIndex int) (models.PlaylistItem, error) {
	idx := l.IndexOf(trackID)
	if idx < 0 {
		return models.PlaylistItem{}, models.Errorf(models.KindNotFound, "track %q is not in the playlist", trackID)
	}
	newIndex = lo.Clamp(newIndex, 0, len(l.items)-1)

	item := l.items[idx]
	rest := append(l.items[:idx:idx], l.items[idx+1:]...)
	reordered := make([]models.PlaylistItem, 0, len(l.items))
	reordered = append(reordered, rest[:newIndex]...)
	reordered = append(reordered, item)
	reordered = append(reordered, rest[newIndex:]...)
	l.items = reordered
	l.renumber()
	return l.items[newIndex], nil
}

// SubmitRequest validates the payload shape for typ and queues a pending
// request. Business rules such as the duration limit are checked only when
// the request is approved.
func (l *Ledger) SubmitRequest(requester models.Identity, typ models.RequestType, payload models.RequestPayload) (models.Request, error) {
	if err := ValidatePayload(typ, payload); err != nil {
		return models.Request{}, err
	}

	req := &models.Request{
		ID:          uuid.NewString(),
		SessionID:   l.sessionID,
		RequesterID: requester.ID,
		Requester:   requester.Name,
		Type:        typ,
		Payload:     payload,
		Status:      models.StatusPending,
		CreatedAt:   l.clock.Now().UTC(),
	}
	l.requests[req.ID] = req
	l.order = append(l.order, req.ID)
	return *req, nil
}

// DecideRequest moves a pending request to its terminal status. Approval
// applies the mutation first and only marks the request approved if it took
// effect; a failed approval leaves the request pending.
func (l *Ledger) DecideRequest(id string, decision models.Decision, reason string) (models.Request, *Mutation, error) {
	req, ok := l.requests[id]
	if !ok {
		return models.Request{}, nil, models.Errorf(models.KindNotFound, "request %q not found", id)
	}
	if req.Status != models.StatusPending {
		return *req, nil, models.Errorf(models.KindAlreadyDecided, "request %q is already %s", id, req.Status)
	}

	var mutation *Mutation
	switch decision {
	case models.DecisionApproved:
		m, err := l.apply(req.Type, req.Payload)
		if err != nil {
			return *req, nil, err
		}
		mutation = m
		req.Status = models.StatusApproved
	case models.DecisionDenied:
		req.Status = models.StatusDenied
	default:
		return *req, nil, models.Errorf(models.KindMalformedCommand, "unknown decision %q", decision)
	}

	now := l.clock.Now().UTC()
	req.Reason = reason
	req.DecidedAt = &now
	return *req, mutation, nil
}

// Request returns a copy of the request with the given id
func (l *Ledger) Request(id string) (models.Request, bool) {
	req, ok := l.requests[id]
	if !ok {
		return models.Request{}, false
	}
	return *req, true
}

// Requests returns every retained request in submission order
func (l *Ledger) Requests() []models.Request {
	return lo.Map(l.order, func(id string, _ int) models.Request {
		return *l.requests[id]
	})
}

// Edit applies a change directly, without a request. It is the host's path;
// the payload rules are the same as for requests.
func (l *Ledger) Edit(typ models.RequestType, payload models.RequestPayload) (*Mutation, error) {
	if err := ValidatePayload(typ, payload); err != nil {
		return nil, err
	}
	return l.apply(typ, payload)
}

func (l *Ledger) apply(typ models.RequestType, p models.RequestPayload) (*Mutation, error) {
	switch typ {
	case models.RequestAdd:
		item, err := l.Append(models.PlaylistItem{
			TrackID:    p.TrackID,
			Name:       p.Name,
			DurationMs: p.DurationMs,
			MediaRef:   p.MediaRef,
		})
		if err != nil {
			return nil, err
		}
		return &Mutation{Type: typ, Item: item, RemovedIndex: -1}, nil
	case models.RequestReorder:
		item, err := l.Reorder(p.TrackID, *p.NewIndex)
		if err != nil {
			return nil, err
		}
		return &Mutation{Type: typ, Item: item, RemovedIndex: -1}, nil
	case models.RequestRemove:
		item, idx, err := l.Remove(p.TrackID)
		if err != nil {
			return nil, err
		}
		return &Mutation{Type: typ, Item: item, RemovedIndex: idx}, nil
	}
	return nil, models.Errorf(models.KindMalformedCommand, "unknown request type %q", typ)
}

func (l *Ledger) renumber() {
	for i := range l.items {
		l.items[i].Position = i
	}
}

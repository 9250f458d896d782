package fanout

import (
	"context"
	"sync"
	"time"

	"tandem/pkg/models"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Conn is the transport end of one subscriber
type Conn interface {
	Send(ctx context.Context, ev models.Event) error
	Close() error
}

// Options bounds per-subscriber buffering
type Options struct {
	QueueSize   int
	SendTimeout time.Duration
}

// DefaultOptions returns the queue bounds used when none are configured
func DefaultOptions() Options {
	return Options{QueueSize: 64, SendTimeout: 5 * time.Second}
}

// Subscriber is one live connection registered with a Hub
type Subscriber struct {
	id       string
	identity models.Identity
	conn     Conn
	queue    chan models.Event
	done     chan struct{}

	dropOnce  sync.Once
	closeOnce sync.Once
}

// ID returns the subscriber's registry key
func (s *Subscriber) ID() string { return s.id }

// Identity returns who authenticated the connection
func (s *Subscriber) Identity() models.Identity { return s.identity }

// Done is closed once the subscriber has been dropped from its hub
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) closeConn() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

// Hub tracks the live subscribers of one session and delivers events to
// them. Enqueueing never blocks: each subscriber has a bounded queue drained
// by its own goroutine, and a subscriber whose queue overflows or whose send
// fails is dropped.
type Hub struct {
	sessionID string
	opts      Options
	logger    *logrus.Entry

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
}

// NewHub creates an empty hub for sessionID
func NewHub(sessionID string, opts Options, logger *logrus.Logger) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultOptions().SendTimeout
	}
	return &Hub{
		sessionID:   sessionID,
		opts:        opts,
		logger:      logger.WithField("session_id", sessionID),
		subscribers: make(map[string]*Subscriber),
	}
}

// Add registers conn and starts its delivery goroutine
func (h *Hub) Add(identity models.Identity, conn Conn) (*Subscriber, error) {
	sub := &Subscriber{
		id:       uuid.NewString(),
		identity: identity,
		conn:     conn,
		queue:    make(chan models.Event, h.opts.QueueSize),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, models.Errorf(models.KindNotFound, "session %s is closed", h.sessionID)
	}
	h.subscribers[sub.id] = sub
	count := len(h.subscribers)
	h.mu.Unlock()

	go h.pump(sub)

	h.logger.WithFields(logrus.Fields{
		"subscriber":  sub.id,
		"identity":    identity.ID,
		"role":        identity.Role,
		"subscribers": count,
	}).Debug("Subscriber added")
	return sub, nil
}

// Deliver enqueues ev for a single subscriber
func (h *Hub) Deliver(sub *Subscriber, ev models.Event) bool {
	h.mu.RLock()
	_, ok := h.subscribers[sub.id]
	delivered := ok && enqueue(sub, ev)
	h.mu.RUnlock()

	if ok && !delivered {
		h.drop(sub, "queue overflow")
	}
	return delivered
}

// Broadcast enqueues ev for every current subscriber and returns how many
// accepted it. Subscribers whose queue is full are dropped.
func (h *Hub) Broadcast(ev models.Event) int {
	var overflowed []*Subscriber
	delivered := 0

	h.mu.RLock()
	for _, sub := range h.subscribers {
		if enqueue(sub, ev) {
			delivered++
		} else {
			overflowed = append(overflowed, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range overflowed {
		h.drop(sub, "queue overflow")
	}
	return delivered
}

// Remove unregisters sub. It is safe to call more than once.
func (h *Hub) Remove(sub *Subscriber) {
	h.drop(sub, "unsubscribed")
}

// Len returns the number of live subscribers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Subscribers lists the live subscribers' identities
func (h *Hub) Subscribers() []models.Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return lo.MapToSlice(h.subscribers, func(_ string, sub *Subscriber) models.Identity {
		return sub.identity
	})
}

// Close drops every subscriber and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := lo.Values(h.subscribers)
	h.mu.Unlock()

	for _, sub := range subs {
		h.drop(sub, "session closed")
	}
}

func (h *Hub) drop(sub *Subscriber, reason string) {
	h.mu.Lock()
	_, ok := h.subscribers[sub.id]
	delete(h.subscribers, sub.id)
	h.mu.Unlock()

	sub.dropOnce.Do(func() {
		close(sub.done)
	})
	sub.closeConn()

	if ok {
		h.logger.WithFields(logrus.Fields{
			"subscriber": sub.id,
			"identity":   sub.identity.ID,
			"reason":     reason,
		}).Debug("Subscriber dropped")
	}
}

// pump drains a subscriber's queue onto its connection. A send that fails
// or exceeds the send timeout drops the subscriber.
func (h *Hub) pump(sub *Subscriber) {
	defer sub.closeConn()

	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.queue:
			ctx, cancel := context.WithTimeout(context.Background(), h.opts.SendTimeout)
			err := sub.conn.Send(ctx, ev)
			cancel()
			if err != nil {
				h.logger.WithFields(logrus.Fields{
					"subscriber": sub.id,
					"seq":        ev.Seq,
					"kind":       models.KindTransportFailure,
				}).WithError(err).Warn("Delivery failed, dropping subscriber")
				h.drop(sub, "send failed")
				return
			}
		}
	}
}

func enqueue(sub *Subscriber, ev models.Event) bool {
	select {
	case <-sub.done:
		return false
	default:
	}
	select {
	case sub.queue <- ev:
		return true
	default:
		return false
	}
}

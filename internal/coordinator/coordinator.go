package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tandem/internal/fanout"
	"tandem/internal/player"
	"tandem/internal/playlist"
	"tandem/pkg/models"

	"github.com/sirupsen/logrus"
)

// EventSink receives every broadcast event, in order, for persistence. It
// must not block.
type EventSink interface {
	Record(ev models.Event)
}

// Options configures a Coordinator
type Options struct {
	CommandQueueSize int
	Fanout           fanout.Options
	Clock            player.Clock
	Sink             EventSink
	Policy           *atomic.Pointer[models.SyncPolicy]
	Logger           *logrus.Logger
}

// DefaultPolicy is used when no sync policy has been published
var DefaultPolicy = models.SyncPolicy{DriftThresholdMs: 200, ResyncIntervalMs: 10_000}

type result struct {
	value any
	err   error
}

type command struct {
	name  string
	actor models.Identity
	run   func() (any, error)
	reply chan result
}

// Coordinator is the single writer of one session's playback snapshot and
// playlist ledger. Every command runs on its own goroutine, one at a time
// and in receipt order, so events leave in the order commands were accepted.
type Coordinator struct {
	session models.Session
	clock   player.Clock
	sink    EventSink
	policy  *atomic.Pointer[models.SyncPolicy]
	logger  *logrus.Entry
	hub     *fanout.Hub

	// owned by the run goroutine
	ledger   *playlist.Ledger
	snapshot player.Snapshot
	seq      uint64

	commands     chan command
	quit         chan struct{}
	stopped      chan struct{}
	startOnce    sync.Once
	closeOnce    sync.Once
	lastActivity atomic.Int64
}

// New creates a coordinator for session. Call Start before issuing commands.
func New(session models.Session, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = player.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.CommandQueueSize <= 0 {
		opts.CommandQueueSize = 32
	}
	if opts.Policy == nil {
		opts.Policy = &atomic.Pointer[models.SyncPolicy]{}
	}

	c := &Coordinator{
		session:  session,
		clock:    opts.Clock,
		sink:     opts.Sink,
		policy:   opts.Policy,
		logger:   opts.Logger.WithField("session_id", session.ID),
		hub:      fanout.NewHub(session.ID, opts.Fanout, opts.Logger),
		ledger:   playlist.NewLedger(session.ID, session.MaxMediaDurationMs, opts.Clock),
		snapshot: player.NewSnapshot(opts.Clock.Now()),
		commands: make(chan command, opts.CommandQueueSize),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	c.touch()
	return c
}

// Start launches the command loop
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Close stops the command loop and drops every subscriber
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.startOnce.Do(func() { close(c.stopped) })
		<-c.stopped
		c.hub.Close()
		c.logger.Info("Coordinator stopped")
	})
}

// Done is closed once the coordinator has stopped
func (c *Coordinator) Done() <-chan struct{} {
	return c.stopped
}

// Session returns the immutable session description
func (c *Coordinator) Session() models.Session {
	return c.session
}

// Subscribers returns the number of live subscribers
func (c *Coordinator) Subscribers() int {
	return c.hub.Len()
}

// LastActivity returns when the coordinator last accepted a command
func (c *Coordinator) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Coordinator) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Coordinator) run() {
	defer close(c.stopped)
	c.logger.Debug("Coordinator started")

	for {
		select {
		case <-c.quit:
			return
		case cmd := <-c.commands:
			value, err := c.execute(cmd)
			cmd.reply <- result{value: value, err: err}
		}
	}
}

// execute runs one command. A panicking command is reported to its issuer
// and the loop keeps serving the session.
func (c *Coordinator) execute(cmd command) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"command": cmd.name,
				"panic":   r,
			}).Error("Command panicked")
			value, err = nil, fmt.Errorf("command %s failed: %v", cmd.name, r)
		}
	}()

	value, err = cmd.run()
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"command":  cmd.name,
			"identity": cmd.actor.ID,
			"role":     cmd.actor.Role,
			"kind":     models.KindOf(err),
		}).WithError(err).Warn("Command rejected")
	}
	return value, err
}

// call submits fn to the command loop and waits for its result
func call[T any](ctx context.Context, c *Coordinator, name string, actor models.Identity, fn func() (T, error)) (T, error) {
	var zero T
	reply := make(chan result, 1)
	cmd := command{
		name:  name,
		actor: actor,
		reply: reply,
		run: func() (any, error) {
			return fn()
		},
	}

	select {
	case <-c.quit:
		return zero, c.closedErr()
	default:
	}

	select {
	case c.commands <- cmd:
	case <-c.quit:
		return zero, c.closedErr()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	c.touch()

	select {
	case r := <-reply:
		return typed[T](r)
	case <-c.stopped:
		// the loop may have answered just before stopping
		select {
		case r := <-reply:
			return typed[T](r)
		default:
			return zero, c.closedErr()
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func typed[T any](r result) (T, error) {
	var zero T
	if r.err != nil {
		return zero, r.err
	}
	v, _ := r.value.(T)
	return v, nil
}

func (c *Coordinator) closedErr() error {
	return models.Errorf(models.KindNotFound, "session %s is closed", c.session.ID)
}

func (c *Coordinator) authorizeMember(actor models.Identity) error {
	if actor.SessionID != c.session.ID {
		return models.Errorf(models.KindUnauthorized, "%s is not a member of session %s", actor.ID, c.session.ID)
	}
	return nil
}

func (c *Coordinator) authorizeHost(actor models.Identity) error {
	if err := c.authorizeMember(actor); err != nil {
		return err
	}
	if !actor.IsHost() || actor.ID != c.session.HostID {
		return models.Errorf(models.KindUnauthorized, "host privileges required")
	}
	return nil
}

func (c *Coordinator) currentPolicy() models.SyncPolicy {
	if p := c.policy.Load(); p != nil {
		return *p
	}
	return DefaultPolicy
}

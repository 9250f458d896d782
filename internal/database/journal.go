package database

import (
	"sync"
	"sync/atomic"
	"time"

	"tandem/pkg/models"

	"github.com/sirupsen/logrus"
)

type entryKind int

const (
	entryEvent entryKind = iota
	entrySessionOpened
	entrySessionClosed
)

type entry struct {
	kind      entryKind
	event     models.Event
	session   models.Session
	sessionID string
	reason    string
	at        time.Time
}

// Journal writes session activity to the database from a single background
// goroutine. Callers never block on disk; when the buffer is full entries
// are dropped and counted.
type Journal struct {
	db      *Database
	logger  *logrus.Logger
	entries chan entry
	done    chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewJournal starts a journal writer with room for bufferSize pending entries
func NewJournal(db *Database, bufferSize int, logger *logrus.Logger) *Journal {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	j := &Journal{
		db:      db,
		logger:  logger,
		entries: make(chan entry, bufferSize),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

// Record queues a broadcast event
func (j *Journal) Record(ev models.Event) {
	j.enqueue(entry{kind: entryEvent, event: ev, at: time.Now()})
}

// SessionOpened queues a new session row
func (j *Journal) SessionOpened(s models.Session) {
	j.enqueue(entry{kind: entrySessionOpened, session: s, at: time.Now()})
}

// SessionClosed queues a session close
func (j *Journal) SessionClosed(sessionID, reason string) {
	j.enqueue(entry{kind: entrySessionClosed, sessionID: sessionID, reason: reason, at: time.Now()})
}

// Dropped returns how many entries were discarded because the buffer was full
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Close flushes pending entries and stops the writer. The database itself
// is left open.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		<-j.done
		return
	}
	j.closed = true
	close(j.entries)
	j.mu.Unlock()

	<-j.done
}

func (j *Journal) enqueue(e entry) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return
	}
	select {
	case j.entries <- e:
	default:
		n := j.dropped.Add(1)
		j.logger.WithField("dropped", n).Warn("Journal buffer full, entry dropped")
	}
}

func (j *Journal) run() {
	defer close(j.done)

	for e := range j.entries {
		if err := j.write(e); err != nil {
			j.logger.WithError(err).WithFields(logrus.Fields{
				"kind":       e.kind,
				"session_id": e.event.SessionID,
			}).Error("Failed to write journal entry")
		}
	}
}

func (j *Journal) write(e entry) error {
	switch e.kind {
	case entrySessionOpened:
		return j.db.SaveSession(e.session)
	case entrySessionClosed:
		return j.db.MarkSessionClosed(e.sessionID, e.reason, e.at)
	}

	if err := j.db.AppendEvent(e.event, e.at); err != nil {
		return err
	}
	if e.event.Type == models.EventRequestUpdate {
		if req, ok := e.event.Payload.(models.Request); ok {
			return j.db.UpsertRequest(req)
		}
	}
	return nil
}

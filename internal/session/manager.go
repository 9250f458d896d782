package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tandem/internal/coordinator"
	"tandem/pkg/models"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Journal records session lifecycle changes
type Journal interface {
	SessionOpened(s models.Session)
	SessionClosed(sessionID, reason string)
}

// Options configures a Manager
type Options struct {
	// Coordinator is the template for every session's coordinator. Its
	// Policy pointer is replaced by the manager's shared policy.
	Coordinator coordinator.Options

	// IdleTimeout closes sessions with no subscribers and no commands for
	// this long. Zero disables expiry.
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration

	Journal Journal
	Logger  *logrus.Logger

	// OnClose runs after a session is torn down for any reason, including
	// idle expiry and shutdown
	OnClose func(sessionID, reason string)
}

// Stats summarizes the live sessions
type Stats struct {
	Sessions    int `json:"sessions"`
	Subscribers int `json:"subscribers"`
}

// Manager maps session identifiers and invite codes to coordinators. Every
// lookup, creation and teardown happens under one lock, so a lookup never
// observes a half-created or half-removed session.
type Manager struct {
	opts   Options
	logger *logrus.Logger
	policy *atomic.Pointer[models.SyncPolicy]

	mu     sync.RWMutex
	byID   map[string]*coordinator.Coordinator
	byCode map[string]string
	closed bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager and starts idle expiry if enabled
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.IdleCheckInterval <= 0 {
		opts.IdleCheckInterval = time.Minute
	}

	m := &Manager{
		opts:   opts,
		logger: opts.Logger,
		policy: &atomic.Pointer[models.SyncPolicy]{},
		byID:   make(map[string]*coordinator.Coordinator),
		byCode: make(map[string]string),
		stop:   make(chan struct{}),
	}
	policy := coordinator.DefaultPolicy
	m.policy.Store(&policy)

	if opts.IdleTimeout > 0 {
		go m.expireIdleSessions()
	}
	return m
}

// SetPolicy publishes a new client sync policy to every coordinator
func (m *Manager) SetPolicy(p models.SyncPolicy) {
	m.policy.Store(&p)
	m.logger.WithFields(logrus.Fields{
		"drift_threshold_ms": p.DriftThresholdMs,
		"resync_interval_ms": p.ResyncIntervalMs,
	}).Info("Sync policy updated")
}

// Policy returns the current client sync policy
func (m *Manager) Policy() models.SyncPolicy {
	return *m.policy.Load()
}

// Create starts a new session hosted by hostID
func (m *Manager) Create(hostID, hostName string, maxMediaDurationMs *int64) (models.Session, *coordinator.Coordinator, error) {
	if hostID == "" || strings.TrimSpace(hostName) == "" {
		return models.Session{}, nil, models.Errorf(models.KindMalformedCommand, "host id and name are required")
	}
	if maxMediaDurationMs != nil && *maxMediaDurationMs <= 0 {
		return models.Session{}, nil, models.Errorf(models.KindMalformedCommand, "max_media_duration_ms must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.Session{}, nil, fmt.Errorf("session manager is shut down")
	}

	code, err := m.uniqueCode()
	if err != nil {
		return models.Session{}, nil, err
	}

	s := models.Session{
		ID:                 uuid.NewString(),
		Code:               code,
		HostID:             hostID,
		HostName:           strings.TrimSpace(hostName),
		MaxMediaDurationMs: maxMediaDurationMs,
		CreatedAt:          time.Now().UTC(),
	}

	opts := m.opts.Coordinator
	opts.Policy = m.policy
	opts.Logger = m.logger
	c := coordinator.New(s, opts)
	c.Start()

	m.byID[s.ID] = c
	m.byCode[s.Code] = s.ID

	if m.opts.Journal != nil {
		m.opts.Journal.SessionOpened(s)
	}
	m.logger.WithFields(logrus.Fields{
		"session_id": s.ID,
		"code":       s.Code,
		"host":       s.HostName,
	}).Info("Session created")
	return s, c, nil
}

// Get returns the coordinator for sessionID
func (m *Manager) Get(sessionID string) (*coordinator.Coordinator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.byID[sessionID]
	if !ok {
		return nil, models.Errorf(models.KindNotFound, "session %q not found", sessionID)
	}
	return c, nil
}

// GetByCode returns the coordinator for an invite code
func (m *Manager) GetByCode(code string) (*coordinator.Coordinator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCode[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, models.Errorf(models.KindNotFound, "no session with code %q", code)
	}
	return m.byID[id], nil
}

// Close tears a session down and disconnects its subscribers
func (m *Manager) Close(sessionID, reason string) error {
	m.mu.Lock()
	c, ok := m.byID[sessionID]
	if ok {
		delete(m.byID, sessionID)
		delete(m.byCode, c.Session().Code)
	}
	m.mu.Unlock()

	if !ok {
		return models.Errorf(models.KindNotFound, "session %q not found", sessionID)
	}

	c.Close()
	if m.opts.Journal != nil {
		m.opts.Journal.SessionClosed(sessionID, reason)
	}
	if m.opts.OnClose != nil {
		m.opts.OnClose(sessionID, reason)
	}
	m.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"reason":     reason,
	}).Info("Session closed")
	return nil
}

// List returns every live session
func (m *Manager) List() []models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return lo.MapToSlice(m.byID, func(_ string, c *coordinator.Coordinator) models.Session {
		return c.Session()
	})
}

// Stats counts live sessions and subscribers
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{Sessions: len(m.byID)}
	for _, c := range m.byID {
		stats.Subscribers += c.Subscribers()
	}
	return stats
}

// Shutdown closes every session and stops idle expiry
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	m.closed = true
	ids := lo.Keys(m.byID)
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Close(id, "shutdown")
	}
}

// expireIdleSessions periodically closes idle sessions
func (m *Manager) expireIdleSessions() {
	ticker := time.NewTicker(m.opts.IdleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			for _, id := range m.idleSessions(time.Now()) {
				_ = m.Close(id, "idle")
			}
		}
	}
}

func (m *Manager) idleSessions(now time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var idle []string
	for id, c := range m.byID {
		if c.Subscribers() == 0 && now.Sub(c.LastActivity()) > m.opts.IdleTimeout {
			idle = append(idle, id)
		}
	}
	return idle
}

// uniqueCode generates an invite code not in use (must be called with lock held)
func (m *Manager) uniqueCode() (string, error) {
	for attempt := 0; attempt < 16; attempt++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		if _, taken := m.byCode[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique invite code")
}

// generateCode creates a six character upper-case hex invite code
func generateCode() (string, error) {
	bytes := make([]byte, 3)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate invite code: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(bytes)), nil
}

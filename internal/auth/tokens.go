package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"tandem/pkg/models"

	"github.com/sirupsen/logrus"
)

// HeaderName carries the session token on HTTP requests
const HeaderName = "X-Session-Token"

// Grant is an issued token and the identity it resolves to
type Grant struct {
	Token     string          `json:"token"`
	Identity  models.Identity `json:"identity"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
}

func (g *Grant) expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt)
}

// TokenStore resolves opaque tokens to session identities
type TokenStore struct {
	grants map[string]*Grant
	mutex  sync.RWMutex
	ttl    time.Duration
	logger *logrus.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewTokenStore creates a token store. Tokens idle for longer than ttl stop
// resolving; a zero ttl never expires them.
func NewTokenStore(ttl time.Duration, logger *logrus.Logger) *TokenStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ts := &TokenStore{
		grants: make(map[string]*Grant),
		ttl:    ttl,
		logger: logger,
		stop:   make(chan struct{}),
	}

	if ttl > 0 {
		go ts.cleanupExpiredTokens(ttl)
	}

	return ts
}

// Issue creates a token for identity
func (ts *TokenStore) Issue(identity models.Identity) (*Grant, error) {
	if identity.ID == "" || identity.SessionID == "" {
		return nil, fmt.Errorf("identity must name a participant and a session")
	}

	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	now := time.Now().UTC()
	grant := &Grant{
		Token:     token,
		Identity:  identity,
		CreatedAt: now,
	}
	if ts.ttl > 0 {
		grant.ExpiresAt = now.Add(ts.ttl)
	}

	ts.mutex.Lock()
	ts.grants[token] = grant
	ts.mutex.Unlock()

	ts.logger.WithFields(logrus.Fields{
		"session_id":  identity.SessionID,
		"identity_id": identity.ID,
		"role":        identity.Role,
	}).Debug("Token issued")

	return grant, nil
}

// Resolve returns the identity bound to token and extends its lifetime
func (ts *TokenStore) Resolve(token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, models.Errorf(models.KindUnauthorized, "missing session token")
	}

	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	grant, exists := ts.grants[token]
	if !exists {
		return models.Identity{}, models.Errorf(models.KindUnauthorized, "unknown session token")
	}

	now := time.Now().UTC()
	if grant.expired(now) {
		delete(ts.grants, token)
		return models.Identity{}, models.Errorf(models.KindUnauthorized, "session token expired")
	}

	if ts.ttl > 0 {
		grant.ExpiresAt = now.Add(ts.ttl)
	}
	return grant.Identity, nil
}

// FromRequest resolves the token carried in the request header, falling back
// to the token query parameter for WebSocket upgrades
func (ts *TokenStore) FromRequest(r *http.Request) (models.Identity, error) {
	token := strings.TrimSpace(r.Header.Get(HeaderName))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return ts.Resolve(token)
}

// RevokeSession removes every token issued for sessionID
func (ts *TokenStore) RevokeSession(sessionID string) int {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	revoked := 0
	for token, grant := range ts.grants {
		if grant.Identity.SessionID == sessionID {
			delete(ts.grants, token)
			revoked++
		}
	}
	return revoked
}

// Len returns the number of live tokens
func (ts *TokenStore) Len() int {
	ts.mutex.RLock()
	defer ts.mutex.RUnlock()
	return len(ts.grants)
}

// Stop halts background cleanup
func (ts *TokenStore) Stop() {
	ts.stopOnce.Do(func() { close(ts.stop) })
}

// cleanupExpiredTokens periodically removes expired tokens
func (ts *TokenStore) cleanupExpiredTokens(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ts.stop:
			return
		case <-ticker.C:
			now := time.Now().UTC()
			ts.mutex.Lock()

			for token, grant := range ts.grants {
				if grant.expired(now) {
					delete(ts.grants, token)
				}
			}

			ts.mutex.Unlock()
		}
	}
}

// generateToken generates a cryptographically secure token
func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

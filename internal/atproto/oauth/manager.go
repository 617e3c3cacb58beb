package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"atoauth/internal/seal"
	"atoauth/internal/storage"
)

const (
	sessionKeyPrefix     = "atproto:session:"
	stateKeyPrefix       = "atproto:state:"
	sessionLockKeyPrefix = "atproto:lock:session:"

	// SessionLockTTL bounds how long a session mutation may hold the lock.
	SessionLockTTL = 30 * time.Second

	sessionRecordType = "session"
)

// Manager persists sessions as encrypted envelopes and serializes all
// mutations of one session behind a storage lock.
type Manager struct {
	store      storage.Storage
	codec      *seal.Codec
	log        *slog.Logger
	sessionTTL time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSessionTTL sets a storage TTL on session records. Zero (the default)
// keeps sessions until removed.
func WithSessionTTL(d time.Duration) ManagerOption {
	return func(m *Manager) { m.sessionTTL = d }
}

// WithManagerLogger overrides the logger.
func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a session manager over the given storage and codec.
func NewManager(store storage.Storage, codec *seal.Codec, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		codec: codec,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sessionKey(id string) string     { return sessionKeyPrefix + id }
func stateKey(state string) string    { return stateKeyPrefix + state }
func sessionLockKey(id string) string { return sessionLockKeyPrefix + id }

// CreateSession generates a new session with fresh PKCE material and a state
// token, and persists it together with the state mapping under the session
// lock.
func (m *Manager) CreateSession(ctx context.Context, clientID, scope string) (*Session, error) {
	verifier, err := GenerateVerifier(DefaultVerifierLength)
	if err != nil {
		return nil, err
	}
	challenge, err := GenerateChallenge(verifier)
	if err != nil {
		return nil, err
	}
	state, err := GenerateStateToken()
	if err != nil {
		return nil, err
	}

	session := &Session{
		SessionID:     uuid.NewString(),
		StateToken:    state,
		ClientID:      clientID,
		Scope:         scope,
		PKCEVerifier:  verifier,
		PKCEChallenge: challenge,
	}

	if err := m.writeLocked(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// UpdateSession persists a mutated session under its lock, rewriting the
// state mapping.
func (m *Manager) UpdateSession(ctx context.Context, session *Session) error {
	if session.SessionID == "" {
		return fmt.Errorf("session has no id")
	}
	return m.writeLocked(ctx, session)
}

func (m *Manager) writeLocked(ctx context.Context, session *Session) error {
	return storage.WithLock(ctx, m.store, sessionLockKey(session.SessionID), SessionLockTTL, func() error {
		return m.persist(ctx, session)
	})
}

// persist writes the session envelope and state mapping. The caller must
// hold the session lock; the lock is not reentrant.
func (m *Manager) persist(ctx context.Context, session *Session) error {
	raw, err := m.codec.Marshal(sessionRecordType, session)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}
	if err := m.store.Set(ctx, sessionKey(session.SessionID), raw, m.sessionTTL); err != nil {
		return err
	}
	return m.store.Set(ctx, stateKey(session.StateToken), []byte(session.SessionID), m.sessionTTL)
}

// GetSession loads a session. A session whose tokens are expired and not
// renewable is treated as gone and reaped. Storage failures on the read path
// are logged and reported as not found.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := m.store.Get(ctx, sessionKey(sessionID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		m.log.Error("session read failed", "session_id", sessionID, "error", err)
		return nil, ErrSessionNotFound
	}

	var session Session
	if err := m.codec.Unmarshal(raw, sessionRecordType, &session); err != nil {
		m.log.Error("session deserialization failed", "session_id", sessionID, "error", err)
		return nil, ErrSessionNotFound
	}

	if session.Tokens != nil && session.Tokens.Expired() && !session.Tokens.Renewable() {
		if err := m.RemoveSession(ctx, sessionID); err != nil {
			m.log.Error("failed to reap dead session", "session_id", sessionID, "error", err)
		}
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

// GetSessionByState resolves a state token to its session.
func (m *Manager) GetSessionByState(ctx context.Context, state string) (*Session, error) {
	raw, err := m.store.Get(ctx, stateKey(state))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		m.log.Error("state read failed", "error", err)
		return nil, ErrSessionNotFound
	}
	return m.GetSession(ctx, string(raw))
}

// RemoveSession deletes a session and its state mapping under the session
// lock.
func (m *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	raw, err := m.store.Get(ctx, sessionKey(sessionID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var session Session
	state := ""
	if err := m.codec.Unmarshal(raw, sessionRecordType, &session); err != nil {
		m.log.Error("removing undecodable session", "session_id", sessionID, "error", err)
	} else {
		state = session.StateToken
	}

	return storage.WithLock(ctx, m.store, sessionLockKey(sessionID), SessionLockTTL, func() error {
		if err := m.store.Delete(ctx, sessionKey(sessionID)); err != nil {
			return err
		}
		if state != "" {
			return m.store.Delete(ctx, stateKey(state))
		}
		return nil
	})
}

// WithSessionLock runs fn while holding the session's mutation lock. Token
// exchange and refresh use this so their read-modify-write cycles do not
// interleave.
func (m *Manager) WithSessionLock(ctx context.Context, sessionID string, fn func() error) error {
	return storage.WithLock(ctx, m.store, sessionLockKey(sessionID), SessionLockTTL, fn)
}

package dpop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"atoauth/internal/atproto/atutil"
	"atoauth/internal/seal"
	"atoauth/internal/storage"
)

// DefaultNonceTTL is how long a server-issued nonce is kept.
const DefaultNonceTTL = 300 * time.Second

const nonceKeyPrefix = "atproto:nonce:"

// StoredNonce is the persisted form of a server-issued DPoP nonce.
type StoredNonce struct {
	Value     string    `json:"value"`
	ServerURL string    `json:"server_url"`
	Timestamp time.Time `json:"timestamp"`
}

// NonceManager tracks the latest DPoP nonce per server origin. Nonces are
// stored as encrypted envelopes with a TTL; expiry is the storage backend's
// concern.
type NonceManager struct {
	store storage.Storage
	codec *seal.Codec
	ttl   time.Duration
}

// NonceOption configures a NonceManager.
type NonceOption func(*NonceManager)

// WithNonceTTL overrides the nonce lifetime.
func WithNonceTTL(d time.Duration) NonceOption {
	return func(m *NonceManager) { m.ttl = d }
}

// NewNonceManager creates a nonce manager over the given storage.
func NewNonceManager(store storage.Storage, codec *seal.Codec, opts ...NonceOption) *NonceManager {
	m := &NonceManager{store: store, codec: codec, ttl: DefaultNonceTTL}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Update records the nonce a server just issued, keyed by the server's
// canonical origin.
func (m *NonceManager) Update(ctx context.Context, nonce, serverURL string) error {
	origin, err := atutil.ServerOrigin(serverURL)
	if err != nil {
		return fmt.Errorf("failed to derive server origin: %w", err)
	}

	raw, err := m.codec.Marshal("nonce", &StoredNonce{
		Value:     nonce,
		ServerURL: origin,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to serialize nonce: %w", err)
	}
	return m.store.Set(ctx, nonceKeyPrefix+origin, raw, m.ttl)
}

// Get returns the stored nonce for a server origin, or "" when none is
// known.
func (m *NonceManager) Get(ctx context.Context, serverURL string) (string, error) {
	origin, err := atutil.ServerOrigin(serverURL)
	if err != nil {
		return "", fmt.Errorf("failed to derive server origin: %w", err)
	}

	raw, err := m.store.Get(ctx, nonceKeyPrefix+origin)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var stored StoredNonce
	if err := m.codec.Unmarshal(raw, "nonce", &stored); err != nil {
		return "", fmt.Errorf("failed to deserialize nonce: %w", err)
	}
	return stored.Value, nil
}

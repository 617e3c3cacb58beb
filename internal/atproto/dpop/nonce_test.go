package dpop

import (
	"context"
	"net/http"
	"testing"
	"time"

	"atoauth/internal/seal"
	"atoauth/internal/storage"
)

func newTestNonceManager(t *testing.T, opts ...NonceOption) (*NonceManager, storage.Storage) {
	t.Helper()

	master, err := seal.GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	sealer, err := seal.New(master)
	if err != nil {
		t.Fatalf("seal.New: %v", err)
	}
	store := storage.NewMemoryStorage()
	return NewNonceManager(store, seal.NewCodec(sealer), opts...), store
}

func TestNonceManagerRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestNonceManager(t)

	if err := m.Update(ctx, "nonce-1", "https://pds.example.com/oauth/par"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := m.Get(ctx, "https://pds.example.com/some/other/path")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "nonce-1" {
		t.Errorf("nonce = %q, want nonce-1 (keyed by origin, not path)", got)
	}
}

func TestNonceManagerOriginCanonicalization(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestNonceManager(t)

	if err := m.Update(ctx, "nonce-1", "https://pds.example.com:443/x"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := m.Get(ctx, "https://PDS.example.com/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "nonce-1" {
		t.Errorf("nonce = %q; default port and case must collapse to one origin", got)
	}

	other, err := m.Get(ctx, "https://pds.example.com:8443/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if other != "" {
		t.Errorf("nonce = %q for distinct origin, want empty", other)
	}
}

func TestNonceManagerUnknownOrigin(t *testing.T) {
	m, _ := newTestNonceManager(t)

	got, err := m.Get(context.Background(), "https://unknown.example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "" {
		t.Errorf("nonce = %q, want empty", got)
	}
}

func TestNonceManagerRejectsPlainHTTP(t *testing.T) {
	m, _ := newTestNonceManager(t)

	if err := m.Update(context.Background(), "n", "http://pds.example.com"); err == nil {
		t.Fatal("plain http origin accepted, want rejection")
	}
	if err := m.Update(context.Background(), "n", "http://localhost:3000"); err != nil {
		t.Fatalf("localhost http rejected: %v", err)
	}
}

func TestNonceManagerTTL(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestNonceManager(t, WithNonceTTL(30*time.Millisecond))

	if err := m.Update(ctx, "nonce-1", "https://pds.example.com"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	got, err := m.Get(ctx, "https://pds.example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "" {
		t.Errorf("nonce = %q after TTL, want empty", got)
	}
}

func TestClientAutoNonce(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestNonceManager(t)

	km, err := NewKeyManager()
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	c := NewClient(km, m)

	if err := m.Update(ctx, "stored-nonce", "https://pds.example.com"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	proof, err := c.GenerateProof(ctx, "POST", "https://pds.example.com/oauth/token", "", "")
	if err != nil {
		t.Fatalf("GenerateProof: %v", err)
	}
	_, claims := decodeProof(t, proof)
	if claims["nonce"] != "stored-nonce" {
		t.Errorf("nonce = %v, want the stored nonce", claims["nonce"])
	}

	// An explicit nonce wins over the stored one.
	proof, err = c.GenerateProof(ctx, "POST", "https://pds.example.com/oauth/token", "", "explicit")
	if err != nil {
		t.Fatalf("GenerateProof: %v", err)
	}
	_, claims = decodeProof(t, proof)
	if claims["nonce"] != "explicit" {
		t.Errorf("nonce = %v, want explicit", claims["nonce"])
	}
}

func TestClientProcessResponse(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestNonceManager(t)

	km, err := NewKeyManager()
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	c := NewClient(km, m)

	headers := http.Header{}
	headers.Set("dpop-nonce", "fresh-nonce")

	if err := c.ProcessResponse(ctx, headers, "https://pds.example.com/oauth/par"); err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}

	got, err := m.Get(ctx, "https://pds.example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "fresh-nonce" {
		t.Errorf("nonce = %q, want fresh-nonce", got)
	}

	// No header means no update and no error.
	if err := c.ProcessResponse(ctx, http.Header{}, "https://pds.example.com"); err != nil {
		t.Fatalf("ProcessResponse without header: %v", err)
	}
	got, _ = m.Get(ctx, "https://pds.example.com")
	if got != "fresh-nonce" {
		t.Errorf("nonce = %q, must be unchanged", got)
	}
}

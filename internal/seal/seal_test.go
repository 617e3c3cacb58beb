package seal

import (
	"bytes"
	"testing"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	key, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	s, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	if _, err := New([]byte("short")); err == nil {
		t.Error("expected error for short master key")
	}
	if _, err := New(make([]byte, 64)); err == nil {
		t.Error("expected error for oversized master key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := newTestSealer(t)

	plaintext := []byte("refresh-token-value-123")
	env, err := s.Encrypt(plaintext, "data.refresh_token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if env.Version != EnvelopeVersion {
		t.Errorf("envelope version = %d", env.Version)
	}
	if env.IV == "" || env.Data == "" || env.Tag == "" {
		t.Errorf("incomplete envelope: %+v", env)
	}

	got, err := s.Decrypt(env, "data.refresh_token")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip = %q, want %q", got, plaintext)
	}
}

func TestDecryptWrongContextFails(t *testing.T) {
	s := newTestSealer(t)

	env, err := s.Encrypt([]byte("secret"), "data.access_token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := s.Decrypt(env, "data.refresh_token"); err == nil {
		t.Error("decryption with a different context succeeded")
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	s := newTestSealer(t)

	env, err := s.Encrypt([]byte("secret"), "data.access_token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tampered := *env
	tampered.Tag = env.IV // any valid base64 of the wrong content
	if _, err := s.Decrypt(&tampered, "data.access_token"); err == nil {
		t.Error("decryption of tampered envelope succeeded")
	}
}

func TestEncryptUniqueIVs(t *testing.T) {
	s := newTestSealer(t)

	a, err := s.Encrypt([]byte("x"), "ctx")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Encrypt([]byte("x"), "ctx")
	if err != nil {
		t.Fatal(err)
	}
	if a.IV == b.IV {
		t.Error("two encryptions produced the same IV")
	}
	if a.Data == b.Data {
		t.Error("two encryptions produced the same ciphertext")
	}
}

func TestDifferentMastersCannotDecrypt(t *testing.T) {
	a := newTestSealer(t)
	b := newTestSealer(t)

	env, err := a.Encrypt([]byte("secret"), "ctx")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(env, "ctx"); err == nil {
		t.Error("decryption under a different master key succeeded")
	}
}

// Package seal encrypts sensitive session material at rest. Tokens, PKCE
// verifiers and private key components are sealed with AES-256-GCM using a
// per-context key derived from the process master key via HKDF-SHA256, so a
// value sealed for one field cannot be replayed into another.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// EnvelopeVersion identifies the sealed envelope format.
	EnvelopeVersion = 1

	// MasterKeySize is the required master key length in bytes.
	MasterKeySize = 32

	nonceSize = 12
	tagSize   = 16
)

// Envelope is the wire form of a sealed value. The IV is 12 random bytes,
// the GCM tag is carried separately so the shape is self-describing.
type Envelope struct {
	Version int    `json:"version"`
	IV      string `json:"iv"`
	Data    string `json:"data"`
	Tag     string `json:"tag"`
}

// Sealer derives per-context keys from a master key and performs
// authenticated encryption. It is safe for concurrent use.
type Sealer struct {
	master []byte
}

// New creates a Sealer from a 32-byte master key.
func New(master []byte) (*Sealer, error) {
	if len(master) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(master))
	}
	key := make([]byte, MasterKeySize)
	copy(key, master)
	return &Sealer{master: key}, nil
}

// GenerateMasterKey returns a fresh random 32-byte master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext for the given context. The context is the dotted
// JSON path of the field being sealed (e.g. "data.access_token"); it selects
// the derived key and is bound into the ciphertext as additional data.
func (s *Sealer) Encrypt(plaintext []byte, context string) (*Envelope, error) {
	gcm, err := s.aead(context)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, []byte(context))
	if len(sealed) < tagSize {
		return nil, fmt.Errorf("sealed output too short")
	}
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return &Envelope{
		Version: EnvelopeVersion,
		IV:      base64.StdEncoding.EncodeToString(iv),
		Data:    base64.StdEncoding.EncodeToString(ciphertext),
		Tag:     base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt opens an envelope sealed for the given context. Decryption with a
// different context fails authentication.
func (s *Sealer) Decrypt(env *Envelope, context string) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	if env.Version != EnvelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", env.Version)
	}

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("invalid IV encoding: %w", err)
	}
	if len(iv) != nonceSize {
		return nil, fmt.Errorf("invalid IV length %d", len(iv))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid data encoding: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("invalid tag encoding: %w", err)
	}
	if len(tag) != tagSize {
		return nil, fmt.Errorf("invalid tag length %d", len(tag))
	}

	gcm, err := s.aead(context)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, []byte(context))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// aead builds the AES-256-GCM cipher for a context. Keys are derived as
// HKDF-SHA256(master, salt=SHA256("atproto-salt-"+context), info="atproto-"+context).
func (s *Sealer) aead(context string) (cipher.AEAD, error) {
	salt := sha256.Sum256([]byte("atproto-salt-" + context))
	reader := hkdf.New(sha256.New, s.master, salt[:], []byte("atproto-"+context))

	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

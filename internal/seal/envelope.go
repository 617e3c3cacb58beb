package seal

import (
	"encoding/json"
	"fmt"
	"time"
)

// sensitiveFields are the JSON field names whose string values are sealed
// inside stored records: OAuth tokens, the PKCE verifier, and the EC private
// key component of a serialized JWK.
var sensitiveFields = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"pkce_verifier": true,
	"d":             true,
}

// record is the versioned storage envelope wrapped around every value the
// library persists.
type record struct {
	Version   int             `json:"version"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// Codec serializes values into versioned envelopes, sealing sensitive fields
// on the way in and opening them on the way out. Sensitive values are found
// by walking the parsed JSON tree with a path stack, so nested structures
// (JWKs inside sessions, for example) are covered without reflection.
type Codec struct {
	sealer *Sealer
}

// NewCodec creates a Codec backed by the given Sealer.
func NewCodec(s *Sealer) *Codec {
	return &Codec{sealer: s}
}

// Marshal wraps v in a typed envelope and seals its sensitive fields.
func (c *Codec) Marshal(recordType string, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", recordType, err)
	}

	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("failed to re-parse %s: %w", recordType, err)
	}

	sealed, err := c.sealTree(tree, "data")
	if err != nil {
		return nil, fmt.Errorf("failed to seal %s: %w", recordType, err)
	}

	data, err := json.Marshal(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sealed %s: %w", recordType, err)
	}

	now := time.Now().UTC()
	return json.Marshal(record{
		Version:   EnvelopeVersion,
		Type:      recordType,
		CreatedAt: now,
		UpdatedAt: now,
		Data:      data,
	})
}

// Unmarshal opens an envelope of the expected type into v, decrypting any
// sealed fields.
func (c *Codec) Unmarshal(raw []byte, recordType string, v any) error {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	if rec.Version != EnvelopeVersion {
		return fmt.Errorf("unsupported envelope version %d", rec.Version)
	}
	if rec.Type != recordType {
		return fmt.Errorf("envelope type mismatch: got %q, want %q", rec.Type, recordType)
	}

	var tree any
	if err := json.Unmarshal(rec.Data, &tree); err != nil {
		return fmt.Errorf("invalid envelope data: %w", err)
	}

	opened, err := c.openTree(tree, "data")
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", recordType, err)
	}

	data, err := json.Marshal(opened)
	if err != nil {
		return fmt.Errorf("failed to marshal opened %s: %w", recordType, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", recordType, err)
	}
	return nil
}

// sealTree walks the parsed JSON tree and replaces sensitive string values
// with sealed envelopes. The path argument is the dotted location of node,
// which becomes the encryption context.
func (c *Codec) sealTree(node any, path string) (any, error) {
	switch val := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, child := range val {
			childPath := path + "." + key
			if s, ok := child.(string); ok && sensitiveFields[key] && s != "" {
				env, err := c.sealer.Encrypt([]byte(s), childPath)
				if err != nil {
					return nil, err
				}
				out[key] = envelopeToMap(env)
				continue
			}
			sealed, err := c.sealTree(child, childPath)
			if err != nil {
				return nil, err
			}
			out[key] = sealed
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			sealed, err := c.sealTree(child, fmt.Sprintf("%s.%d", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = sealed
		}
		return out, nil
	default:
		return node, nil
	}
}

// openTree is the inverse of sealTree: sealed envelope objects are detected
// by shape and decrypted back into strings.
func (c *Codec) openTree(node any, path string) (any, error) {
	switch val := node.(type) {
	case map[string]any:
		if env, ok := envelopeFromMap(val); ok {
			plaintext, err := c.sealer.Decrypt(env, path)
			if err != nil {
				return nil, err
			}
			return string(plaintext), nil
		}
		out := make(map[string]any, len(val))
		for key, child := range val {
			opened, err := c.openTree(child, path+"."+key)
			if err != nil {
				return nil, err
			}
			out[key] = opened
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			opened, err := c.openTree(child, fmt.Sprintf("%s.%d", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = opened
		}
		return out, nil
	default:
		return node, nil
	}
}

func envelopeToMap(env *Envelope) map[string]any {
	return map[string]any{
		"version": env.Version,
		"iv":      env.IV,
		"data":    env.Data,
		"tag":     env.Tag,
	}
}

// envelopeFromMap detects the sealed envelope shape: exactly the keys
// version, iv, data and tag with the expected types.
func envelopeFromMap(m map[string]any) (*Envelope, bool) {
	if len(m) != 4 {
		return nil, false
	}
	version, ok := m["version"].(float64)
	if !ok {
		return nil, false
	}
	iv, ok := m["iv"].(string)
	if !ok {
		return nil, false
	}
	data, ok := m["data"].(string)
	if !ok {
		return nil, false
	}
	tag, ok := m["tag"].(string)
	if !ok {
		return nil, false
	}
	return &Envelope{Version: int(version), IV: iv, Data: data, Tag: tag}, true
}

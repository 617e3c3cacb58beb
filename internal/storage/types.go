// Package storage provides the key/value storage abstraction the OAuth core
// persists its state in: sessions, state mappings, DPoP nonces and locks.
// Backends must be safe for concurrent use from many goroutines; the memory
// implementation suits development and tests, Redis and Postgres suit
// multi-process deployments.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when a key does not exist or has expired.
var ErrNotFound = errors.New("storage: key not found")

// LockError is returned when a lock cannot be acquired within the wait
// budget. Lock contention is expected under concurrent session mutation;
// callers treat this as a transient infrastructure failure.
type LockError struct {
	Key string
}

func (e *LockError) Error() string {
	return fmt.Sprintf("storage: could not acquire lock %q", e.Key)
}

// Code returns the stable machine code for this error kind.
func (*LockError) Code() string { return "lock_error" }

// StorageError wraps backend failures with the operation and key involved.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Code returns the stable machine code for this error kind.
func (*StorageError) Code() string { return "storage_error" }

// Storage is the contract every backend implements. A TTL of zero means the
// key does not expire. AcquireLock must be atomic (SETNX-style); locks expire
// on their TTL so a crashed holder cannot deadlock the system.
type Storage interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with an optional TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// MultiGet returns the present values for keys; missing keys are simply
	// absent from the result.
	MultiGet(ctx context.Context, keys []string) (map[string][]byte, error)

	// MultiSet stores all values with a shared TTL.
	MultiSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error

	// AcquireLock atomically takes the named lock for ttl. It returns false
	// without error when the lock is already held.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// ReleaseLock releases the named lock. Releasing an expired or missing
	// lock is not an error.
	ReleaseLock(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

const lockRetryInterval = 50 * time.Millisecond

// WithLock runs fn while holding the named lock, polling briefly when the
// lock is contended. The lock is released on every exit path, including
// panics and fn errors. When the lock cannot be acquired before ctx is done
// or the ttl has elapsed, a LockError is returned.
func WithLock(ctx context.Context, s Storage, key string, ttl time.Duration, fn func() error) error {
	deadline := time.Now().Add(ttl)
	for {
		ok, err := s.AcquireLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return &LockError{Key: key}
		}
		select {
		case <-ctx.Done():
			return &LockError{Key: key}
		case <-time.After(lockRetryInterval):
		}
	}

	defer func() {
		// Best effort: the TTL reclaims the lock if the release fails.
		_ = s.ReleaseLock(context.WithoutCancel(ctx), key)
	}()

	return fn()
}

package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorageSetGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()

	require.NoError(t, s.Set(ctx, "atproto:session:a", []byte("v1"), 0))

	got, err := s.Get(ctx, "atproto:session:a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorageTTLExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 30*time.Millisecond))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	time.Sleep(60 * time.Millisecond)

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStorageDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k")) // idempotent

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorageMultiGetSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()

	require.NoError(t, s.MultiSet(ctx, map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
	}, 0))

	got, err := s.MultiGet(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []byte("1"), got["a"])
	assert.Equal(t, []byte("2"), got["b"])
	assert.NotContains(t, got, "c")
}

func TestMemoryStorageGetReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()

	require.NoError(t, s.Set(ctx, "k", []byte("abc"), 0))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	got[0] = 'z'

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestMemoryStorageLocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()

	ok, err := s.AcquireLock(ctx, "lock:x", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second acquisition fails while held.
	ok, err = s.AcquireLock(ctx, "lock:x", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLock(ctx, "lock:x"))

	ok, err = s.AcquireLock(ctx, "lock:x", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStorageLockTTLExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()

	ok, err := s.AcquireLock(ctx, "lock:x", 30*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)

	ok, err = s.AcquireLock(ctx, "lock:x", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock should be acquirable")
}

func TestMemoryStorageConcurrentAccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := "k"
			for j := 0; j < 50; j++ {
				_ = s.Set(ctx, key, []byte{byte(n)}, 0)
				_, _ = s.Get(ctx, key)
				_, _ = s.Exists(ctx, key)
			}
		}(i)
	}
	wg.Wait()
}

func TestWithLockReleasesOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()

	sentinel := errors.New("boom")
	err := WithLock(ctx, s, "lock:y", time.Second, func() error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	// The lock must have been released despite the error.
	ok, err := s.AcquireLock(ctx, "lock:y", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithLockMutualExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(ctx, s, "lock:ctr", 5*time.Second, func() error {
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, counter)
}

func TestWithLockContended(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStorage()

	ok, err := s.AcquireLock(ctx, "lock:z", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	// WithLock must wait for the TTL to lapse, then proceed.
	start := time.Now()
	err = WithLock(ctx, s, "lock:z", time.Second, func() error { return nil })
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

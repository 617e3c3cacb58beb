package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStorage implements Storage on PostgreSQL. Expiry is enforced by
// filtering on expires_at at read time; stale rows are reaped
// opportunistically. Locks ride an upsert that only steals expired rows, so
// acquisition is atomic.
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage connects to Postgres and runs the schema migration.
func NewPostgresStorage(ctx context.Context, databaseURL string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStorage{db: db}, nil
}

// Get implements Storage.
func (p *PostgresStorage) Get(ctx context.Context, key string) ([]byte, error) {
	const query = `
		SELECT value FROM atoauth_kv
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`
	var value []byte
	err := p.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Key: key, Err: err}
	}
	return value, nil
}

// Set implements Storage.
func (p *PostgresStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	const query = `
		INSERT INTO atoauth_kv (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()
	`
	if _, err := p.db.ExecContext(ctx, query, key, value, expiry(ttl)); err != nil {
		return &StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Delete implements Storage.
func (p *PostgresStorage) Delete(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM atoauth_kv WHERE key = $1`, key); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// Exists implements Storage.
func (p *PostgresStorage) Exists(ctx context.Context, key string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM atoauth_kv
			WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
		)
	`
	var exists bool
	if err := p.db.QueryRowContext(ctx, query, key).Scan(&exists); err != nil {
		return false, &StorageError{Op: "exists", Key: key, Err: err}
	}
	return exists, nil
}

// MultiGet implements Storage.
func (p *PostgresStorage) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	const query = `
		SELECT key, value FROM atoauth_kv
		WHERE key = ANY($1) AND (expires_at IS NULL OR expires_at > NOW())
	`
	rows, err := p.db.QueryContext(ctx, query, pq.Array(keys))
	if err != nil {
		return nil, &StorageError{Op: "multi_get", Key: keys[0], Err: err}
	}
	defer rows.Close()

	out := make(map[string][]byte, len(keys))
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, &StorageError{Op: "multi_get", Key: key, Err: err}
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "multi_get", Key: keys[0], Err: err}
	}
	return out, nil
}

// MultiSet implements Storage. Writes run in one transaction so readers see
// either the whole batch or none of it.
func (p *PostgresStorage) MultiSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "multi_set", Key: "", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `
		INSERT INTO atoauth_kv (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()
	`
	exp := expiry(ttl)
	for key, value := range values {
		if _, err := tx.ExecContext(ctx, query, key, value, exp); err != nil {
			return &StorageError{Op: "multi_set", Key: key, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "multi_set", Key: "", Err: err}
	}
	return nil
}

// AcquireLock implements Storage. The upsert only replaces rows whose lease
// has lapsed, so a held lock cannot be stolen.
func (p *PostgresStorage) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	const query = `
		INSERT INTO atoauth_locks (key, expires_at)
		VALUES ($1, NOW() + $2::interval)
		ON CONFLICT (key) DO UPDATE
		SET expires_at = EXCLUDED.expires_at
		WHERE atoauth_locks.expires_at <= NOW()
		RETURNING key
	`
	interval := fmt.Sprintf("%f seconds", ttl.Seconds())
	var got string
	err := p.db.QueryRowContext(ctx, query, key, interval).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "acquire_lock", Key: key, Err: err}
	}
	return true, nil
}

// ReleaseLock implements Storage.
func (p *PostgresStorage) ReleaseLock(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM atoauth_locks WHERE key = $1`, key); err != nil {
		return &StorageError{Op: "release_lock", Key: key, Err: err}
	}
	return nil
}

// Close implements Storage.
func (p *PostgresStorage) Close() error {
	return p.db.Close()
}

// ReapExpired removes expired rows. Deployments run this periodically; it is
// not required for correctness since reads filter on expiry.
func (p *PostgresStorage) ReapExpired(ctx context.Context) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM atoauth_kv WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, &StorageError{Op: "reap", Key: "", Err: err}
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, &StorageError{Op: "reap", Key: "", Err: err}
	}
	return n, nil
}

func expiry(ttl time.Duration) sql.NullTime {
	if ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Cache keys used by the reconciler.
const (
	CacheRemoteSessions = "remote-session-list"
	CacheRemoteTags     = "remote-tag-list"
)

type CacheMeta struct {
	Key      string
	SyncedAt time.Time
	Expires  time.Time // zero when no explicit expiry
	Version  int64
}

// TouchCache records a successful refresh and bumps the version counter.
func (s *Store) TouchCache(ctx context.Context, key string, expires time.Time) error {
	var exp any
	if !expires.IsZero() {
		exp = expires.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_meta (key, synced_at, expires_at, version) VALUES (?, ?, ?, 1)
		ON CONFLICT(key) DO UPDATE SET
			synced_at = excluded.synced_at,
			expires_at = excluded.expires_at,
			version = version + 1
	`, key, time.Now().Unix(), exp)
	if err != nil {
		return fmt.Errorf("touching cache meta: %w", err)
	}
	return nil
}

func (s *Store) CacheMeta(ctx context.Context, key string) (*CacheMeta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, synced_at, expires_at, version FROM cache_meta WHERE key = ?`, key)
	var m CacheMeta
	var syncedAt int64
	var expires sql.NullInt64
	if err := row.Scan(&m.Key, &syncedAt, &expires, &m.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning cache meta: %w", err)
	}
	m.SyncedAt = time.Unix(syncedAt, 0)
	if expires.Valid {
		m.Expires = time.Unix(expires.Int64, 0)
	}
	return &m, nil
}

// CacheStale reports whether a key is older than the freshness window.
// Unknown keys are stale. Stale data is still served; staleness only flags
// a background refresh, it never blocks a read.
func (s *Store) CacheStale(ctx context.Context, key string, freshFor time.Duration) (bool, error) {
	m, err := s.CacheMeta(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	if !m.Expires.IsZero() && time.Now().After(m.Expires) {
		return true, nil
	}
	return time.Since(m.SyncedAt) > freshFor, nil
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss is returned when no live entry exists for a key.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry is returned when a stored value does not decode as an Entry.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Manager keeps Entries in Redis. Every key carries a Redis TTL matching
// the entry's Expires, so stale pages disappear without a sweeper.
type Manager struct {
	rdb redis.UniversalClient
}

// NewManager wraps rdb. It panics on a nil client since a Manager without
// a backend has no meaningful behaviour.
func NewManager(rdb redis.UniversalClient) *Manager {
	if rdb == nil {
		panic("cache: nil redis client")
	}
	return &Manager{rdb: rdb}
}

// Get returns the live entry stored under key, or ErrCacheMiss.
func (m *Manager) Get(ctx context.Context, key Key) (*Entry, error) {
	entry, err := m.load(ctx, key, "get")
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			CacheMisses.Inc()
		}
		return nil, err
	}
	CacheHits.Inc()
	return entry, nil
}

// Set writes entry with a TTL running until entry.Expires. An entry that
// has already expired is silently skipped.
func (m *Manager) Set(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache: nil entry for %s", key)
	}
	return m.store(ctx, key, entry, redis.SetArgs{})
}

// Delete drops the entry stored under key, if any.
func (m *Manager) Delete(ctx context.Context, key Key) error {
	if err := m.rdb.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Refresh gives an existing entry a new expiry, typically after a
// 304 Not Modified. It never recreates an entry that vanished in between.
func (m *Manager) Refresh(ctx context.Context, key Key, expires time.Time) error {
	entry, err := m.load(ctx, key, "refresh")
	if err != nil {
		return err
	}
	entry.Expires = expires
	return m.store(ctx, key, entry, redis.SetArgs{Mode: "XX"})
}

// Ping reports whether Redis answers.
func (m *Manager) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

// load fetches and decodes one entry. Expired leftovers are removed and
// reported as a miss.
func (m *Manager) load(ctx context.Context, key Key, op string) (*Entry, error) {
	raw, err := m.rdb.Get(ctx, key.String()).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrCacheMiss
	case err != nil:
		CacheErrors.WithLabelValues(op).Inc()
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	entry := new(Entry)
	if err := json.Unmarshal(raw, entry); err != nil {
		CacheErrors.WithLabelValues(op).Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		_ = m.Delete(ctx, key)
		return nil, ErrCacheMiss
	}
	return entry, nil
}

func (m *Manager) store(ctx context.Context, key Key, entry *Entry, args redis.SetArgs) error {
	ttl := entry.TTL()
	if ttl <= 0 {
		return nil
	}
	args.TTL = ttl

	raw, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("encode cache entry: %w", err)
	}

	err = m.rdb.SetArgs(ctx, key.String(), raw, args).Err()
	switch {
	case errors.Is(err, redis.Nil):
		// XX write lost the race against expiry.
		return nil
	case err != nil:
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	StoredBytes.Add(float64(len(raw)))
	return nil
}

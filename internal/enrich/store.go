package enrich

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// CacheStore holds terminal enrichment outcomes with a per-entry TTL.
// Get returns (entry, true, nil) on hit and (zero, false, nil) on miss.
type CacheStore interface {
	Get(ctx context.Context, key string) (CacheEntry, bool, error)
	Set(ctx context.Context, key string, entry CacheEntry, ttl time.Duration) error
	Ping(ctx context.Context) error
}

// LockService is a create-if-absent marker with a TTL. Each successful
// TryAcquire returns a fresh token; Renew and Release act only for the token
// currently holding the key.
type LockService interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)
	// Renew pushes the expiry of a lock still held by token, or takes the
	// key again for token when it expired and nobody else took it.
	Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// Backend is a shared store serving both the cache and the locks.
type Backend interface {
	CacheStore
	LockService
	Close() error
}

// MemoryBackend keeps entries and locks in process. It gives no
// cross-instance exclusion and is meant for single-instance deployments and
// tests.
type MemoryBackend struct {
	entries *gocache.Cache

	lockMu sync.Mutex
	locks  *gocache.Cache
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: gocache.New(gocache.NoExpiration, time.Minute),
		locks:   gocache.New(gocache.NoExpiration, 10*time.Second),
	}
}

func (b *MemoryBackend) Get(_ context.Context, key string) (CacheEntry, bool, error) {
	value, ok := b.entries.Get(key)
	if !ok {
		return CacheEntry{}, false, nil
	}
	entry, ok := value.(CacheEntry)
	if !ok {
		return CacheEntry{}, false, fmt.Errorf("unexpected cache value %T for %s", value, key)
	}
	entry.URL = copyURL(entry.URL)
	return entry, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, entry CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidInput
	}
	entry.URL = copyURL(entry.URL)
	b.entries.Set(key, entry, ttl)
	return nil
}

// ExpiresAt reports when key's cache entry expires.
func (b *MemoryBackend) ExpiresAt(key string) (time.Time, bool) {
	_, expiresAt, ok := b.entries.GetWithExpiration(key)
	return expiresAt, ok
}

func (b *MemoryBackend) Ping(context.Context) error {
	return nil
}

func (b *MemoryBackend) TryAcquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, ErrInvalidInput
	}
	b.lockMu.Lock()
	defer b.lockMu.Unlock()
	token := newLockToken()
	if err := b.locks.Add(key, token, ttl); err != nil {
		return "", false, nil
	}
	return token, true, nil
}

func (b *MemoryBackend) Renew(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 || token == "" {
		return false, ErrInvalidInput
	}
	b.lockMu.Lock()
	defer b.lockMu.Unlock()
	if current, ok := b.locks.Get(key); ok && current != token {
		return false, nil
	}
	b.locks.Set(key, token, ttl)
	return true, nil
}

func (b *MemoryBackend) Release(_ context.Context, key, token string) error {
	b.lockMu.Lock()
	defer b.lockMu.Unlock()
	if current, ok := b.locks.Get(key); ok && current == token {
		b.locks.Delete(key)
	}
	return nil
}

func (b *MemoryBackend) Close() error {
	b.entries.Flush()
	b.locks.Flush()
	return nil
}

// cacheClient degrades every store failure: failed reads are misses, failed
// writes are logged and dropped.
type cacheClient struct {
	store   CacheStore
	timeout time.Duration
	logger  zerolog.Logger
}

func (c cacheClient) get(ctx context.Context, key string) (CacheEntry, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed, treating as miss")
		return CacheEntry{}, false
	}
	if !ok {
		return CacheEntry{}, false
	}
	if !entry.Status.Terminal() {
		c.logger.Warn().Str("key", key).Str("status", string(entry.Status)).Msg("ignoring non-terminal cache entry")
		return CacheEntry{}, false
	}
	return entry, true
}

func (c cacheClient) set(ctx context.Context, key string, entry CacheEntry, ttl time.Duration) bool {
	if !entry.Status.Terminal() {
		c.logger.Error().Str("key", key).Str("status", string(entry.Status)).Msg("refusing to cache non-terminal status")
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.store.Set(ctx, key, entry, ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache write dropped")
		return false
	}
	return true
}

func (c cacheClient) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.store.Ping(ctx)
}

type lockOutcome int

const (
	lockAcquired lockOutcome = iota
	lockHeld
	lockFailed
)

// lockClient fails closed: a store error counts as not acquired.
type lockClient struct {
	locks   LockService
	timeout time.Duration
	logger  zerolog.Logger
}

func (l lockClient) tryAcquire(ctx context.Context, key string, ttl time.Duration) (string, lockOutcome) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	token, acquired, err := l.locks.TryAcquire(ctx, key, ttl)
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("lock acquire failed, skipping dispatch")
		return "", lockFailed
	}
	if !acquired {
		return "", lockHeld
	}
	return token, lockAcquired
}

// renew reports whether token still owns key. A store error counts as lost.
func (l lockClient) renew(ctx context.Context, key, token string, ttl time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	owned, err := l.locks.Renew(ctx, key, token, ttl)
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("lock renew failed, dropping job")
		return false
	}
	return owned
}

func (l lockClient) release(ctx context.Context, key, token string) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.locks.Release(ctx, key, token); err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("lock release failed, waiting for ttl")
	}
}

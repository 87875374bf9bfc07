package enrich

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	_ "github.com/lib/pq"
)

const (
	postgresCacheTableName   = "deeplinks_cache"
	postgresLockTableName    = "deeplinks_locks"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend keeps entries and locks in two tables. Expiry is stored
// per row; expired rows are ignored on read and removed by PurgeExpired.
type PostgresBackend struct {
	dsn        string
	cacheTable string
	lockTable  string
	openDB     sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:        dsn,
		cacheTable: postgresCacheTableName,
		lockTable:  postgresLockTableName,
		openDB:     sql.Open,
	}, nil
}

func (b *PostgresBackend) Get(ctx context.Context, key string) (CacheEntry, bool, error) {
	if err := b.ensureReady(); err != nil {
		return CacheEntry{}, false, err
	}
	query := fmt.Sprintf(`
		SELECT url, status, updated_at FROM %s
		WHERE cache_key = $1 AND expires_at > NOW()`, postgresQuoteIdentifier(b.cacheTable))
	var (
		url       sql.NullString
		status    string
		updatedAt time.Time
	)
	err := b.db.QueryRowContext(ctx, query, key).Scan(&url, &status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	entry := CacheEntry{Status: Status(status), UpdatedAt: updatedAt.UTC()}
	if url.Valid {
		entry.URL = stringPtr(url.String)
	}
	return entry, true, nil
}

func (b *PostgresBackend) Set(ctx context.Context, key string, entry CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	var url sql.NullString
	if entry.URL != nil {
		url = sql.NullString{String: *entry.URL, Valid: true}
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (cache_key, url, status, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, NOW() + ($5 * INTERVAL '1 millisecond'))
		ON CONFLICT (cache_key)
		DO UPDATE SET url = EXCLUDED.url, status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at`, postgresQuoteIdentifier(b.cacheTable))
	_, err := b.db.ExecContext(ctx, query, key, url, string(entry.Status), entry.UpdatedAt.UTC(), ttl.Milliseconds())
	return err
}

func (b *PostgresBackend) Ping(ctx context.Context) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	return b.db.PingContext(ctx)
}

// TryAcquire inserts the lock row, or takes over a row whose TTL has passed.
// Exactly one concurrent caller sees a row affected.
func (b *PostgresBackend) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, ErrInvalidInput
	}
	token := newLockToken()
	acquired, err := b.upsertLock(ctx, key, token, ttl, "l.expires_at <= NOW()")
	if err != nil || !acquired {
		return "", false, err
	}
	return token, true, nil
}

func (b *PostgresBackend) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 || token == "" {
		return false, ErrInvalidInput
	}
	return b.upsertLock(ctx, key, token, ttl, "l.owner = EXCLUDED.owner OR l.expires_at <= NOW()")
}

func (b *PostgresBackend) upsertLock(ctx context.Context, key, token string, ttl time.Duration, takeover string) (bool, error) {
	if err := b.ensureReady(); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s AS l (lock_key, owner, expires_at)
		VALUES ($1, $2, NOW() + ($3 * INTERVAL '1 millisecond'))
		ON CONFLICT (lock_key)
		DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE %s`, postgresQuoteIdentifier(b.lockTable), takeover)
	result, err := b.db.ExecContext(ctx, query, key, token, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (b *PostgresBackend) Release(ctx context.Context, key, token string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE lock_key = $1 AND owner = $2", postgresQuoteIdentifier(b.lockTable))
	_, err := b.db.ExecContext(ctx, query, key, token)
	return err
}

// PurgeExpired deletes expired cache and lock rows and returns how many
// rows were removed.
func (b *PostgresBackend) PurgeExpired(ctx context.Context) (int64, error) {
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	var total int64
	for _, table := range []string{b.cacheTable, b.lockTable} {
		query := fmt.Sprintf("DELETE FROM %s WHERE expires_at <= NOW()", postgresQuoteIdentifier(table))
		result, err := b.db.ExecContext(ctx, query)
		if err != nil {
			return total, err
		}
		if n, err := result.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// RunJanitor calls PurgeExpired every interval until ctx is done.
func (b *PostgresBackend) RunJanitor(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purgeCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
			removed, err := b.PurgeExpired(purgeCtx)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Msg("postgres purge failed")
				continue
			}
			if removed > 0 {
				logger.Debug().Int64("rows", removed).Msg("postgres purged expired rows")
			}
		}
	}
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					cache_key TEXT PRIMARY KEY,
					url TEXT,
					status TEXT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL,
					expires_at TIMESTAMPTZ NOT NULL
				)`, postgresQuoteIdentifier(b.cacheTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					lock_key TEXT PRIMARY KEY,
					owner TEXT NOT NULL,
					expires_at TIMESTAMPTZ NOT NULL
				)`, postgresQuoteIdentifier(b.lockTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

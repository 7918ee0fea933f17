package tier

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"goflare.io/strata/internal/models"
	"goflare.io/strata/internal/utils"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS cache_entries (
		storage_key TEXT PRIMARY KEY,
		logical_key TEXT NOT NULL,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL,
		hits INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_entries_hits ON cache_entries(hits)`,
	`CREATE TABLE IF NOT EXISTS cache_tags (
		tag TEXT NOT NULL,
		storage_key TEXT NOT NULL,
		PRIMARY KEY (tag, storage_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_tags_storage_key ON cache_tags(storage_key)`,
}

// SQLiteOptions configures a SQLite tier.
type SQLiteOptions struct {
	Path         string
	ExpiryCheck  time.Duration
	QueryTimeout time.Duration
	Breaker      gobreaker.Settings
}

// SQLite is a persistent tier. Entries survive restarts when backed by a
// file, and every read bumps a hit counter used to rank entries for warming.
type SQLite struct {
	name         string
	db           *sql.DB
	queryTimeout time.Duration
	expiryCheck  time.Duration
	guard        *guard
	logger       *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var (
	_ Adapter = (*SQLite)(nil)
	_ Ranker  = (*SQLite)(nil)
)

// NewSQLite opens (or creates) the database at opts.Path. An empty path or
// ":memory:" keeps everything in memory.
func NewSQLite(ctx context.Context, name string, opts SQLiteOptions, logger *zap.Logger) (*SQLite, error) {
	path := opts.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}

	if path == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to enable WAL")
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "failed to create sqlite schema")
		}
	}

	s := &SQLite{
		name:         name,
		db:           db,
		queryTimeout: opts.QueryTimeout,
		expiryCheck:  opts.ExpiryCheck,
		guard:        newGuard(name, opts.Breaker, nil, nil),
		logger:       logger,
	}
	if s.expiryCheck <= 0 {
		s.expiryCheck = time.Minute
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.sweep(sweepCtx)

	return s, nil
}

func (s *SQLite) Name() string { return s.name }

func (s *SQLite) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

func (s *SQLite) Get(ctx context.Context, key string) (*models.Entry, bool, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	skey := utils.StorageKey("", key)
	var (
		data      []byte
		expiresAt int64
		found     bool
	)
	err := s.guard.do(ctx, "get", func() error {
		err := s.db.QueryRowContext(ctx,
			`SELECT value, expires_at FROM cache_entries WHERE storage_key = ?`, skey,
		).Scan(&data, &expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	if expiresAt != 0 && expiresAt <= time.Now().UnixNano() {
		s.deleteStorageKey(ctx, skey)
		return nil, false, nil
	}

	entry, err := decodeEntry(data)
	if err != nil {
		s.logger.Warn("Dropping undecodable entry", zap.String("tier", s.name), zap.String("key", key), zap.Error(err))
		s.deleteStorageKey(ctx, skey)
		return nil, false, nil
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE cache_entries SET hits = hits + 1 WHERE storage_key = ?`, skey); err != nil {
		s.logger.Debug("Failed to bump hit counter", zap.String("tier", s.name), zap.Error(err))
	}
	return entry, true, nil
}

func (s *SQLite) deleteStorageKey(ctx context.Context, skey string) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE storage_key = ?`, skey); err != nil {
		s.logger.Debug("Failed to delete entry", zap.String("tier", s.name), zap.Error(err))
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM cache_tags WHERE storage_key = ?`, skey)
}

func (s *SQLite) Set(ctx context.Context, key string, entry *models.Entry, ttl time.Duration) error {
	data, err := encodeEntry(entry, ttl)
	if err != nil {
		return err
	}
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
	}

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	skey := utils.StorageKey("", key)
	return s.guard.do(ctx, "set", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO cache_entries (storage_key, logical_key, value, expires_at, hits) VALUES (?, ?, ?, ?, 0)
				ON CONFLICT(storage_key) DO UPDATE SET logical_key = excluded.logical_key, value = excluded.value, expires_at = excluded.expires_at`,
				skey, key, data, expiresAt,
			); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM cache_tags WHERE storage_key = ?`, skey); err != nil {
				return err
			}
			for _, tag := range entry.Tags {
				if _, err := tx.ExecContext(ctx,
					`INSERT OR IGNORE INTO cache_tags (tag, storage_key) VALUES (?, ?)`, tag, skey,
				); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	skey := utils.StorageKey("", key)
	return s.guard.do(ctx, "delete", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE storage_key = ?`, skey); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM cache_tags WHERE storage_key = ?`, skey)
			return err
		})
	})
}

func (s *SQLite) Clear(ctx context.Context) error {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	return s.guard.do(ctx, "clear", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM cache_tags`)
			return err
		})
	})
}

func (s *SQLite) SupportsTags() bool { return true }

func (s *SQLite) InvalidateTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	return s.guard.do(ctx, "invalidate", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			for _, tag := range tags {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM cache_entries WHERE storage_key IN (SELECT storage_key FROM cache_tags WHERE tag = ?)`, tag,
				); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM cache_tags WHERE storage_key NOT IN (SELECT storage_key FROM cache_entries)`,
				); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// TopEntries returns up to n live entries ordered by read count.
func (s *SQLite) TopEntries(ctx context.Context, n int) ([]Ranked, error) {
	if n <= 0 {
		return nil, nil
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	var ranked []Ranked
	err := s.guard.do(ctx, "rank", func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT logical_key, value FROM cache_entries
			WHERE expires_at = 0 OR expires_at > ?
			ORDER BY hits DESC, logical_key ASC LIMIT ?`,
			time.Now().UnixNano(), n,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		ranked = ranked[:0]
		for rows.Next() {
			var (
				key  string
				data []byte
			)
			if err := rows.Scan(&key, &data); err != nil {
				return err
			}
			entry, err := decodeEntry(data)
			if err != nil {
				continue
			}
			ranked = append(ranked, Ranked{Key: key, Entry: entry})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ranked, nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *SQLite) Purge(ctx context.Context) (int64, error) {
	var removed int64
	err := s.guard.do(ctx, "purge", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM cache_entries WHERE expires_at != 0 AND expires_at <= ?`, time.Now().UnixNano(),
			)
			if err != nil {
				return err
			}
			if removed, err = res.RowsAffected(); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`DELETE FROM cache_tags WHERE storage_key NOT IN (SELECT storage_key FROM cache_entries)`,
			)
			return err
		})
	})
	return removed, err
}

func (s *SQLite) sweep(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.expiryCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Purge(ctx); err != nil {
				s.logger.Warn("Expired entry sweep failed", zap.String("tier", s.name), zap.Error(err))
			} else if n > 0 {
				s.logger.Debug("Swept expired entries", zap.String("tier", s.name), zap.Int64("removed", n))
			}
		}
	}
}

// Close stops the sweeper and closes the database.
func (s *SQLite) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

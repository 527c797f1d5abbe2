// Package moodpg provides the PostgreSQL-backed remote mirror for
// go-moodsync. Record content is encrypted at rest with a key derived
// from the configured passphrase; only identity, lifecycle and ordering
// columns are stored in the clear.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodpg

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-moodsync/moodsync"
)

// Store implements moodsync.RemoteRecordStore on a pgx connection pool.
// Construct it unconnected and let the connection manager drive Connect,
// Ping and Close.
type Store struct {
	cfg    moodsync.RemoteConfig
	retry  moodsync.RetryConfig
	logger *slog.Logger

	mu     sync.RWMutex // guards pool lifecycle
	pool   *pgxpool.Pool
	cipher *recordCipher
}

// NewStore prepares a remote store for the given configuration. Nothing
// touches the network until Connect runs.
func NewStore(cfg moodsync.RemoteConfig, retry moodsync.RetryConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cfg: cfg, retry: retry, logger: logger}
}

// Connect builds the connection pool, runs idempotent schema setup and
// derives the content encryption key from the store-held salt. Calling it
// on an already-connected store is a no-op.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return nil
	}
	if len(s.cfg.EncryptionKey) < moodsync.MinEncryptionKeyLen {
		return &moodsync.ValidationError{
			Field:  "remote.encryptionKey",
			Reason: fmt.Sprintf("must be at least %d characters", moodsync.MinEncryptionKeyLen),
		}
	}

	poolCfg, err := pgxpool.ParseConfig(s.dsn())
	if err != nil {
		return &moodsync.PermanentStoreError{Op: "parse remote config", Err: err}
	}
	if s.cfg.PoolSize > 0 {
		poolCfg.MaxConns = s.cfg.PoolSize
	}
	if s.cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = s.cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return classifyRemoteError("connect remote store", err)
	}

	pingCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.ConnectTimeout > 0 {
		pingCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return classifyRemoteError("connect remote store", err)
	}

	if err := initializeSchema(ctx, pool, s.logger); err != nil {
		pool.Close()
		return classifyRemoteError("initialize remote schema", err)
	}
	salt, err := ensureEncryptionSalt(ctx, pool)
	if err != nil {
		pool.Close()
		return classifyRemoteError("initialize encryption salt", err)
	}
	cipher, err := newRecordCipher(deriveKey(s.cfg.EncryptionKey, salt))
	if err != nil {
		pool.Close()
		return err
	}

	s.pool = pool
	s.cipher = cipher
	s.logger.Info("Remote store connected", "host", s.cfg.Host, "database", s.cfg.Database)
	return nil
}

// Ping verifies the pool is alive.
func (s *Store) Ping(ctx context.Context) error {
	pool, _, err := s.handle()
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		return classifyRemoteError("ping remote store", err)
	}
	return nil
}

// Close releases the pool. A closed store can be reconnected later.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil
	}
	s.pool.Close()
	s.pool = nil
	s.cipher = nil
	return nil
}

// Put fully upserts a record keyed by id. Timestamps are stored exactly as
// given so replicated rows compare equal across stores.
func (s *Store) Put(ctx context.Context, rec *moodsync.Record) (*moodsync.Record, error) {
	pool, cipher, err := s.handle()
	if err != nil {
		return nil, err
	}
	content, nonce, err := cipher.seal(rec)
	if err != nil {
		return nil, err
	}

	err = s.withRetry(ctx, "put record", func(ctx context.Context) error {
		_, err := pool.Exec(ctx, /*language=postgresql*/ `
			INSERT INTO moodsync.records (id, owner_id, entry_date, status, content, nonce, created_at, updated_at)
			VALUES (@id, @owner_id, (@entry_date)::date, @status, @content, @nonce, @created_at, @updated_at)
			ON CONFLICT (id)
			    DO UPDATE SET owner_id=EXCLUDED.owner_id,
			                  entry_date=EXCLUDED.entry_date,
			                  status=EXCLUDED.status,
			                  content=EXCLUDED.content,
			                  nonce=EXCLUDED.nonce,
			                  created_at=EXCLUDED.created_at,
			                  updated_at=EXCLUDED.updated_at`,
			pgx.NamedArgs{
				"id": rec.ID, "owner_id": rec.OwnerID, "entry_date": rec.EntryDate,
				"status": rec.Status, "content": content, "nonce": nonce,
				"created_at": rec.CreatedAt.UTC(), "updated_at": rec.UpdatedAt.UTC(),
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Get returns one record by id, or moodsync.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*moodsync.Record, error) {
	pool, cipher, err := s.handle()
	if err != nil {
		return nil, err
	}

	var rec *moodsync.Record
	err = s.withRetry(ctx, "get record", func(ctx context.Context) error {
		row := pool.QueryRow(ctx, /*language=postgresql*/ `
			SELECT id, owner_id, entry_date, status, content, nonce, created_at, updated_at
			FROM moodsync.records WHERE id = @id`,
			pgx.NamedArgs{"id": id})
		var rerr error
		rec, rerr = scanRemoteRecord(row, cipher)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RangeByOwnerAndDate returns the owner's records between the bounds
// inclusive, ascending by entry date. Empty bounds are open. All lifecycle
// statuses are returned.
func (s *Store) RangeByOwnerAndDate(ctx context.Context, ownerID, startDate, endDate string) ([]*moodsync.Record, error) {
	pool, cipher, err := s.handle()
	if err != nil {
		return nil, err
	}

	query := `SELECT id, owner_id, entry_date, status, content, nonce, created_at, updated_at
		FROM moodsync.records WHERE owner_id = $1`
	args := []any{ownerID}
	if startDate != "" {
		args = append(args, startDate)
		query += fmt.Sprintf(` AND entry_date >= ($%d)::date`, len(args))
	}
	if endDate != "" {
		args = append(args, endDate)
		query += fmt.Sprintf(` AND entry_date <= ($%d)::date`, len(args))
	}
	query += ` ORDER BY entry_date ASC, id ASC`

	var out []*moodsync.Record
	err = s.withRetry(ctx, "range records", func(ctx context.Context) error {
		rows, err := pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		recs := make([]*moodsync.Record, 0)
		for rows.Next() {
			rec, err := scanRemoteRecord(rows, cipher)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		out = recs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete flips a record to deleted with a monotonically bumped updated-at,
// atomically on the server, and returns the resulting record.
func (s *Store) Delete(ctx context.Context, id string) (*moodsync.Record, error) {
	pool, cipher, err := s.handle()
	if err != nil {
		return nil, err
	}

	var rec *moodsync.Record
	err = s.withRetry(ctx, "delete record", func(ctx context.Context) error {
		row := pool.QueryRow(ctx, /*language=postgresql*/ `
			UPDATE moodsync.records
			SET status = @status,
			    updated_at = GREATEST(now(), updated_at + INTERVAL '1 millisecond')
			WHERE id = @id
			RETURNING id, owner_id, entry_date, status, content, nonce, created_at, updated_at`,
			pgx.NamedArgs{"id": id, "status": moodsync.StatusDeleted})
		var rerr error
		rec, rerr = scanRemoteRecord(row, cipher)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Statistics aggregates over the owner's active records. Ratings only
// exist inside the encrypted content, so the average is computed client
// side after decryption.
func (s *Store) Statistics(ctx context.Context, ownerID string) (*moodsync.OwnerStats, error) {
	pool, cipher, err := s.handle()
	if err != nil {
		return nil, err
	}

	var stats *moodsync.OwnerStats
	err = s.withRetry(ctx, "owner statistics", func(ctx context.Context) error {
		rows, err := pool.Query(ctx, /*language=postgresql*/ `
			SELECT entry_date, content, nonce
			FROM moodsync.records
			WHERE owner_id = @owner_id AND status = @status`,
			pgx.NamedArgs{"owner_id": ownerID, "status": moodsync.StatusActive})
		if err != nil {
			return err
		}
		defer rows.Close()

		agg := &moodsync.OwnerStats{}
		var ratingSum int64
		for rows.Next() {
			var entryDate time.Time
			var content, nonce []byte
			if err := rows.Scan(&entryDate, &content, &nonce); err != nil {
				return err
			}
			var rec moodsync.Record
			if err := cipher.open(&rec, content, nonce); err != nil {
				return err
			}
			agg.Count++
			ratingSum += int64(rec.Rating)
			if date := entryDate.Format(moodsync.EntryDateLayout); date > agg.LastDate {
				agg.LastDate = date
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if agg.Count > 0 {
			agg.AverageRating = float64(ratingSum) / float64(agg.Count)
		}
		stats = agg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// dsn assembles the connection string from the structured configuration.
func (s *Store) dsn() string {
	sslMode := "disable"
	if s.cfg.TLS {
		sslMode = "require"
	}
	port := s.cfg.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(s.cfg.User, s.cfg.Password),
		Host:     net.JoinHostPort(s.cfg.Host, strconv.Itoa(port)),
		Path:     "/" + s.cfg.Database,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String()
}

func (s *Store) handle() (*pgxpool.Pool, *recordCipher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil {
		return nil, nil, &moodsync.TransientStoreError{Op: "remote store", Err: moodsync.ErrRemoteUnavailable}
	}
	return s.pool, s.cipher, nil
}

func scanRemoteRecord(row pgx.Row, cipher *recordCipher) (*moodsync.Record, error) {
	var rec moodsync.Record
	var entryDate time.Time
	var content, nonce []byte
	if err := row.Scan(&rec.ID, &rec.OwnerID, &entryDate, &rec.Status,
		&content, &nonce, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.EntryDate = entryDate.Format(moodsync.EntryDateLayout)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if err := cipher.open(&rec, content, nonce); err != nil {
		return nil, err
	}
	return &rec, nil
}

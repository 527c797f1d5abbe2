// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodpg

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mobiletoly/go-moodsync/moodsync"
)

// classifyRemoteError maps a driver error onto the shared taxonomy. The
// split decides retry behavior: transient failures are retried and degrade
// the connection, permanent ones surface immediately.
func classifyRemoteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return moodsync.ErrNotFound
	}

	// Errors already classified (encryption failures, validation) pass
	// through unchanged.
	var validationErr *moodsync.ValidationError
	var transientErr *moodsync.TransientStoreError
	var permanentErr *moodsync.PermanentStoreError
	var encryptionErr *moodsync.EncryptionError
	if errors.As(err, &validationErr) || errors.As(err, &transientErr) ||
		errors.As(err, &permanentErr) || errors.As(err, &encryptionErr) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		state := pgErr.SQLState()
		if state == "23505" {
			// unique_violation from the active-per-day backstop index
			return &moodsync.ValidationError{Field: "record", Reason: pgErr.Message}
		}
		switch {
		case strings.HasPrefix(state, "28"), // invalid authorization (bad credentials)
			strings.HasPrefix(state, "3D"), // invalid catalog name (database missing)
			strings.HasPrefix(state, "3F"), // invalid schema name
			strings.HasPrefix(state, "42"), // syntax error or access rule violation
			strings.HasPrefix(state, "22"), // data exception
			strings.HasPrefix(state, "23"): // integrity constraint violation
			return &moodsync.PermanentStoreError{Op: op, Err: err}
		default:
			return &moodsync.TransientStoreError{Op: op, Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &moodsync.TransientStoreError{Op: op, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &moodsync.TransientStoreError{Op: op, Err: err}
	}
	// Unknown driver errors are treated as transient so a retry or the
	// reconnect loop gets a chance to recover.
	return &moodsync.TransientStoreError{Op: op, Err: err}
}

// withRetry runs fn with per-attempt query timeouts and exponential backoff
// between attempts. Permanent errors stop the loop immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, s.retry.DelayFor(attempt-1)); err != nil {
				return lastErr
			}
			s.logger.Debug("Retrying remote operation", "op", op, "attempt", attempt)
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.QueryTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		}
		err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}

		classified := classifyRemoteError(op, err)
		if !moodsync.IsTransient(classified) {
			return classified
		}
		lastErr = classified
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

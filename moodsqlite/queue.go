// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-moodsync/moodsync"
)

// Enqueue records a pending sync operation. The queue keeps at most one
// row per record: a new operation for an already-queued record coalesces
// with the pending one (create+delete cancels out entirely) while keeping
// the original queue position.
func (s *Store) Enqueue(ctx context.Context, op *moodsync.SyncOperation) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if op.ID == "" || op.RecordID == "" {
		return &moodsync.ValidationError{Field: "operation", Reason: "id and record_id are required"}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return withTx(ctx, db, func(tx *sql.Tx) error {
		pending, err := getOperationByRecord(ctx, tx, op.RecordID)
		if err != nil && !errors.Is(err, moodsync.ErrNotFound) {
			return err
		}
		if pending == nil {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO _moodsync_pending (id, record_id, kind, payload, enqueued_at, attempt_count, max_attempts)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				op.ID, op.RecordID, op.Kind, string(op.Payload),
				formatTime(op.EnqueuedAt), op.AttemptCount, op.MaxAttempts)
			if err != nil {
				return classifySQLiteError("enqueue operation", err)
			}
			return nil
		}

		kind, drop := moodsync.CombineKinds(pending.Kind, op.Kind)
		if drop {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM _moodsync_pending WHERE id = ?`, pending.ID); err != nil {
				return classifySQLiteError("drop coalesced operation", err)
			}
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE _moodsync_pending SET kind = ?, payload = ?, max_attempts = ? WHERE id = ?`,
			kind, string(op.Payload), op.MaxAttempts, pending.ID)
		if err != nil {
			return classifySQLiteError("coalesce operation", err)
		}
		return nil
	})
}

// Pending returns all queued operations in enqueue order.
func (s *Store) Pending(ctx context.Context) ([]*moodsync.SyncOperation, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, record_id, kind, payload, enqueued_at, attempt_count, max_attempts
		FROM _moodsync_pending ORDER BY enqueued_at ASC, id ASC`)
	if err != nil {
		return nil, classifySQLiteError("list operations", err)
	}
	defer rows.Close()

	var out []*moodsync.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError("list operations", err)
	}
	return out, nil
}

// PendingFor returns the queued operation for one record, or
// moodsync.ErrNotFound when the record has nothing pending.
func (s *Store) PendingFor(ctx context.Context, recordID string) (*moodsync.SyncOperation, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	return getOperationByRecord(ctx, db, recordID)
}

// Complete removes a finished operation. Completing an operation that is
// no longer queued is a no-op.
func (s *Store) Complete(ctx context.Context, opID string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := db.ExecContext(ctx, `DELETE FROM _moodsync_pending WHERE id = ?`, opID); err != nil {
		return classifySQLiteError("complete operation", err)
	}
	return nil
}

// Fail bumps the attempt count of a queued operation. When the count
// reaches the operation's attempt budget the row is evicted and Fail
// reports true.
func (s *Store) Fail(ctx context.Context, opID string) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var evicted bool
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		var attempts, max int
		row := tx.QueryRowContext(ctx,
			`SELECT attempt_count, max_attempts FROM _moodsync_pending WHERE id = ?`, opID)
		if err := row.Scan(&attempts, &max); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to record attempt for operation %s: %w", opID, moodsync.ErrNotFound)
			}
			return classifySQLiteError("record failed attempt", err)
		}

		attempts++
		if attempts >= max {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM _moodsync_pending WHERE id = ?`, opID); err != nil {
				return classifySQLiteError("evict operation", err)
			}
			evicted = true
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE _moodsync_pending SET attempt_count = ? WHERE id = ?`, attempts, opID); err != nil {
			return classifySQLiteError("record failed attempt", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return evicted, nil
}

// Depth reports how many operations are queued.
func (s *Store) Depth(ctx context.Context) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _moodsync_pending`).Scan(&n); err != nil {
		return 0, classifySQLiteError("count operations", err)
	}
	return n, nil
}

func getOperationByRecord(ctx context.Context, q dbtx, recordID string) (*moodsync.SyncOperation, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, record_id, kind, payload, enqueued_at, attempt_count, max_attempts
		FROM _moodsync_pending WHERE record_id = ?`, recordID)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, moodsync.ErrNotFound
	}
	return op, err
}

func scanOperation(row rowScanner) (*moodsync.SyncOperation, error) {
	var op moodsync.SyncOperation
	var payload, enqueuedAt string
	if err := row.Scan(&op.ID, &op.RecordID, &op.Kind, &payload, &enqueuedAt,
		&op.AttemptCount, &op.MaxAttempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, classifySQLiteError("scan operation", err)
	}
	op.Payload = []byte(payload)
	var err error
	if op.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return nil, err
	}
	return &op, nil
}

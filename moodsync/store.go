// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodsync

import "context"

// RecordStore is the contract shared by the local and remote adapters. The
// connection manager holds two instances of it and is the only component
// that calls Connect and Close; everything else borrows the store while it
// is connected.
type RecordStore interface {
	// Connect opens the underlying handles and runs idempotent schema
	// setup. Safe to call again after a failure.
	Connect(ctx context.Context) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying handles.
	Close() error

	// Put fully upserts a record keyed by its id, storing timestamps
	// verbatim, and returns the stored record.
	Put(ctx context.Context, rec *Record) (*Record, error)

	// Get returns the record with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// RangeByOwnerAndDate returns the owner's records between startDate and
	// endDate inclusive, ascending by entry date. An empty bound is open.
	// All lifecycle statuses are returned; callers filter.
	RangeByOwnerAndDate(ctx context.Context, ownerID, startDate, endDate string) ([]*Record, error)

	// Delete performs a logical delete (status flip plus a monotonic
	// updated-at bump) and returns the resulting record, or ErrNotFound.
	Delete(ctx context.Context, id string) (*Record, error)
}

// RemoteRecordStore extends the shared contract with the aggregate view
// only the remote store serves.
type RemoteRecordStore interface {
	RecordStore

	// Statistics aggregates the owner's active records.
	Statistics(ctx context.Context, ownerID string) (*OwnerStats, error)
}

// OperationQueue is the durable queue of pending sync operations. It lives
// in the local database so queued work survives process restarts.
type OperationQueue interface {
	// Enqueue adds an operation, coalescing with a pending operation for
	// the same record per CombineKinds.
	Enqueue(ctx context.Context, op *SyncOperation) error

	// Pending returns all queued operations in enqueue order.
	Pending(ctx context.Context) ([]*SyncOperation, error)

	// PendingFor returns the queued operation for a record, or ErrNotFound.
	PendingFor(ctx context.Context, recordID string) (*SyncOperation, error)

	// Complete removes a successfully applied operation.
	Complete(ctx context.Context, opID string) error

	// Fail increments the operation's attempt count and evicts it once
	// the count reaches MaxAttempts.
	Fail(ctx context.Context, opID string) (evicted bool, err error)

	// Depth returns the number of queued operations.
	Depth(ctx context.Context) (int, error)
}

// LocalStore is what the local adapter provides: record storage plus the
// durable operation queue in the same database.
type LocalStore interface {
	RecordStore
	OperationQueue
}

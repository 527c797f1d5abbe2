// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyncResult summarizes one push-then-pull reconciliation pass. Success is
// false whenever the pass left the stores unreconciled, including transient
// failures whose operations stay queued for a later pass.
type SyncResult struct {
	Success     bool     `json:"success"`
	PushedCount int      `json:"pushed_count"`
	PulledCount int      `json:"pulled_count"`
	Errors      []string `json:"errors,omitempty"`
	DurationMs  int64    `json:"duration_ms"`
}

// Engine reconciles the durable queue of pending operations against the
// remote store, then pulls remote-side changes back into the local store.
type Engine struct {
	local   LocalStore
	remote  RemoteRecordStore // nil in local-only mode
	manager *Manager
	logger  *slog.Logger

	// Resolver decides two-way merges. Defaults to the configured
	// strategy; tests and embedders may swap it.
	Resolver Resolver

	owner       string
	maxAttempts int

	syncMu sync.Mutex // one pass at a time
}

// NewEngine wires the engine over already-constructed stores.
func NewEngine(local LocalStore, remote RemoteRecordStore, manager *Manager, cfg SyncConfig, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	resolver, err := NewStrategyResolver(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Engine{
		local:       local,
		remote:      remote,
		manager:     manager,
		logger:      logger,
		Resolver:    resolver,
		owner:       cfg.OwnerID,
		maxAttempts: maxAttempts,
	}, nil
}

// SyncAll runs one reconciliation pass. Passes serialize with each other;
// mutations enqueued while a pass runs are picked up by the next one. The
// returned error is non-nil only when the pass could not run at all or the
// local store failed mid-pass; remote problems are collected in the result.
func (e *Engine) SyncAll(ctx context.Context) (*SyncResult, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	start := time.Now()
	res := &SyncResult{Success: true}
	defer func() {
		res.DurationMs = time.Since(start).Milliseconds()
	}()

	if e.remote == nil {
		// Local-only mode: nothing to reconcile.
		return res, nil
	}
	if !e.manager.IsRemoteAvailable() {
		res.Success = false
		res.Errors = append(res.Errors, "remote store unavailable, sync skipped")
		return res, nil
	}

	if err := e.push(ctx, res); err != nil {
		return res, err
	}
	if err := e.pull(ctx, res); err != nil {
		return res, err
	}

	e.logger.Info("Sync pass finished",
		"success", res.Success,
		"pushed", res.PushedCount,
		"pulled", res.PulledCount,
		"errors", len(res.Errors),
		"duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

// push applies queued operations in enqueue order. The pending list is
// snapshotted once, so operations enqueued mid-pass wait for the next pass.
// Before each apply the remote version is checked: a remote record newer
// than the record's local state means both sides diverged, and the resolver
// decides before anything is overwritten.
func (e *Engine) push(ctx context.Context, res *SyncResult) error {
	ops, err := e.local.Pending(ctx)
	if err != nil {
		res.Success = false
		msg := fmt.Sprintf("failed to read pending queue: %v", err)
		res.Errors = append(res.Errors, msg)
		return fmt.Errorf("failed to read pending queue: %w", err)
	}

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			res.Success = false
			res.Errors = append(res.Errors, "sync cancelled during push")
			return err
		}

		rec, err := op.Record()
		if err != nil {
			// Undecodable payload can never be pushed; evict it.
			res.Success = false
			res.Errors = append(res.Errors, fmt.Sprintf("evicted %s operation for record %s: %v", op.Kind, op.RecordID, err))
			if cerr := e.local.Complete(ctx, op.ID); cerr != nil {
				return fmt.Errorf("failed to evict operation %s: %w", op.ID, cerr)
			}
			continue
		}

		rec, done, err := e.resolvePushConflict(ctx, res, op, rec)
		if err != nil {
			return err
		}
		if rec == nil {
			if done {
				continue
			}
			// Transient failure while checking the remote version.
			return nil
		}

		if _, err = e.remote.Put(ctx, rec); err == nil {
			if cerr := e.local.Complete(ctx, op.ID); cerr != nil {
				res.Success = false
				res.Errors = append(res.Errors, fmt.Sprintf("failed to dequeue operation for record %s: %v", op.RecordID, cerr))
				return fmt.Errorf("failed to dequeue operation %s: %w", op.ID, cerr)
			}
			res.PushedCount++
			e.logger.Debug("Pushed operation", "kind", op.Kind, "record_id", op.RecordID)
			continue
		}

		if IsTransient(err) {
			// The transport is suspect; stop hammering it and leave
			// recovery to the manager's reconnect task.
			e.manager.NoteRemoteFailure(err)
			evicted, ferr := e.local.Fail(ctx, op.ID)
			if ferr != nil {
				return fmt.Errorf("failed to record push failure for %s: %w", op.ID, ferr)
			}
			res.Success = false
			if evicted {
				res.Errors = append(res.Errors, fmt.Sprintf("evicted %s operation for record %s after %d attempts: %v", op.Kind, op.RecordID, op.MaxAttempts, err))
			} else {
				res.Errors = append(res.Errors, fmt.Sprintf("push of %s for record %s failed, still queued: %v", op.Kind, op.RecordID, err))
			}
			res.Errors = append(res.Errors, "push aborted, remote store unavailable")
			return nil
		}

		// Permanent failure: retrying next pass cannot help, evict now.
		res.Success = false
		res.Errors = append(res.Errors, fmt.Sprintf("evicted %s operation for record %s, push failed permanently: %v", op.Kind, op.RecordID, err))
		e.logger.Error("Push failed permanently", "kind", op.Kind, "record_id", op.RecordID, "error", err)
		if cerr := e.local.Complete(ctx, op.ID); cerr != nil {
			return fmt.Errorf("failed to evict operation %s: %w", op.ID, cerr)
		}
	}
	return nil
}

// resolvePushConflict compares an operation's record against the current
// remote version. Divergence is judged against the live local record: an
// inline replication can advance both stores past the queued snapshot, and
// a remote version no newer than the live record is replayed history, not a
// conflict. It returns the record to push (possibly a resolved merge stamped
// strictly newer than both sides), or nil with done=true when the remote
// version won and the operation was dropped, or nil with done=false when
// the remote store failed transiently and the pass must stop.
func (e *Engine) resolvePushConflict(ctx context.Context, res *SyncResult, op *SyncOperation, rec *Record) (*Record, bool, error) {
	current, err := e.remote.Get(ctx, op.RecordID)
	if errors.Is(err, ErrNotFound) {
		return rec, false, nil
	}
	if err != nil {
		if IsTransient(err) {
			e.manager.NoteRemoteFailure(err)
			res.Success = false
			res.Errors = append(res.Errors,
				fmt.Sprintf("failed to check remote version of record %s: %v", op.RecordID, err),
				"push aborted, remote store unavailable")
			return nil, false, nil
		}
		// An unreadable remote version (wrong key, corrupt row) loses to
		// the queued write instead of wedging the queue.
		e.logger.Warn("Overwriting unreadable remote record", "record_id", op.RecordID, "error", err)
		return rec, false, nil
	}
	if !current.UpdatedAt.After(rec.UpdatedAt) {
		return rec, false, nil
	}

	// The snapshot lags the remote version. Only the live local record can
	// tell a superseded operation from a genuine conflict.
	live, err := e.local.Get(ctx, op.RecordID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		res.Success = false
		res.Errors = append(res.Errors, fmt.Sprintf("failed to read local record %s: %v", op.RecordID, err))
		return nil, true, fmt.Errorf("failed to read local record %s: %w", op.RecordID, err)
	}
	if err == nil {
		if !current.UpdatedAt.After(live.UpdatedAt) {
			// Both stores already carry this write or a later one; pushing
			// the live record still converges them.
			return live, false, nil
		}
		rec = live
	}

	resolved, keepLocal, conflicts, err := e.Resolver.Resolve(rec, current)
	if err != nil {
		res.Success = false
		res.Errors = append(res.Errors, fmt.Sprintf("failed to resolve conflict on record %s: %v", op.RecordID, err))
		return nil, true, nil
	}
	for _, c := range conflicts {
		e.logger.Info("Resolved field conflict",
			"record_id", op.RecordID, "field", c.Field, "strategy", c.Strategy)
	}

	if !keepLocal {
		// Remote version accepted; the queued local change is superseded.
		if err := e.applyPulled(ctx, res, resolved); err != nil {
			return nil, true, err
		}
		if err := e.local.Complete(ctx, op.ID); err != nil {
			return nil, true, fmt.Errorf("failed to drop superseded operation %s: %w", op.ID, err)
		}
		return nil, true, nil
	}

	// Local content survives: stamp the resolution strictly newer than both
	// sides so the push wins last-write-wins everywhere.
	latest := rec.UpdatedAt
	if current.UpdatedAt.After(latest) {
		latest = current.UpdatedAt
	}
	resolved.UpdatedAt = NextUpdateTime(latest)
	if !contentEqual(resolved, rec) {
		res.PulledCount++
	}
	if _, err := e.local.Put(ctx, resolved); err != nil {
		res.Success = false
		res.Errors = append(res.Errors, fmt.Sprintf("failed to apply resolved record %s: %v", op.RecordID, err))
		return nil, true, fmt.Errorf("failed to apply resolved record %s: %w", op.RecordID, err)
	}
	return resolved, false, nil
}

// pull fetches the owner's remote records and applies remote-only and
// strictly-newer versions locally. Records that also carry a pending local
// change go through the conflict resolver instead of a blind replace.
func (e *Engine) pull(ctx context.Context, res *SyncResult) error {
	if !e.manager.IsRemoteAvailable() {
		res.Success = false
		res.Errors = append(res.Errors, "pull skipped, remote store unavailable")
		return nil
	}

	remoteRecs, err := e.remote.RangeByOwnerAndDate(ctx, e.owner, "", "")
	if err != nil {
		if IsTransient(err) {
			e.manager.NoteRemoteFailure(err)
		}
		res.Success = false
		res.Errors = append(res.Errors, fmt.Sprintf("failed to fetch remote records: %v", err))
		return nil
	}

	for _, rr := range remoteRecs {
		if err := ctx.Err(); err != nil {
			res.Success = false
			res.Errors = append(res.Errors, "sync cancelled during pull")
			return err
		}

		local, err := e.local.Get(ctx, rr.ID)
		if errors.Is(err, ErrNotFound) {
			if err := e.applyPulled(ctx, res, rr); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			res.Success = false
			res.Errors = append(res.Errors, fmt.Sprintf("failed to read local record %s: %v", rr.ID, err))
			return fmt.Errorf("failed to read local record %s: %w", rr.ID, err)
		}

		if !rr.UpdatedAt.After(local.UpdatedAt) {
			continue
		}

		pending, err := e.local.PendingFor(ctx, rr.ID)
		if errors.Is(err, ErrNotFound) {
			// No local divergence, last write wins.
			if err := e.applyPulled(ctx, res, rr); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			res.Success = false
			res.Errors = append(res.Errors, fmt.Sprintf("failed to read pending queue for record %s: %v", rr.ID, err))
			return fmt.Errorf("failed to read pending queue for record %s: %w", rr.ID, err)
		}

		if err := e.reconcile(ctx, res, local, rr, pending); err != nil {
			return err
		}
	}
	return nil
}

// applyPulled writes a remote version into the local store. A validation
// rejection (another device's record colliding with a locally active record
// on the same date) skips just that record; any other local failure aborts
// the pass.
func (e *Engine) applyPulled(ctx context.Context, res *SyncResult, rec *Record) error {
	_, err := e.local.Put(ctx, rec)
	if err == nil {
		res.PulledCount++
		return nil
	}
	res.Success = false
	res.Errors = append(res.Errors, fmt.Sprintf("failed to apply pulled record %s: %v", rec.ID, err))
	if IsValidation(err) {
		e.logger.Warn("Skipped conflicting pulled record", "record_id", rec.ID, "error", err)
		return nil
	}
	return fmt.Errorf("failed to apply pulled record %s: %w", rec.ID, err)
}

// reconcile resolves a record that changed on both sides.
func (e *Engine) reconcile(ctx context.Context, res *SyncResult, local, remote *Record, pending *SyncOperation) error {
	resolved, keepLocal, conflicts, err := e.Resolver.Resolve(local, remote)
	if err != nil {
		res.Success = false
		res.Errors = append(res.Errors, fmt.Sprintf("failed to resolve conflict on record %s: %v", remote.ID, err))
		return nil
	}
	for _, c := range conflicts {
		e.logger.Info("Resolved field conflict",
			"record_id", remote.ID, "field", c.Field, "strategy", c.Strategy)
	}

	if !keepLocal {
		// Remote version accepted wholesale; the pending local change is
		// superseded and dropped.
		if _, err := e.local.Put(ctx, resolved); err != nil {
			res.Success = false
			res.Errors = append(res.Errors, fmt.Sprintf("failed to apply resolved record %s: %v", remote.ID, err))
			return fmt.Errorf("failed to apply resolved record %s: %w", remote.ID, err)
		}
		if err := e.local.Complete(ctx, pending.ID); err != nil {
			return fmt.Errorf("failed to drop superseded operation %s: %w", pending.ID, err)
		}
		res.PulledCount++
		return nil
	}

	// The resolved record keeps local values: stamp it strictly newer than
	// both sides so the next push wins last-write-wins on the remote store,
	// and refresh the queued payload.
	latest := local.UpdatedAt
	if remote.UpdatedAt.After(latest) {
		latest = remote.UpdatedAt
	}
	resolved.UpdatedAt = NextUpdateTime(latest)

	changed := !contentEqual(resolved, local)
	if _, err := e.local.Put(ctx, resolved); err != nil {
		res.Success = false
		res.Errors = append(res.Errors, fmt.Sprintf("failed to apply resolved record %s: %v", remote.ID, err))
		return fmt.Errorf("failed to apply resolved record %s: %w", remote.ID, err)
	}

	op, err := newSyncOperation(KindUpdate, resolved, e.maxAttempts)
	if err != nil {
		res.Success = false
		res.Errors = append(res.Errors, fmt.Sprintf("failed to queue resolved record %s: %v", remote.ID, err))
		return nil
	}
	if err := e.local.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("failed to queue resolved record %s: %w", remote.ID, err)
	}
	if changed {
		res.PulledCount++
	}
	return nil
}

// newSyncOperation snapshots a record into a queue operation.
func newSyncOperation(kind string, rec *Record, maxAttempts int) (*SyncOperation, error) {
	payload, err := EncodeOperationPayload(rec)
	if err != nil {
		return nil, err
	}
	return &SyncOperation{
		ID:          uuid.New().String(),
		Kind:        kind,
		RecordID:    rec.ID,
		Payload:     payload,
		EnqueuedAt:  time.Now().UTC(),
		MaxAttempts: maxAttempts,
	}, nil
}

// Package moodsync implements a local-first storage and sync engine for
// mood-journal records: a mandatory durable local store, an optional
// encrypted remote mirror, a connection manager that degrades instead of
// failing when the remote store is unreachable, and a sync engine that
// reconciles the two through a durable operation queue.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Storage is the single entry point consumed by UI, CLI and API
// collaborators. Every mutation writes to the local store first and never
// blocks on network availability; replication to the remote store happens
// inline when possible and through the durable queue otherwise.
type Storage struct {
	cfg     *Config
	local   LocalStore
	remote  RemoteRecordStore // nil in local-only mode
	manager *Manager
	engine  *Engine
	logger  *slog.Logger
}

// CreateInput is a record-without-id accepted by Create.
type CreateInput struct {
	OwnerID   string         `json:"owner_id"`
	Rating    int            `json:"rating"`
	Note      string         `json:"note,omitempty"`
	EntryDate string         `json:"entry_date"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// UpdateInput carries partial fields for Update. Nil pointers and nil
// collections keep the existing values; an empty non-nil slice or map
// clears them.
type UpdateInput struct {
	Rating    *int           `json:"rating,omitempty"`
	Note      *string        `json:"note,omitempty"`
	EntryDate *string        `json:"entry_date,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// QueryOptions tunes Query. The zero value excludes deleted records and
// returns everything in range.
type QueryOptions struct {
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// NewStorage wires the facade over already-constructed (but not yet
// connected) store adapters. remote must be nil exactly when cfg.Remote is
// nil. Call Start before using it and Close when done.
func NewStorage(cfg *Config, local LocalStore, remote RemoteRecordStore, logger *slog.Logger) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if local == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if (cfg.Remote == nil) != (remote == nil) {
		return nil, fmt.Errorf("remote store and remote config must be provided together")
	}
	if logger == nil {
		logger = slog.Default()
	}

	manager := NewManager(local, remote, cfg.Retry, logger)
	engine, err := NewEngine(local, remote, manager, cfg.Sync, logger)
	if err != nil {
		return nil, err
	}
	return &Storage{
		cfg:     cfg,
		local:   local,
		remote:  remote,
		manager: manager,
		engine:  engine,
		logger:  logger,
	}, nil
}

// Start connects the stores. A local store failure is returned as an
// error; a remote store failure only degrades the system.
func (s *Storage) Start(ctx context.Context) error {
	return s.manager.Start(ctx)
}

// Close shuts down reconnection and closes both stores.
func (s *Storage) Close() error {
	return s.manager.Close()
}

// Create validates and stores a new record. It fails with a
// ValidationError when the (owner, date) pair already has an active
// record, regardless of remote availability.
func (s *Storage) Create(ctx context.Context, in CreateInput) (*Record, error) {
	if err := validateOwner(in.OwnerID); err != nil {
		return nil, err
	}
	if err := validateRating(in.Rating); err != nil {
		return nil, err
	}
	if err := validateNote(in.Note); err != nil {
		return nil, err
	}
	date, err := validateEntryDate(in.EntryDate)
	if err != nil {
		return nil, err
	}
	if err := s.checkDateFree(ctx, in.OwnerID, date, ""); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:        uuid.New().String(),
		OwnerID:   in.OwnerID,
		Rating:    in.Rating,
		Note:      in.Note,
		EntryDate: date,
		Status:    StatusActive,
		Tags:      NormalizeTags(in.Tags),
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	stored, err := s.local.Put(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to store record: %w", err)
	}
	s.replicate(ctx, KindCreate, stored)
	return stored, nil
}

// Read returns the record from the local store. Deleted records are
// returned with their deleted status, never as an absence.
func (s *Storage) Read(ctx context.Context, id string) (*Record, error) {
	return s.local.Get(ctx, id)
}

// ReadFromRemote prefers the remote copy of a record and falls back to the
// local store on any remote failure or miss.
func (s *Storage) ReadFromRemote(ctx context.Context, id string) (*Record, error) {
	if s.remote != nil && s.manager.IsRemoteAvailable() {
		rec, err := s.remote.Get(ctx, id)
		if err == nil {
			return rec, nil
		}
		if IsTransient(err) {
			s.manager.NoteRemoteFailure(err)
		}
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("Remote read failed, falling back to local store", "record_id", id, "error", err)
		}
	}
	return s.local.Get(ctx, id)
}

// Update applies partial fields to an existing record. Deleted records
// cannot be updated.
func (s *Storage) Update(ctx context.Context, id string, in UpdateInput) (*Record, error) {
	rec, err := s.local.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusDeleted {
		return nil, &ValidationError{Field: "status", Reason: "record is deleted"}
	}

	next := rec.Clone()
	if in.Rating != nil {
		if err := validateRating(*in.Rating); err != nil {
			return nil, err
		}
		next.Rating = *in.Rating
	}
	if in.Note != nil {
		if err := validateNote(*in.Note); err != nil {
			return nil, err
		}
		next.Note = *in.Note
	}
	if in.EntryDate != nil {
		date, err := validateEntryDate(*in.EntryDate)
		if err != nil {
			return nil, err
		}
		if date != rec.EntryDate {
			if err := s.checkDateFree(ctx, rec.OwnerID, date, rec.ID); err != nil {
				return nil, err
			}
		}
		next.EntryDate = date
	}
	if in.Tags != nil {
		next.Tags = NormalizeTags(in.Tags)
	}
	if in.Metadata != nil {
		next.Metadata = in.Metadata
	}
	next.UpdatedAt = NextUpdateTime(rec.UpdatedAt)

	stored, err := s.local.Put(ctx, next)
	if err != nil {
		return nil, fmt.Errorf("failed to store record: %w", err)
	}
	s.replicate(ctx, KindUpdate, stored)
	return stored, nil
}

// Delete performs a logical delete. Deleting an already-deleted record is
// a no-op; an unknown id returns ErrNotFound.
func (s *Storage) Delete(ctx context.Context, id string) error {
	rec, err := s.local.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == StatusDeleted {
		return nil
	}
	deleted, err := s.local.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	s.replicate(ctx, KindDelete, deleted)
	return nil
}

// Archive moves an active record out of the way without deleting it,
// freeing its (owner, date) slot for a new active record.
func (s *Storage) Archive(ctx context.Context, id string) (*Record, error) {
	rec, err := s.local.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case StatusDeleted:
		return nil, &ValidationError{Field: "status", Reason: "record is deleted"}
	case StatusArchived:
		return rec, nil
	}

	next := rec.Clone()
	next.Status = StatusArchived
	next.UpdatedAt = NextUpdateTime(rec.UpdatedAt)
	stored, err := s.local.Put(ctx, next)
	if err != nil {
		return nil, fmt.Errorf("failed to store record: %w", err)
	}
	s.replicate(ctx, KindUpdate, stored)
	return stored, nil
}

// Query returns the owner's records in a date range, ascending by date.
// Deleted records are excluded unless opts.IncludeDeleted is set.
func (s *Storage) Query(ctx context.Context, ownerID, startDate, endDate string, opts *QueryOptions) ([]*Record, error) {
	if err := validateOwner(ownerID); err != nil {
		return nil, err
	}
	if startDate != "" {
		if _, err := validateEntryDate(startDate); err != nil {
			return nil, err
		}
	}
	if endDate != "" {
		if _, err := validateEntryDate(endDate); err != nil {
			return nil, err
		}
	}
	if opts == nil {
		opts = &QueryOptions{}
	}

	recs, err := s.local.RangeByOwnerAndDate(ctx, ownerID, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	out := make([]*Record, 0, len(recs))
	for _, r := range recs {
		if !opts.IncludeDeleted && r.Status == StatusDeleted {
			continue
		}
		out = append(out, r)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*Record{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// SyncNow runs one reconciliation pass and returns its result.
func (s *Storage) SyncNow(ctx context.Context) (*SyncResult, error) {
	return s.engine.SyncAll(ctx)
}

// Stats aggregates the owner's active records, preferring the remote
// store's view and falling back to a local computation when it is
// unavailable.
func (s *Storage) Stats(ctx context.Context, ownerID string) (*OwnerStats, error) {
	if err := validateOwner(ownerID); err != nil {
		return nil, err
	}
	if s.remote != nil && s.manager.IsRemoteAvailable() {
		st, err := s.remote.Statistics(ctx, ownerID)
		if err == nil {
			return st, nil
		}
		if IsTransient(err) {
			s.manager.NoteRemoteFailure(err)
		}
		s.logger.Warn("Remote statistics failed, computing locally", "owner_id", ownerID, "error", err)
	}
	return s.localStats(ctx, ownerID)
}

// Health reports overall health plus the replication backlog.
func (s *Storage) Health(ctx context.Context) *HealthReport {
	rep := s.manager.HealthSummary()
	depth, err := s.local.Depth(ctx)
	if err != nil {
		rep.Issues = append(rep.Issues, fmt.Sprintf("failed to read sync queue: %v", err))
		return rep
	}
	if depth > 0 {
		rep.Issues = append(rep.Issues, fmt.Sprintf("%d sync operations pending", depth))
		if s.manager.IsRemoteAvailable() {
			rep.Recommendations = append(rep.Recommendations, "run SyncNow to replicate pending changes")
		}
	}
	return rep
}

// Status exposes the connection manager's per-store snapshots.
func (s *Storage) Status() Statuses {
	return s.manager.Status()
}

// checkDateFree enforces the one-active-record-per-owner-per-date
// invariant, optionally excluding the record being moved.
func (s *Storage) checkDateFree(ctx context.Context, ownerID, date, excludeID string) error {
	recs, err := s.local.RangeByOwnerAndDate(ctx, ownerID, date, date)
	if err != nil {
		return fmt.Errorf("failed to check existing records: %w", err)
	}
	for _, r := range recs {
		if r.Status == StatusActive && r.ID != excludeID {
			return &ValidationError{
				Field:  "entry_date",
				Reason: fmt.Sprintf("an active record already exists for %s on %s", ownerID, date),
			}
		}
	}
	return nil
}

// replicate pushes a stored mutation to the remote store inline when
// configured and available, and enqueues it otherwise. Remote problems
// never fail the caller's mutation; they surface through Health and
// SyncNow instead.
func (s *Storage) replicate(ctx context.Context, kind string, rec *Record) {
	if s.remote == nil {
		return
	}
	if s.cfg.Sync.PreferImmediateSync && s.manager.IsRemoteAvailable() {
		_, err := s.remote.Put(ctx, rec)
		if err == nil {
			s.logger.Debug("Replicated mutation inline", "kind", kind, "record_id", rec.ID)
			s.dropSupersededOp(ctx, rec.ID)
			return
		}
		if IsTransient(err) {
			s.manager.NoteRemoteFailure(err)
		}
		s.logger.Warn("Inline replication failed, queueing", "kind", kind, "record_id", rec.ID, "error", err)
	}

	op, err := newSyncOperation(kind, rec, s.cfg.Sync.MaxAttempts)
	if err != nil {
		s.logger.Error("Failed to encode sync operation", "kind", kind, "record_id", rec.ID, "error", err)
		return
	}
	if err := s.local.Enqueue(ctx, op); err != nil {
		s.logger.Error("Failed to enqueue sync operation", "kind", kind, "record_id", rec.ID, "error", err)
	}
}

// dropSupersededOp completes the record's pending operation, if any, after
// an inline push. The remote store just received the record's full current
// state, so the queued snapshot has nothing left to contribute.
func (s *Storage) dropSupersededOp(ctx context.Context, recordID string) {
	op, err := s.local.PendingFor(ctx, recordID)
	if errors.Is(err, ErrNotFound) {
		return
	}
	if err == nil {
		err = s.local.Complete(ctx, op.ID)
	}
	if err != nil {
		s.logger.Error("Failed to drop superseded sync operation", "record_id", recordID, "error", err)
	}
}

// localStats computes owner statistics from the local store.
func (s *Storage) localStats(ctx context.Context, ownerID string) (*OwnerStats, error) {
	recs, err := s.local.RangeByOwnerAndDate(ctx, ownerID, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to compute statistics: %w", err)
	}
	st := &OwnerStats{}
	var sum int64
	for _, r := range recs {
		if r.Status != StatusActive {
			continue
		}
		st.Count++
		sum += int64(r.Rating)
		if r.EntryDate > st.LastDate {
			st.LastDate = r.EntryDate
		}
	}
	if st.Count > 0 {
		st.AverageRating = float64(sum) / float64(st.Count)
	}
	return st, nil
}

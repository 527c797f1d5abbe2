package moodsync

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRecord(owner, date string, rating int) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:        uuid.New().String(),
		OwnerID:   owner,
		Rating:    rating,
		EntryDate: date,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// fakeLocal is an in-memory LocalStore with scriptable failures.
type fakeLocal struct {
	mu         sync.Mutex
	recs       map[string]*Record
	ops        []*SyncOperation
	connectErr error
	putErr     error
	connected  bool
	closed     bool
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{recs: make(map[string]*Record)}
}

func (f *fakeLocal) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeLocal) Ping(ctx context.Context) error { return nil }

func (f *fakeLocal) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closed = true
	return nil
}

func (f *fakeLocal) Put(ctx context.Context, rec *Record) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.recs[rec.ID] = rec.Clone()
	return rec.Clone(), nil
}

func (f *fakeLocal) Get(ctx context.Context, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (f *fakeLocal) RangeByOwnerAndDate(ctx context.Context, ownerID, startDate, endDate string) ([]*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return rangeRecords(f.recs, ownerID, startDate, endDate), nil
}

func (f *fakeLocal) Delete(ctx context.Context, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Status = StatusDeleted
	rec.UpdatedAt = NextUpdateTime(rec.UpdatedAt)
	return rec.Clone(), nil
}

func (f *fakeLocal) Enqueue(ctx context.Context, op *SyncOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, pending := range f.ops {
		if pending.RecordID != op.RecordID {
			continue
		}
		kind, drop := CombineKinds(pending.Kind, op.Kind)
		if drop {
			f.ops = append(f.ops[:i], f.ops[i+1:]...)
			return nil
		}
		pending.Kind = kind
		pending.Payload = op.Payload
		pending.MaxAttempts = op.MaxAttempts
		return nil
	}
	cp := *op
	f.ops = append(f.ops, &cp)
	return nil
}

func (f *fakeLocal) Pending(ctx context.Context) ([]*SyncOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*SyncOperation, 0, len(f.ops))
	for _, op := range f.ops {
		cp := *op
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeLocal) PendingFor(ctx context.Context, recordID string) (*SyncOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range f.ops {
		if op.RecordID == recordID {
			cp := *op
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeLocal) Complete(ctx context.Context, opID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, op := range f.ops {
		if op.ID == opID {
			f.ops = append(f.ops[:i], f.ops[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeLocal) Fail(ctx context.Context, opID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, op := range f.ops {
		if op.ID != opID {
			continue
		}
		op.AttemptCount++
		if op.AttemptCount >= op.MaxAttempts {
			f.ops = append(f.ops[:i], f.ops[i+1:]...)
			return true, nil
		}
		return false, nil
	}
	return false, ErrNotFound
}

func (f *fakeLocal) Depth(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ops), nil
}

func (f *fakeLocal) attemptsFor(recordID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range f.ops {
		if op.RecordID == recordID {
			return op.AttemptCount
		}
	}
	return -1
}

// fakeRemote is an in-memory RemoteRecordStore. connectFailures makes that
// many leading Connect calls fail so reconnect behavior can be driven.
type fakeRemote struct {
	mu              sync.Mutex
	recs            map[string]*Record
	putSeq          []string
	connectFailures int
	connectCalls    int
	putErr          error
	rangeErr        error
	statsErr        error
	connected       bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{recs: make(map[string]*Record)}
}

func (f *fakeRemote) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectFailures > 0 {
		f.connectFailures--
		return &TransientStoreError{Op: "connect remote store", Err: ErrRemoteUnavailable}
	}
	f.connected = true
	return nil
}

func (f *fakeRemote) Ping(ctx context.Context) error { return nil }

func (f *fakeRemote) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeRemote) Put(ctx context.Context, rec *Record) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.recs[rec.ID] = rec.Clone()
	f.putSeq = append(f.putSeq, rec.ID)
	return rec.Clone(), nil
}

func (f *fakeRemote) Get(ctx context.Context, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (f *fakeRemote) RangeByOwnerAndDate(ctx context.Context, ownerID, startDate, endDate string) ([]*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rangeErr != nil {
		return nil, f.rangeErr
	}
	return rangeRecords(f.recs, ownerID, startDate, endDate), nil
}

func (f *fakeRemote) Delete(ctx context.Context, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Status = StatusDeleted
	rec.UpdatedAt = NextUpdateTime(rec.UpdatedAt)
	return rec.Clone(), nil
}

func (f *fakeRemote) Statistics(ctx context.Context, ownerID string) (*OwnerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	stats := &OwnerStats{}
	var sum int64
	for _, rec := range f.recs {
		if rec.OwnerID != ownerID || rec.Status != StatusActive {
			continue
		}
		stats.Count++
		sum += int64(rec.Rating)
		if rec.EntryDate > stats.LastDate {
			stats.LastDate = rec.EntryDate
		}
	}
	if stats.Count > 0 {
		stats.AverageRating = float64(sum) / float64(stats.Count)
	}
	return stats, nil
}

func (f *fakeRemote) setPutErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putErr = err
}

func (f *fakeRemote) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func rangeRecords(recs map[string]*Record, ownerID, startDate, endDate string) []*Record {
	var out []*Record
	for _, rec := range recs {
		if rec.OwnerID != ownerID {
			continue
		}
		if startDate != "" && rec.EntryDate < startDate {
			continue
		}
		if endDate != "" && rec.EntryDate > endDate {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryDate != out[j].EntryDate {
			return out[i].EntryDate < out[j].EntryDate
		}
		return out[i].ID < out[j].ID
	})
	return out
}

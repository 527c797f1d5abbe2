// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncOperation is a queued intent to replicate one local mutation to the
// remote store. Operations are durable (they survive process restarts) and
// coalesced to one pending operation per record.
type SyncOperation struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"` // create, update or delete
	RecordID     string          `json:"record_id"`
	Payload      json.RawMessage `json:"payload"` // record snapshot captured at enqueue time
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
}

// Record decodes the payload snapshot carried by the operation.
func (op *SyncOperation) Record() (*Record, error) {
	var rec Record
	if err := json.Unmarshal(op.Payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode operation payload: %w", err)
	}
	return &rec, nil
}

// EncodeOperationPayload captures a record snapshot for a queued operation.
func EncodeOperationPayload(rec *Record) (json.RawMessage, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode operation payload: %w", err)
	}
	return data, nil
}

// CombineKinds merges a newly enqueued operation kind into an already
// pending one for the same record. The returned kind replaces the pending
// row; drop=true means the pending row should be removed entirely (the
// record was created and deleted before ever reaching the remote store).
func CombineKinds(pending, next string) (kind string, drop bool) {
	switch {
	case pending == KindCreate && next == KindDelete:
		return "", true
	case pending == KindCreate:
		// Creates stay creates until the record reaches the remote store.
		return KindCreate, false
	case pending == KindDelete || next == KindDelete:
		return KindDelete, false
	default:
		return KindUpdate, false
	}
}

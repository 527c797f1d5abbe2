// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodsync

import (
	"sort"
	"time"
)

// Record is the synchronized unit: one mood entry for one owner on one
// calendar date. IDs are assigned on creation and immutable afterwards.
type Record struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Rating    int            `json:"rating"`               // 1..10 inclusive
	Note      string         `json:"note,omitempty"`       // optional, max 500 characters
	EntryDate string         `json:"entry_date"`           // YYYY-MM-DD, one active record per owner per date
	Status    string         `json:"status"`               // active, deleted or archived
	Tags      []string       `json:"tags,omitempty"`       // set semantics, order not significant
	Metadata  map[string]any `json:"metadata,omitempty"`   // open key-value map
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"` // strictly increases across updates
}

// OwnerStats is the aggregate view over one owner's active records.
type OwnerStats struct {
	Count         int64   `json:"count"`
	AverageRating float64 `json:"average_rating"`
	LastDate      string  `json:"last_date,omitempty"`
}

// Clone returns a deep copy so callers can mutate the result without
// affecting store-held state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// NormalizeTags deduplicates and sorts a tag list into set form.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// NextUpdateTime returns a timestamp strictly after prev. Wall clocks can
// stand still between two updates in the same millisecond, so the previous
// value is bumped instead when the clock has not advanced.
func NextUpdateTime(prev time.Time) time.Time {
	now := time.Now().UTC()
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Millisecond)
}

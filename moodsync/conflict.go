// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodsync

import (
	"fmt"
	"reflect"
)

// ConflictRecord describes one field-level divergence found while merging
// local and remote versions of the same record. Conflict records live for
// the duration of one reconciliation pass and are never persisted.
type ConflictRecord struct {
	Field       string `json:"field"`
	LocalValue  any    `json:"local_value"`
	RemoteValue any    `json:"remote_value"`
	Strategy    string `json:"strategy"`
}

// Resolver decides how a two-way divergence of one record is resolved.
type Resolver interface {
	// Resolve returns the record to keep locally. keepLocal reports
	// whether the resolved record still carries local values and must be
	// pushed back to the remote store; false accepts the remote version
	// as-is and drops the pending local operation.
	Resolve(local, remote *Record) (resolved *Record, keepLocal bool, conflicts []ConflictRecord, err error)
}

// StrategyResolver resolves conflicts with one configured strategy applied
// at field level.
type StrategyResolver struct {
	Strategy string
}

// NewStrategyResolver returns a resolver for the given strategy name.
func NewStrategyResolver(strategy string) (*StrategyResolver, error) {
	switch strategy {
	case StrategyLocal, StrategyRemote, StrategyMerge:
		return &StrategyResolver{Strategy: strategy}, nil
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

func (r *StrategyResolver) Resolve(local, remote *Record) (*Record, bool, []ConflictRecord, error) {
	conflicts := diffRecords(local, remote, r.Strategy)

	switch r.Strategy {
	case StrategyLocal:
		return local.Clone(), true, conflicts, nil
	case StrategyRemote:
		return remote.Clone(), false, conflicts, nil
	}

	merged := mergeRecords(local, remote)
	// Nothing local survived the merge: accept the remote version instead
	// of pushing back an identical record.
	keepLocal := !contentEqual(merged, remote)
	return merged, keepLocal, conflicts, nil
}

// mergeRecords combines both versions field by field: text concatenates
// with a newline, tags union, metadata shallow-merges with remote winning
// key collisions, timestamps take the later value, and every other field
// takes the remote value.
func mergeRecords(local, remote *Record) *Record {
	out := remote.Clone()

	if local.Note != remote.Note {
		switch {
		case local.Note == "":
			out.Note = remote.Note
		case remote.Note == "":
			out.Note = local.Note
		default:
			out.Note = local.Note + "\n" + remote.Note
		}
	}

	out.Tags = NormalizeTags(append(append([]string(nil), local.Tags...), remote.Tags...))

	if local.Metadata != nil || remote.Metadata != nil {
		meta := make(map[string]any, len(local.Metadata)+len(remote.Metadata))
		for k, v := range local.Metadata {
			meta[k] = v
		}
		for k, v := range remote.Metadata {
			meta[k] = v
		}
		out.Metadata = meta
	}

	if local.CreatedAt.After(remote.CreatedAt) {
		out.CreatedAt = local.CreatedAt
	}
	if local.UpdatedAt.After(remote.UpdatedAt) {
		out.UpdatedAt = local.UpdatedAt
	}

	return out
}

// diffRecords reports which content fields differ between the two versions.
func diffRecords(local, remote *Record, strategy string) []ConflictRecord {
	var out []ConflictRecord
	add := func(field string, lv, rv any) {
		out = append(out, ConflictRecord{Field: field, LocalValue: lv, RemoteValue: rv, Strategy: strategy})
	}

	if local.Rating != remote.Rating {
		add("rating", local.Rating, remote.Rating)
	}
	if local.Note != remote.Note {
		add("note", local.Note, remote.Note)
	}
	if local.EntryDate != remote.EntryDate {
		add("entry_date", local.EntryDate, remote.EntryDate)
	}
	if local.Status != remote.Status {
		add("status", local.Status, remote.Status)
	}
	if !reflect.DeepEqual(NormalizeTags(local.Tags), NormalizeTags(remote.Tags)) {
		add("tags", local.Tags, remote.Tags)
	}
	if !reflect.DeepEqual(local.Metadata, remote.Metadata) {
		add("metadata", local.Metadata, remote.Metadata)
	}
	return out
}

func contentEqual(a, b *Record) bool {
	return a.Rating == b.Rating &&
		a.Note == b.Note &&
		a.EntryDate == b.EntryDate &&
		a.Status == b.Status &&
		reflect.DeepEqual(NormalizeTags(a.Tags), NormalizeTags(b.Tags)) &&
		reflect.DeepEqual(a.Metadata, b.Metadata)
}

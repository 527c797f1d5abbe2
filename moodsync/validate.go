// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodsync

import (
	"fmt"
	"time"
)

// Domain bounds enforced by the facade before a record reaches any store
const (
	MinRating  = 1
	MaxRating  = 10
	MaxNoteLen = 500
)

func validateOwner(ownerID string) error {
	if ownerID == "" {
		return &ValidationError{Field: "owner_id", Reason: "must not be empty"}
	}
	return nil
}

func validateRating(rating int) error {
	if rating < MinRating || rating > MaxRating {
		return &ValidationError{
			Field:  "rating",
			Reason: fmt.Sprintf("must be between %d and %d, got %d", MinRating, MaxRating, rating),
		}
	}
	return nil
}

func validateNote(note string) error {
	if len(note) > MaxNoteLen {
		return &ValidationError{
			Field:  "note",
			Reason: fmt.Sprintf("must not exceed %d characters, got %d", MaxNoteLen, len(note)),
		}
	}
	return nil
}

// validateEntryDate checks the calendar date and returns its normalized
// form, so "2024-1-5" style inputs never reach a store.
func validateEntryDate(date string) (string, error) {
	t, err := time.Parse(EntryDateLayout, date)
	if err != nil {
		return "", &ValidationError{Field: "entry_date", Reason: fmt.Sprintf("must be a %s date: %v", EntryDateLayout, err)}
	}
	norm := t.Format(EntryDateLayout)
	if norm != date {
		return "", &ValidationError{Field: "entry_date", Reason: fmt.Sprintf("must be a normalized %s date", EntryDateLayout)}
	}
	return norm, nil
}

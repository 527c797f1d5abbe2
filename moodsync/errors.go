// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodsync

import (
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is
var (
	// ErrNotFound is returned when a record id does not exist in a store.
	ErrNotFound = errors.New("record not found")

	// ErrStoreClosed is returned when an operation runs against a store
	// that was never connected or has been closed.
	ErrStoreClosed = errors.New("store is closed")

	// ErrRemoteUnavailable is returned when a remote-first operation is
	// requested while the remote store is disconnected.
	ErrRemoteUnavailable = errors.New("remote store unavailable")
)

// ValidationError reports bad input: rating out of range, oversized note,
// malformed date or a duplicate (owner, date) pair. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// TransientStoreError wraps a failure that is worth retrying: connection
// drops, timeouts, serialization conflicts. Exhausted retries surface it
// as a sync failure entry instead of failing the original mutation.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error in %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// PermanentStoreError wraps a failure that retrying cannot fix: auth
// failures, schema problems, constraint violations. Surfaced immediately.
type PermanentStoreError struct {
	Op  string
	Err error
}

func (e *PermanentStoreError) Error() string {
	return fmt.Sprintf("permanent store error in %s: %v", e.Op, e.Err)
}

func (e *PermanentStoreError) Unwrap() error { return e.Err }

// EncryptionError wraps an encrypt or decrypt failure. Always fatal to the
// calling operation and never silently swallowed.
type EncryptionError struct {
	Op  string
	Err error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption error in %s: %v", e.Op, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried per the backoff policy.
func IsTransient(err error) bool {
	var te *TransientStoreError
	return errors.As(err, &te)
}

// IsValidation reports whether err originates from input validation.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsEncryption reports whether err is an encrypt/decrypt failure.
func IsEncryption(err error) bool {
	var ee *EncryptionError
	return errors.As(err, &ee)
}

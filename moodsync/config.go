// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodsync

import (
	"fmt"
	"math"
	"time"
)

// Config is the single configuration struct handed in by the caller at
// construction time. There is no ambient global configuration; everything
// the storage layer needs arrives here.
type Config struct {
	Local  LocalConfig
	Remote *RemoteConfig // nil runs the system in local-only mode
	Retry  RetryConfig
	Sync   SyncConfig
}

// LocalConfig configures the mandatory local store.
type LocalConfig struct {
	Path        string        // database file path, or ":memory:"
	WAL         bool          // enable write-ahead logging
	BusyTimeout time.Duration // SQLite busy timeout, 0 uses the driver default
}

// RemoteConfig configures the optional remote store.
type RemoteConfig struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	TLS            bool
	PoolSize       int32         // max pooled connections, 0 uses the pool default
	ConnectTimeout time.Duration // per-attempt dial timeout
	QueryTimeout   time.Duration // per-operation deadline, 0 disables

	// EncryptionKey is the passphrase the at-rest record encryption key is
	// derived from. Must be at least 16 characters; initialization fails
	// closed when it is missing or short rather than generating a
	// throwaway key that would leave ciphertext unrecoverable.
	EncryptionKey string
}

// RetryConfig bounds retries of remote operations and drives the
// reconnection backoff. Delay for attempt n is BaseDelay * Multiplier^n,
// capped at MaxDelay.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// SyncConfig configures the sync engine and the facade's replication path.
type SyncConfig struct {
	OwnerID             string // principal whose records the pull path replicates
	MaxAttempts         int    // queued operation attempts before eviction
	Strategy            string // local, remote or merge
	PreferImmediateSync bool   // push mutations inline when the remote is available
}

// MinEncryptionKeyLen is the minimum accepted encryption passphrase length.
const MinEncryptionKeyLen = 16

// DefaultConfig returns a configuration with production defaults for the
// given local database path. Remote stays nil until the caller fills it in.
func DefaultConfig(localPath string) *Config {
	return &Config{
		Local: LocalConfig{
			Path:        localPath,
			WAL:         true,
			BusyTimeout: 5 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  100 * time.Millisecond,
			MaxDelay:   30 * time.Second,
			Multiplier: 2.0,
		},
		Sync: SyncConfig{
			MaxAttempts:         5,
			Strategy:            StrategyRemote,
			PreferImmediateSync: true,
		},
	}
}

// Validate checks the configuration before any store is touched.
func (c *Config) Validate() error {
	if c.Local.Path == "" {
		return &ValidationError{Field: "local.path", Reason: "must not be empty"}
	}
	if c.Retry.MaxRetries < 0 {
		return &ValidationError{Field: "retry.maxRetries", Reason: "must not be negative"}
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return &ValidationError{Field: "retry.delay", Reason: "must not be negative"}
	}
	if c.Retry.Multiplier < 1 {
		return &ValidationError{Field: "retry.multiplier", Reason: "must be at least 1"}
	}
	switch c.Sync.Strategy {
	case StrategyLocal, StrategyRemote, StrategyMerge:
	default:
		return &ValidationError{Field: "sync.strategy", Reason: fmt.Sprintf("unknown strategy %q", c.Sync.Strategy)}
	}
	if c.Sync.MaxAttempts < 1 {
		return &ValidationError{Field: "sync.maxAttempts", Reason: "must be at least 1"}
	}
	if c.Remote != nil {
		if c.Remote.Host == "" {
			return &ValidationError{Field: "remote.host", Reason: "must not be empty"}
		}
		if c.Remote.Database == "" {
			return &ValidationError{Field: "remote.database", Reason: "must not be empty"}
		}
		if len(c.Remote.EncryptionKey) < MinEncryptionKeyLen {
			return &ValidationError{
				Field:  "remote.encryptionKey",
				Reason: fmt.Sprintf("must be at least %d characters", MinEncryptionKeyLen),
			}
		}
		if c.Sync.OwnerID == "" {
			return &ValidationError{Field: "sync.ownerId", Reason: "required when a remote store is configured"}
		}
	}
	return nil
}

// DelayFor computes the backoff delay before retry attempt n (zero-based).
func (c RetryConfig) DelayFor(attempt int) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

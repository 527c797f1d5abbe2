// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodsync

// Lifecycle status constants for records
const (
	StatusActive   = "active"
	StatusDeleted  = "deleted"
	StatusArchived = "archived"
)

// Operation kind constants for queued sync operations
const (
	KindCreate = "create"
	KindUpdate = "update"
	KindDelete = "delete"
)

// Connection state constants for the per-store state machine
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

// Overall health classification constants
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Conflict resolution strategy constants
const (
	StrategyLocal  = "local"
	StrategyRemote = "remote"
	StrategyMerge  = "merge"
)

// EntryDateLayout is the calendar date format used by Record.EntryDate
const EntryDateLayout = "2006-01-02"

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodsync

import "time"

// ConnectionStatus is one store's health snapshot. It is owned by the
// connection manager; all other components read copies of it.
type ConnectionStatus struct {
	State           string    `json:"state"` // disconnected, connecting or connected
	Connected       bool      `json:"connected"`
	LastError       string    `json:"last_error,omitempty"`
	LastConnectedAt time.Time `json:"last_connected_at,omitempty"`
}

// Statuses bundles both stores' snapshots as returned by Manager.Status.
type Statuses struct {
	Local  ConnectionStatus `json:"local"`
	Remote ConnectionStatus `json:"remote"`
}

// HealthReport classifies overall health and explains it. Status is
// healthy when the local store is up and the remote store is up or not
// configured, degraded when a configured remote store is down, and
// unhealthy when the local store is down.
type HealthReport struct {
	Status          string   `json:"status"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

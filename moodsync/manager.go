// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package moodsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager owns the lifecycle of both stores. It is the only component that
// connects, pings and closes them, and the only writer of their
// ConnectionStatus snapshots. The local store is mandatory: a local
// connection failure is fatal to initialization. The remote store degrades:
// a failure is recorded, the system continues in local-only mode and a
// supervised reconnect task keeps trying in the background.
type Manager struct {
	local  RecordStore
	remote RemoteRecordStore // nil when no remote store is configured
	retry  RetryConfig
	logger *slog.Logger

	mu           sync.RWMutex
	localStatus  ConnectionStatus
	remoteStatus ConnectionStatus
	closed       bool

	reconnectCancel context.CancelFunc
	reconnectDone   chan struct{}
}

// NewManager creates a manager over the given stores. remote may be nil.
func NewManager(local RecordStore, remote RemoteRecordStore, retry RetryConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		local:        local,
		remote:       remote,
		retry:        retry,
		logger:       logger,
		localStatus:  ConnectionStatus{State: StateDisconnected},
		remoteStatus: ConnectionStatus{State: StateDisconnected},
	}
}

// Start connects both stores. A local failure aborts with an error; a
// remote failure leaves the system degraded and schedules reconnection.
func (m *Manager) Start(ctx context.Context) error {
	m.setLocalState(StateConnecting, nil)
	if err := m.local.Connect(ctx); err != nil {
		m.setLocalState(StateDisconnected, err)
		return fmt.Errorf("failed to connect local store: %w", err)
	}
	m.setLocalState(StateConnected, nil)
	m.logger.Info("Local store connected")

	if m.remote == nil {
		m.logger.Info("No remote store configured, running local-only")
		return nil
	}

	m.setRemoteState(StateConnecting, nil)
	if err := m.remote.Connect(ctx); err != nil {
		m.setRemoteState(StateDisconnected, err)
		m.logger.Warn("Remote store unavailable, continuing in degraded mode", "error", err)
		m.mu.Lock()
		m.startReconnectLocked()
		m.mu.Unlock()
		return nil
	}
	m.setRemoteState(StateConnected, nil)
	m.logger.Info("Remote store connected")
	return nil
}

// Close cancels the reconnect task, waits for it, and closes both stores.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.reconnectCancel
	done := m.reconnectDone
	m.reconnectCancel = nil
	m.reconnectDone = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	var firstErr error
	if m.remote != nil {
		if err := m.remote.Close(); err != nil {
			m.logger.Error("Failed to close remote store", "error", err)
			firstErr = err
		}
		m.setRemoteState(StateDisconnected, nil)
	}
	if err := m.local.Close(); err != nil {
		m.logger.Error("Failed to close local store", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	m.setLocalState(StateDisconnected, nil)
	return firstErr
}

// IsLocalAvailable reports whether the local store is connected.
func (m *Manager) IsLocalAvailable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.localStatus.Connected
}

// IsRemoteAvailable reports whether a configured remote store is connected.
func (m *Manager) IsRemoteAvailable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remote != nil && m.remoteStatus.Connected
}

// RemoteConfigured reports whether a remote store exists at all.
func (m *Manager) RemoteConfigured() bool {
	return m.remote != nil
}

// Status returns read-only snapshots for both stores.
func (m *Manager) Status() Statuses {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Statuses{Local: m.localStatus, Remote: m.remoteStatus}
}

// HealthSummary classifies overall health from the current snapshots.
func (m *Manager) HealthSummary() *HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rep := &HealthReport{Status: HealthHealthy}
	if !m.localStatus.Connected {
		rep.Status = HealthUnhealthy
		issue := "local store unavailable"
		if m.localStatus.LastError != "" {
			issue += ": " + m.localStatus.LastError
		}
		rep.Issues = append(rep.Issues, issue)
		rep.Recommendations = append(rep.Recommendations,
			"check the local database path and file permissions")
	}
	if m.remote != nil && !m.remoteStatus.Connected {
		if rep.Status == HealthHealthy {
			rep.Status = HealthDegraded
		}
		issue := "remote store unavailable"
		if m.remoteStatus.LastError != "" {
			issue += ": " + m.remoteStatus.LastError
		}
		rep.Issues = append(rep.Issues, issue)
		rep.Recommendations = append(rep.Recommendations,
			"verify remote store credentials and network connectivity",
			"local changes are preserved and will replicate after reconnection")
	}
	return rep
}

// NoteRemoteFailure transitions the remote store to disconnected after an
// operational failure and kicks the reconnect task. Callers keep working
// local-only in the meantime.
func (m *Manager) NoteRemoteFailure(err error) {
	if m.remote == nil || err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.remoteStatus.Connected {
		m.logger.Warn("Remote store became unavailable", "error", err)
	}
	m.remoteStatus.State = StateDisconnected
	m.remoteStatus.Connected = false
	m.remoteStatus.LastError = err.Error()
	m.startReconnectLocked()
}

// startReconnectLocked launches the supervised reconnect goroutine if it is
// not already running. Caller holds m.mu.
func (m *Manager) startReconnectLocked() {
	if m.closed || m.reconnectDone != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.reconnectCancel = cancel
	m.reconnectDone = done
	go func() {
		defer cancel()
		m.reconnectLoop(ctx, done)
	}()
}

// reconnectLoop retries the remote connection with exponential backoff
// capped at the configured maximum. It never gives up on its own; it exits
// on success or when the manager closes.
func (m *Manager) reconnectLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	delay := m.retry.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for {
		if err := sleepWithContext(ctx, delay); err != nil {
			return
		}

		m.setRemoteState(StateConnecting, nil)
		err := m.remote.Connect(ctx)
		if err == nil {
			m.mu.Lock()
			m.remoteStatus = ConnectionStatus{
				State:           StateConnected,
				Connected:       true,
				LastConnectedAt: time.Now().UTC(),
			}
			m.reconnectCancel = nil
			m.reconnectDone = nil
			m.mu.Unlock()
			m.logger.Info("Remote store reconnected")
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.setRemoteState(StateDisconnected, err)

		delay *= 2
		if m.retry.MaxDelay > 0 && delay > m.retry.MaxDelay {
			delay = m.retry.MaxDelay
		}
		m.logger.Warn("Remote store reconnect failed", "error", err, "next_attempt_in", delay)
	}
}

func (m *Manager) setLocalState(state string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyState(&m.localStatus, state, err)
}

func (m *Manager) setRemoteState(state string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyState(&m.remoteStatus, state, err)
}

func (m *Manager) applyState(st *ConnectionStatus, state string, err error) {
	st.State = state
	st.Connected = state == StateConnected
	if err != nil {
		st.LastError = err.Error()
	}
	if st.Connected {
		st.LastError = ""
		st.LastConnectedAt = time.Now().UTC()
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

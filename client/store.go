// Copyright 2024-2025 The real-time-dashboard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"sync"
	"time"

	"github.com/Hiep-123/real-time-dashboard/common"
	"github.com/Hiep-123/real-time-dashboard/dashboard"
	"github.com/apex/log"
)

// ConnectionStatus aggregate connection state derived by the store
type ConnectionStatus string

// Connection status values, in order of precedence
const (
	// StatusConnected at least one channel connection is live
	StatusConnected ConnectionStatus = "connected"
	// StatusConnecting a connection attempt is in flight
	StatusConnecting ConnectionStatus = "connecting"
	// StatusError the last connection attempt ended in an error
	StatusError ConnectionStatus = "error"
	// StatusDisconnected no connection and no attempt in flight
	StatusDisconnected ConnectionStatus = "disconnected"
)

// MetricPoint one point of the per-channel metrics time series
type MetricPoint struct {
	// Timestamp is the snapshot timestamp
	Timestamp time.Time `json:"timestamp"`
	// CPU usage percentage
	CPU float64 `json:"cpu"`
	// Memory usage percentage
	Memory float64 `json:"memory"`
	// Network throughput
	Network float64 `json:"network"`
	// Disk usage percentage
	Disk float64 `json:"disk"`
}

// channelState per-channel slice of the store
type channelState struct {
	latest     *dashboard.Snapshot
	lastUpdate time.Time
	history    []dashboard.Snapshot
	dataPoints int
	logs       []dashboard.LogEntry
}

// DashboardStore client-side state store fed by a ConnectionManager. Rapid
// snapshot bursts on a channel are debounced on the trailing edge, so only the
// last snapshot of a burst is committed. Committed history is bounded.
type DashboardStore interface {
	ConnectionObserver

	// Initialize reset connections and open one per channel through the manager
	Initialize(manager ConnectionManager, channels []string) error
	// Ingest record a snapshot for a channel, subject to debouncing
	Ingest(channel string, snapshot dashboard.Snapshot)
	// Reset drop all state and cancel pending debounce commits
	Reset()
	// ConnectionStatus derived aggregate connection state
	ConnectionStatus() ConnectionStatus
	// ConnectionError last connection error, nil if none
	ConnectionError() error
	// Latest most recently committed snapshot for a channel, nil if none
	Latest(channel string) *dashboard.Snapshot
	// LastUpdated timestamp of the most recently committed snapshot for a
	// channel, zero if none
	LastUpdated(channel string) time.Time
	// MetricsSeries committed metric points for a channel, oldest first
	MetricsSeries(channel string) []MetricPoint
	// DataPointsCount count of snapshots committed for a channel since the last
	// reset. Unlike the bounded history this only grows.
	DataPointsCount(channel string) int
	// LogWindow latest activity log window for a channel, newest first
	LogWindow(channel string) []dashboard.LogEntry
}

// dashboardStoreImpl implements DashboardStore
type dashboardStoreImpl struct {
	common.Component
	historyLength  int
	debounceWindow time.Duration
	channels       map[string]*channelState
	pending        map[string]dashboard.Snapshot
	timers         map[string]*time.Timer
	connected      map[string]bool
	connecting     map[string]bool
	connectionErr  error
	generation     int
	lock           *sync.Mutex
}

// NewDashboardStore create new dashboard state store
func NewDashboardStore(historyLength int, debounceWindow time.Duration) DashboardStore {
	logTags := log.Fields{
		"module": "client", "component": "dashboard-store",
	}
	return &dashboardStoreImpl{
		Component:      common.Component{LogTags: logTags},
		historyLength:  historyLength,
		debounceWindow: debounceWindow,
		channels:       make(map[string]*channelState),
		pending:        make(map[string]dashboard.Snapshot),
		timers:         make(map[string]*time.Timer),
		connected:      make(map[string]bool),
		connecting:     make(map[string]bool),
		lock:           &sync.Mutex{},
	}
}

// Initialize reset connections and open one per channel through the manager
func (s *dashboardStoreImpl) Initialize(
	manager ConnectionManager, channels []string,
) error {
	_ = manager.DisconnectAll()
	s.Reset()
	for _, channel := range channels {
		if err := manager.Connect(channel); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Unable to connect channel %s", channel,
			)
			s.HandleDisconnected(channel, err)
			return err
		}
	}
	return nil
}

// Ingest record a snapshot for a channel, subject to debouncing
func (s *dashboardStoreImpl) Ingest(channel string, snapshot dashboard.Snapshot) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.pending[channel] = snapshot
	if timer, ok := s.timers[channel]; ok {
		// Burst in progress. Push the trailing edge out.
		timer.Reset(s.debounceWindow)
		return
	}
	commitGen := s.generation
	s.timers[channel] = time.AfterFunc(s.debounceWindow, func() {
		s.commit(channel, commitGen)
	})
}

// commit move the pending snapshot of a channel into committed state
func (s *dashboardStoreImpl) commit(channel string, commitGen int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if commitGen != s.generation {
		// Reset since this commit was scheduled
		return
	}
	snapshot, ok := s.pending[channel]
	if !ok {
		return
	}
	delete(s.pending, channel)
	delete(s.timers, channel)

	state := s.channelStateLocked(channel)
	if len(state.history) > 0 {
		last := state.history[len(state.history)-1]
		if last.Timestamp.Equal(snapshot.Timestamp) {
			log.WithFields(s.LogTags).Debugf(
				"Duplicate timestamp on channel %s. Snapshot dropped", channel,
			)
			return
		}
	}
	state.history = append(state.history, snapshot)
	if len(state.history) > s.historyLength {
		state.history = state.history[len(state.history)-s.historyLength:]
	}
	state.latest = &snapshot
	state.lastUpdate = snapshot.Timestamp
	state.dataPoints++
}

// Reset drop all state and cancel pending debounce commits
func (s *dashboardStoreImpl) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.generation++
	for _, timer := range s.timers {
		timer.Stop()
	}
	s.channels = make(map[string]*channelState)
	s.pending = make(map[string]dashboard.Snapshot)
	s.timers = make(map[string]*time.Timer)
	s.connected = make(map[string]bool)
	s.connecting = make(map[string]bool)
	s.connectionErr = nil
	log.WithFields(s.LogTags).Info("Store reset")
}

// channelStateLocked fetch or create channel state. Caller holds the lock.
func (s *dashboardStoreImpl) channelStateLocked(channel string) *channelState {
	state, ok := s.channels[channel]
	if !ok {
		state = &channelState{}
		s.channels[channel] = state
	}
	return state
}

// ----------------------------------------------------------------------------------------
// ConnectionObserver hooks

// HandleConnected a channel connection became live
func (s *dashboardStoreImpl) HandleConnected(channel string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.connected[channel] = true
	delete(s.connecting, channel)
	s.connectionErr = nil
}

// HandleConnecting a connection attempt for a channel is in flight
func (s *dashboardStoreImpl) HandleConnecting(channel string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.connected, channel)
	s.connecting[channel] = true
}

// HandleDisconnected a channel connection ended
func (s *dashboardStoreImpl) HandleDisconnected(channel string, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.connected, channel)
	delete(s.connecting, channel)
	if err != nil {
		s.connectionErr = err
	}
}

// HandleSnapshot a data snapshot arrived for a channel
func (s *dashboardStoreImpl) HandleSnapshot(
	channel string, snapshot dashboard.Snapshot,
) {
	s.Ingest(channel, snapshot)
}

// HandleLogWindow a log window update arrived for a channel. Log windows are
// replacements from the server, so they bypass the snapshot debounce.
func (s *dashboardStoreImpl) HandleLogWindow(
	channel string, entries []dashboard.LogEntry,
) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.channelStateLocked(channel).logs = entries
}

// ----------------------------------------------------------------------------------------
// Read accessors

// ConnectionStatus derived aggregate connection state
func (s *dashboardStoreImpl) ConnectionStatus() ConnectionStatus {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.connected) > 0 {
		return StatusConnected
	}
	if len(s.connecting) > 0 {
		return StatusConnecting
	}
	if s.connectionErr != nil {
		return StatusError
	}
	return StatusDisconnected
}

// ConnectionError last connection error, nil if none
func (s *dashboardStoreImpl) ConnectionError() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.connectionErr
}

// Latest most recently committed snapshot for a channel
func (s *dashboardStoreImpl) Latest(channel string) *dashboard.Snapshot {
	s.lock.Lock()
	defer s.lock.Unlock()
	state, ok := s.channels[channel]
	if !ok || state.latest == nil {
		return nil
	}
	copied := *state.latest
	return &copied
}

// LastUpdated timestamp of the most recently committed snapshot for a channel
func (s *dashboardStoreImpl) LastUpdated(channel string) time.Time {
	s.lock.Lock()
	defer s.lock.Unlock()
	state, ok := s.channels[channel]
	if !ok {
		return time.Time{}
	}
	return state.lastUpdate
}

// MetricsSeries committed metric points for a channel, oldest first
func (s *dashboardStoreImpl) MetricsSeries(channel string) []MetricPoint {
	s.lock.Lock()
	defer s.lock.Unlock()
	state, ok := s.channels[channel]
	if !ok {
		return nil
	}
	series := make([]MetricPoint, 0, len(state.history))
	for _, snapshot := range state.history {
		series = append(series, MetricPoint{
			Timestamp: snapshot.Timestamp,
			CPU:       snapshot.Metrics.CPU,
			Memory:    snapshot.Metrics.Memory,
			Network:   snapshot.Metrics.Network,
			Disk:      snapshot.Metrics.Disk,
		})
	}
	return series
}

// DataPointsCount count of snapshots committed for a channel since last reset
func (s *dashboardStoreImpl) DataPointsCount(channel string) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	state, ok := s.channels[channel]
	if !ok {
		return 0
	}
	return state.dataPoints
}

// LogWindow latest activity log window for a channel, newest first
func (s *dashboardStoreImpl) LogWindow(channel string) []dashboard.LogEntry {
	s.lock.Lock()
	defer s.lock.Unlock()
	state, ok := s.channels[channel]
	if !ok {
		return nil
	}
	window := make([]dashboard.LogEntry, len(state.logs))
	copy(window, state.logs)
	return window
}

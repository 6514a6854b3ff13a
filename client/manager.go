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
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Hiep-123/real-time-dashboard/common"
	"github.com/Hiep-123/real-time-dashboard/dashboard"
	"github.com/Hiep-123/real-time-dashboard/session"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// ErrNoCredential no credential is available to open a connection with
var ErrNoCredential = errors.New("no credential available")

// ConnectionObserver sink for connection lifecycle and data events
type ConnectionObserver interface {
	// HandleConnected a channel connection became live
	HandleConnected(channel string)
	// HandleConnecting a connection attempt for a channel is in flight
	HandleConnecting(channel string)
	// HandleDisconnected a channel connection ended. err is non-nil when the
	// connection ends in an error state.
	HandleDisconnected(channel string, err error)
	// HandleSnapshot a data snapshot arrived for a channel
	HandleSnapshot(channel string, snapshot dashboard.Snapshot)
	// HandleLogWindow a log window update arrived for a channel
	HandleLogWindow(channel string, entries []dashboard.LogEntry)
}

// ConnectionManager maintains at most one live transport connection per
// channel, hiding reconnection from callers. An unexpected drop triggers
// exactly one reconnection attempt after a fixed delay; a manual disconnect
// triggers none.
type ConnectionManager interface {
	// Connect open a connection for a channel. Idempotent for live connections.
	Connect(channel string) error
	// Disconnect manually tear down the named channel connection
	Disconnect(channel string) error
	// DisconnectAll manually tear down every connection
	DisconnectAll() error
	// RequestSnapshot ask the server for an immediate snapshot on a channel
	RequestSnapshot(channel string) error
	// SubmitLog send a new activity log entry over a channel connection
	SubmitLog(channel string, entry session.LogSubmission) error
	// SetToken rotate the credential. Open connections are unaffected; the new
	// credential takes effect on the next reconnection.
	SetToken(token string)
	// IsConnected true iff at least one managed connection is live
	IsConnected() bool
}

// managedConnection one live transport connection. The manual flag is owned by
// the connection, so a tear-down requested on this connection never suppresses
// or triggers reconnection of a later connection on the same channel.
type managedConnection struct {
	conn      *websocket.Conn
	live      bool
	manual    bool
	rejected  bool
	writeLock *sync.Mutex
}

// connectionManagerImpl implements ConnectionManager
type connectionManagerImpl struct {
	common.Component
	baseURL        string
	token          string
	reconnectDelay time.Duration
	observer       ConnectionObserver
	connections    map[string]*managedConnection
	lock           *sync.Mutex
	rootContext    context.Context
	wg             *sync.WaitGroup
	dialer         *websocket.Dialer
}

// DefineConnectionManager create new connection manager. baseURL is the server
// websocket base, e.g. "ws://127.0.0.1:3001".
func DefineConnectionManager(
	rootCtxt context.Context,
	baseURL string,
	token string,
	reconnectDelay time.Duration,
	observer ConnectionObserver,
	wg *sync.WaitGroup,
) (ConnectionManager, error) {
	logTags := log.Fields{
		"module": "client", "component": "connection-manager",
	}
	return &connectionManagerImpl{
		Component:      common.Component{LogTags: logTags},
		baseURL:        baseURL,
		token:          token,
		reconnectDelay: reconnectDelay,
		observer:       observer,
		connections:    make(map[string]*managedConnection),
		lock:           &sync.Mutex{},
		rootContext:    rootCtxt,
		wg:             wg,
		dialer:         websocket.DefaultDialer,
	}, nil
}

// Connect open a connection for a channel
func (m *connectionManagerImpl) Connect(channel string) error {
	m.lock.Lock()
	if existing, ok := m.connections[channel]; ok && existing.live {
		m.lock.Unlock()
		log.WithFields(m.LogTags).Debugf("Connection for %s already live", channel)
		return nil
	}
	if m.token == "" {
		m.lock.Unlock()
		return ErrNoCredential
	}
	endpoint := fmt.Sprintf("%s/v1/channel/%s/stream", m.baseURL, channel)
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", m.token))
	m.lock.Unlock()

	m.observer.HandleConnecting(channel)
	conn, resp, err := m.dialer.DialContext(m.rootContext, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to connect %s", endpoint)
		return err
	}

	managed := &managedConnection{conn: conn, live: true, writeLock: &sync.Mutex{}}
	m.lock.Lock()
	m.connections[channel] = managed
	m.lock.Unlock()

	log.WithFields(m.LogTags).Infof("Connected channel %s", channel)
	m.observer.HandleConnected(channel)

	m.wg.Add(1)
	go m.readLoop(channel, managed)
	return nil
}

// readLoop receive events for one connection until it ends
func (m *connectionManagerImpl) readLoop(channel string, managed *managedConnection) {
	defer m.wg.Done()
	for {
		var event session.OutboundEvent
		if err := managed.conn.ReadJSON(&event); err != nil {
			m.handleDrop(channel, managed, err)
			return
		}
		m.lock.Lock()
		suppress := managed.manual
		m.lock.Unlock()
		if suppress {
			// Tear-down in progress. Late events must not repopulate state.
			continue
		}
		switch event.Kind {
		case session.EventKindData:
			if event.Snapshot != nil {
				m.observer.HandleSnapshot(channel, *event.Snapshot)
			}
		case session.EventKindUserLog:
			m.observer.HandleLogWindow(channel, event.Logs)
		case session.EventKindError:
			// Handshake rejection by the server. Terminal, no reconnect.
			log.WithFields(m.LogTags).Errorf(
				"Server rejected channel %s: %s", channel, event.Error,
			)
			managed.rejected = true
		default:
			log.WithFields(m.LogTags).Warnf("Ignoring unknown event kind '%s'", event.Kind)
		}
	}
}

// handleDrop process the end of a connection
func (m *connectionManagerImpl) handleDrop(
	channel string, managed *managedConnection, cause error,
) {
	m.lock.Lock()
	managed.live = false
	if current, ok := m.connections[channel]; ok && current == managed {
		delete(m.connections, channel)
	}
	manual := managed.manual
	rejected := managed.rejected
	m.lock.Unlock()

	if manual {
		log.WithFields(m.LogTags).Infof("Channel %s closed on request", channel)
		m.observer.HandleDisconnected(channel, nil)
		return
	}
	if rejected {
		m.observer.HandleDisconnected(
			channel, fmt.Errorf("server rejected channel %s subscription", channel),
		)
		return
	}

	// Unexpected drop. Schedule exactly one reconnection attempt; a failed
	// attempt surfaces as an error state instead of retrying further.
	log.WithError(cause).WithFields(m.LogTags).Warnf(
		"Channel %s dropped unexpectedly. Reconnecting in %s", channel, m.reconnectDelay,
	)
	m.observer.HandleConnecting(channel)
	retry, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("reconnect.%s", channel), m.rootContext, m.wg,
	)
	if err != nil {
		m.observer.HandleDisconnected(channel, err)
		return
	}
	_ = retry.Start(m.reconnectDelay, func() error {
		if err := m.Connect(channel); err != nil {
			m.observer.HandleDisconnected(channel, err)
		}
		return nil
	}, true)
}

// Disconnect manually tear down the named channel connection
func (m *connectionManagerImpl) Disconnect(channel string) error {
	m.lock.Lock()
	managed, ok := m.connections[channel]
	if ok {
		managed.manual = true
		delete(m.connections, channel)
	}
	m.lock.Unlock()
	if !ok {
		return fmt.Errorf("no connection managed for channel %s", channel)
	}
	log.WithFields(m.LogTags).Infof("Manually disconnecting channel %s", channel)
	return managed.conn.Close()
}

// DisconnectAll manually tear down every connection
func (m *connectionManagerImpl) DisconnectAll() error {
	m.lock.Lock()
	remaining := m.connections
	for _, managed := range remaining {
		managed.manual = true
	}
	m.connections = make(map[string]*managedConnection)
	m.lock.Unlock()
	for channel, managed := range remaining {
		log.WithFields(m.LogTags).Infof("Manually disconnecting channel %s", channel)
		_ = managed.conn.Close()
	}
	return nil
}

// RequestSnapshot ask the server for an immediate snapshot on a channel
func (m *connectionManagerImpl) RequestSnapshot(channel string) error {
	return m.send(channel, session.InboundEvent{Kind: session.EventKindRequestData})
}

// SubmitLog send a new activity log entry over a channel connection
func (m *connectionManagerImpl) SubmitLog(
	channel string, entry session.LogSubmission,
) error {
	return m.send(channel, session.InboundEvent{
		Kind: session.EventKindNewLog, Log: &entry,
	})
}

func (m *connectionManagerImpl) send(channel string, event session.InboundEvent) error {
	m.lock.Lock()
	managed, ok := m.connections[channel]
	m.lock.Unlock()
	if !ok || !managed.live {
		return fmt.Errorf("no live connection for channel %s", channel)
	}
	managed.writeLock.Lock()
	defer managed.writeLock.Unlock()
	return managed.conn.WriteJSON(&event)
}

// SetToken rotate the credential
func (m *connectionManagerImpl) SetToken(token string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.token != token {
		m.token = token
		log.WithFields(m.LogTags).Info("Credential rotated for future connections")
	}
}

// IsConnected true iff at least one managed connection is live
func (m *connectionManagerImpl) IsConnected() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, managed := range m.connections {
		if managed.live {
			return true
		}
	}
	return false
}

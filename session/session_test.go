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

package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Hiep-123/real-time-dashboard/auth"
	"github.com/Hiep-123/real-time-dashboard/broadcast"
	"github.com/Hiep-123/real-time-dashboard/dashboard"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

const testTokenSecret = "unit-test-secret"

// fakeBroadcaster implements broadcast.ChannelBroadcaster for session tests
type fakeBroadcaster struct {
	lock         sync.Mutex
	registered   map[string]broadcast.SnapshotReceiver
	snapshotReqs int
	logEntries   []dashboard.LogEntry
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{registered: make(map[string]broadcast.SnapshotReceiver)}
}

func (b *fakeBroadcaster) Start(_ *sync.WaitGroup) error { return nil }

func (b *fakeBroadcaster) Stop() error { return nil }

func (b *fakeBroadcaster) RegisterSession(
	_ context.Context, session broadcast.SnapshotReceiver,
) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.registered[session.SessionID()] = session
	return nil
}

func (b *fakeBroadcaster) UnregisterSession(_ context.Context, sessionID string) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if _, ok := b.registered[sessionID]; !ok {
		return fmt.Errorf("session %s not registered", sessionID)
	}
	delete(b.registered, sessionID)
	return nil
}

func (b *fakeBroadcaster) RequestSnapshot(_ context.Context, _ string) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.snapshotReqs++
	return nil
}

func (b *fakeBroadcaster) SubmitLog(_ context.Context, entry dashboard.LogEntry) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.logEntries = append(b.logEntries, entry)
	return nil
}

func (b *fakeBroadcaster) registeredCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.registered)
}

func (b *fakeBroadcaster) snapshotReqCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.snapshotReqs
}

func (b *fakeBroadcaster) logEntryCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.logEntries)
}

// dialSocketPair open a real websocket and return both ends of it
func dialSocketPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	assert := assert.New(t)
	upgrader := websocket.Upgrader{}
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			serverConns <- conn
		},
	))
	clientConn, resp, err := websocket.DefaultDialer.Dial(
		strings.Replace(srv.URL, "http", "ws", 1), nil,
	)
	assert.Nil(err)
	if resp != nil && resp.Body != nil {
		assert.Nil(resp.Body.Close())
	}
	serverConn := <-serverConns
	return serverConn, clientConn, func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}
}

func defineTestAuthorizer(t *testing.T) auth.ChannelAuthorizer {
	assert := assert.New(t)
	lookup, err := auth.GetStaticPermissionLookup(map[string][]string{
		"u-1": {"server", "network"},
		"u-2": {"finance"},
	})
	assert.Nil(err)
	authorizer, err := auth.DefineChannelAuthorizer(lookup, testTokenSecret)
	assert.Nil(err)
	return authorizer
}

func TestSessionLifecycle(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverConn, clientConn, cleanup := dialSocketPair(t)
	defer cleanup()

	fake := newFakeBroadcaster()
	uut, err := DefineConnectionSession(
		utCtxt, "server", serverConn, defineTestAuthorizer(t), fake, 16, &wg,
	)
	assert.Nil(err)
	assert.NotEmpty(uut.SessionID())
	assert.Equal(Pending, uut.State())
	assert.Empty(uut.Identity().ID)

	token, err := auth.IssueToken("u-1", "admin", testTokenSecret, time.Minute)
	assert.Nil(err)
	assert.Nil(uut.Start(token))
	assert.Equal(Active, uut.State())
	assert.Equal("u-1", uut.Identity().ID)
	assert.Equal(1, fake.registeredCount())

	// Broadcast deliveries reach the socket as data events
	snapshot := dashboard.Snapshot{
		Timestamp: time.Now().UTC(),
		Metrics:   dashboard.MetricReadings{CPU: 42},
	}
	uut.DeliverSnapshot(snapshot)
	_ = clientConn.SetReadDeadline(time.Now().Add(time.Second * 2))
	var event OutboundEvent
	assert.Nil(clientConn.ReadJSON(&event))
	assert.Equal(EventKindData, event.Kind)
	assert.NotNil(event.Snapshot)
	assert.Equal(42.0, event.Snapshot.Metrics.CPU)

	// Inbound events forward into the pipeline
	assert.Nil(clientConn.WriteJSON(&InboundEvent{Kind: EventKindRequestData}))
	assert.Eventually(func() bool {
		return fake.snapshotReqCount() == 1
	}, time.Second, time.Millisecond*10)

	assert.Nil(clientConn.WriteJSON(&InboundEvent{
		Kind: EventKindNewLog,
		Log:  &LogSubmission{ActorID: "u-1", Action: "acknowledged-alert"},
	}))
	assert.Eventually(func() bool {
		return fake.logEntryCount() == 1
	}, time.Second, time.Millisecond*10)

	// A malformed log submission never reaches the pipeline
	assert.Nil(clientConn.WriteJSON(&InboundEvent{
		Kind: EventKindNewLog,
		Log:  &LogSubmission{Action: "missing-actor"},
	}))
	time.Sleep(time.Millisecond * 100)
	assert.Equal(1, fake.logEntryCount())

	uut.Close("test complete")
	assert.Equal(Closed, uut.State())
	assert.Equal(0, fake.registeredCount())
	select {
	case <-uut.Done():
	default:
		assert.FailNow("session done channel not closed")
	}

	// Traffic after close never reaches the pipeline
	_ = clientConn.WriteJSON(&InboundEvent{Kind: EventKindRequestData})
	time.Sleep(time.Millisecond * 100)
	assert.Equal(1, fake.snapshotReqCount())
}

func TestSessionRejectsInvalidCredential(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverConn, clientConn, cleanup := dialSocketPair(t)
	defer cleanup()

	fake := newFakeBroadcaster()
	uut, err := DefineConnectionSession(
		utCtxt, "server", serverConn, defineTestAuthorizer(t), fake, 16, &wg,
	)
	assert.Nil(err)
	assert.NotNil(uut.Start("not-a-token"))
	assert.Equal(Closed, uut.State())
	assert.Equal(0, fake.registeredCount())
	select {
	case <-uut.Done():
	default:
		assert.FailNow("session done channel not closed")
	}

	// The first and only frame on the socket is the terminal error
	_ = clientConn.SetReadDeadline(time.Now().Add(time.Second * 2))
	var event OutboundEvent
	assert.Nil(clientConn.ReadJSON(&event))
	assert.Equal(EventKindError, event.Kind)
	assert.NotEmpty(event.Error)
	assert.NotNil(clientConn.ReadJSON(&event))
}

func TestSessionRejectsUngrantedChannel(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverConn, clientConn, cleanup := dialSocketPair(t)
	defer cleanup()

	fake := newFakeBroadcaster()
	uut, err := DefineConnectionSession(
		utCtxt, "server", serverConn, defineTestAuthorizer(t), fake, 16, &wg,
	)
	assert.Nil(err)

	// u-2 holds finance only
	token, err := auth.IssueToken("u-2", "viewer", testTokenSecret, time.Minute)
	assert.Nil(err)
	assert.ErrorIs(uut.Start(token), auth.ErrUnauthorized)
	assert.Equal(Closed, uut.State())
	assert.Equal(0, fake.registeredCount())

	_ = clientConn.SetReadDeadline(time.Now().Add(time.Second * 2))
	var event OutboundEvent
	assert.Nil(clientConn.ReadJSON(&event))
	assert.Equal(EventKindError, event.Kind)
}

func TestSessionIgnoresInboundWhenNotActive(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverConn, clientConn, cleanup := dialSocketPair(t)
	defer cleanup()

	fake := newFakeBroadcaster()
	raw, err := DefineConnectionSession(
		utCtxt, "server", serverConn, defineTestAuthorizer(t), fake, 16, &wg,
	)
	assert.Nil(err)
	uut := raw.(*connectionSessionImpl)

	// Read pump running while the session is not yet active
	uut.setState(Authorized)
	uut.wg.Add(1)
	go uut.readPump()

	assert.Nil(clientConn.WriteJSON(&InboundEvent{Kind: EventKindRequestData}))
	time.Sleep(time.Millisecond * 100)
	assert.Equal(0, fake.snapshotReqCount())

	// Same event once active is dispatched
	uut.setState(Active)
	assert.Nil(clientConn.WriteJSON(&InboundEvent{Kind: EventKindRequestData}))
	assert.Eventually(func() bool {
		return fake.snapshotReqCount() == 1
	}, time.Second, time.Millisecond*10)
}

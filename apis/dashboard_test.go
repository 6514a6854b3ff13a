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

package apis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Hiep-123/real-time-dashboard/auth"
	"github.com/Hiep-123/real-time-dashboard/broadcast"
	"github.com/Hiep-123/real-time-dashboard/common"
	"github.com/Hiep-123/real-time-dashboard/dashboard"
	"github.com/Hiep-123/real-time-dashboard/session"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

const testTokenSecret = "unit-test-secret"

func defineTestServer(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup,
) (*httptest.Server, map[string]broadcast.ChannelBroadcaster) {
	assert := assert.New(t)

	users := []common.UserConfig{
		{
			UserID:   "u-1",
			Username: "alice",
			Password: "secret",
			Role:     "admin",
			Channels: []string{"server", "network"},
		},
		{
			UserID:   "u-2",
			Username: "bob",
			Password: "hunter2",
			Role:     "viewer",
			Channels: []string{"finance"},
		},
	}
	grants := map[string][]string{}
	for _, user := range users {
		grants[user.UserID] = user.Channels
	}
	lookup, err := auth.GetStaticPermissionLookup(grants)
	assert.Nil(err)
	authorizer, err := auth.DefineChannelAuthorizer(lookup, testTokenSecret)
	assert.Nil(err)
	generator, err := dashboard.GetRandomSnapshotSource()
	assert.Nil(err)
	logs, err := dashboard.GetInMemoryLogStore(10)
	assert.Nil(err)

	broadcasters := map[string]broadcast.ChannelBroadcaster{}
	for _, channel := range []string{"server", "network", "finance"} {
		broadcaster, err := broadcast.DefineChannelBroadcaster(
			ctxt, channel, generator, logs, lookup, time.Millisecond*100, 10, wg,
		)
		assert.Nil(err)
		assert.Nil(broadcaster.Start(wg))
		broadcasters[channel] = broadcaster
	}

	httpConfig := common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Dashboard-Request-ID"},
	}
	handler, err := GetAPIRestDashboardHandler(
		ctxt,
		&httpConfig,
		common.AuthConfig{TokenSecret: testTokenSecret, TokenLifeInSec: 3600},
		users,
		authorizer,
		broadcasters,
		16,
		wg,
	)
	assert.Nil(err)

	router := mux.NewRouter()
	_ = RegisterPathPrefix(router, "/v1/auth/login", map[string]http.HandlerFunc{
		"post": handler.LoginHandler(),
	})
	channelRouter := RegisterPathPrefix(router, "/v1/channel/{channelName}", nil)
	_ = RegisterPathPrefix(channelRouter, "/stream", map[string]http.HandlerFunc{
		"get": handler.StreamChannelHandler(),
	})
	_ = RegisterPathPrefix(router, "/alive", map[string]http.HandlerFunc{
		"get": handler.AliveHandler(),
	})

	return httptest.NewServer(router), broadcasters
}

func wsEndpoint(srv *httptest.Server, channel string) string {
	return fmt.Sprintf(
		"%s/v1/channel/%s/stream", strings.Replace(srv.URL, "http", "ws", 1), channel,
	)
}

func readEvent(
	t *testing.T, conn *websocket.Conn, timeout time.Duration,
) (session.OutboundEvent, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var event session.OutboundEvent
	err := conn.ReadJSON(&event)
	return event, err
}

func TestRestAPILogin(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, broadcasters := defineTestServer(t, utCtxt, &wg)
	defer srv.Close()
	defer func() {
		for _, broadcaster := range broadcasters {
			assert.Nil(broadcaster.Stop())
		}
	}()

	// Case 0: valid credentials
	{
		payload, err := json.Marshal(LoginRequest{Username: "alice", Password: "secret"})
		assert.Nil(err)
		resp, err := http.Post(
			srv.URL+"/v1/auth/login", "application/json", bytes.NewReader(payload),
		)
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		var parsed APIRestRespLogin
		assert.Nil(json.NewDecoder(resp.Body).Decode(&parsed))
		assert.Nil(resp.Body.Close())
		assert.NotEmpty(parsed.Token)
		assert.Equal("u-1", parsed.User.ID)
		assert.Equal("admin", parsed.User.Role)

		claims, err := auth.ParseToken(parsed.Token, testTokenSecret)
		assert.Nil(err)
		assert.Equal("u-1", claims.UserID)
	}

	// Case 1: wrong password
	{
		payload, err := json.Marshal(LoginRequest{Username: "alice", Password: "nope"})
		assert.Nil(err)
		resp, err := http.Post(
			srv.URL+"/v1/auth/login", "application/json", bytes.NewReader(payload),
		)
		assert.Nil(err)
		assert.Equal(http.StatusUnauthorized, resp.StatusCode)
		assert.Nil(resp.Body.Close())
	}

	// Case 2: missing fields
	{
		resp, err := http.Post(
			srv.URL+"/v1/auth/login", "application/json", bytes.NewReader([]byte(`{}`)),
		)
		assert.Nil(err)
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
		assert.Nil(resp.Body.Close())
	}
}

func TestChannelStreaming(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, broadcasters := defineTestServer(t, utCtxt, &wg)
	defer srv.Close()
	defer func() {
		for _, broadcaster := range broadcasters {
			assert.Nil(broadcaster.Stop())
		}
	}()

	token, err := auth.IssueToken("u-1", "admin", testTokenSecret, time.Minute)
	assert.Nil(err)

	// Case 0: authorized session receives data on join without waiting for a tick
	{
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		conn, resp, err := websocket.DefaultDialer.Dial(wsEndpoint(srv, "server"), header)
		assert.Nil(err)
		if resp != nil && resp.Body != nil {
			assert.Nil(resp.Body.Close())
		}

		sawData := false
		sawLogs := false
		for idx := 0; idx < 3 && !(sawData && sawLogs); idx++ {
			event, err := readEvent(t, conn, time.Second*2)
			assert.Nil(err)
			switch event.Kind {
			case session.EventKindData:
				assert.NotNil(event.Snapshot)
				sawData = true
			case session.EventKindUserLog:
				sawLogs = true
			}
		}
		assert.True(sawData)

		// request-data produces another snapshot on demand
		assert.Nil(conn.WriteJSON(&session.InboundEvent{
			Kind: session.EventKindRequestData,
		}))
		gotMore := false
		for idx := 0; idx < 4 && !gotMore; idx++ {
			event, err := readEvent(t, conn, time.Second*2)
			assert.Nil(err)
			gotMore = event.Kind == session.EventKindData
		}
		assert.True(gotMore)

		// new-log rebroadcasts the log window
		assert.Nil(conn.WriteJSON(&session.InboundEvent{
			Kind: session.EventKindNewLog,
			Log:  &session.LogSubmission{ActorID: "u-1", Action: "acknowledged-alert"},
		}))
		gotWindow := false
		for idx := 0; idx < 6 && !gotWindow; idx++ {
			event, err := readEvent(t, conn, time.Second*2)
			assert.Nil(err)
			if event.Kind == session.EventKindUserLog && len(event.Logs) > 0 {
				gotWindow = event.Logs[0].Action == "acknowledged-alert"
			}
		}
		assert.True(gotWindow)

		assert.Nil(conn.Close())
	}

	// Case 1: invalid credential gets an error event and a closed socket, no data
	{
		conn, resp, err := websocket.DefaultDialer.Dial(
			wsEndpoint(srv, "server")+"?token=not-a-token", nil,
		)
		assert.Nil(err)
		if resp != nil && resp.Body != nil {
			assert.Nil(resp.Body.Close())
		}
		event, err := readEvent(t, conn, time.Second*2)
		assert.Nil(err)
		assert.Equal(session.EventKindError, event.Kind)
		assert.NotEmpty(event.Error)

		_, err = readEvent(t, conn, time.Second*2)
		assert.NotNil(err)
		assert.Nil(conn.Close())
	}

	// Case 2: channel outside the granted set is rejected after the handshake
	{
		conn, resp, err := websocket.DefaultDialer.Dial(
			wsEndpoint(srv, "finance")+"?token="+token, nil,
		)
		assert.Nil(err)
		if resp != nil && resp.Body != nil {
			assert.Nil(resp.Body.Close())
		}
		event, err := readEvent(t, conn, time.Second*2)
		assert.Nil(err)
		assert.Equal(session.EventKindError, event.Kind)
		assert.Nil(conn.Close())
	}

	// Case 3: unknown channel is rejected before any upgrade
	{
		_, resp, err := websocket.DefaultDialer.Dial(
			wsEndpoint(srv, "bogus")+"?token="+token, nil,
		)
		assert.NotNil(err)
		if resp != nil {
			assert.Equal(http.StatusNotFound, resp.StatusCode)
			assert.Nil(resp.Body.Close())
		}
	}
}

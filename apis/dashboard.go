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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Hiep-123/real-time-dashboard/auth"
	"github.com/Hiep-123/real-time-dashboard/broadcast"
	"github.com/Hiep-123/real-time-dashboard/common"
	"github.com/Hiep-123/real-time-dashboard/session"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// APIRestDashboardHandler REST handler for the dashboard delivery pipeline
type APIRestDashboardHandler struct {
	goutils.RestAPIHandler
	authorizer   auth.ChannelAuthorizer
	broadcasters map[string]broadcast.ChannelBroadcaster
	users        map[string]common.UserConfig
	authConfig   common.AuthConfig
	sendBuffer   int
	validate     *validator.Validate
	baseContext  context.Context
	wg           *sync.WaitGroup
}

// GetAPIRestDashboardHandler define APIRestDashboardHandler
func GetAPIRestDashboardHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	authConfig common.AuthConfig,
	users []common.UserConfig,
	authorizer auth.ChannelAuthorizer,
	broadcasters map[string]broadcast.ChannelBroadcaster,
	sendBuffer int,
	wg *sync.WaitGroup,
) (APIRestDashboardHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "dashboard",
	}
	userIndex := make(map[string]common.UserConfig, len(users))
	for _, user := range users {
		userIndex[user.Username] = user
	}
	return APIRestDashboardHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		authorizer:   authorizer,
		broadcasters: broadcasters,
		users:        userIndex,
		authConfig:   authConfig,
		sendBuffer:   sendBuffer,
		validate:     validator.New(),
		baseContext:  baseContext,
		wg:           wg,
	}, nil
}

// Write logging support
func (h APIRestDashboardHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Channel streaming

// StreamChannel establish a websocket session for one channel. The credential
// is checked after the upgrade so the handshake is never disturbed; a denied
// session receives an error event and an immediate close, never data.
func (h APIRestDashboardHandler) StreamChannel(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	vars := mux.Vars(r)
	channelName, ok := vars["channelName"]
	if !ok {
		msg := "No channel name provided"
		log.WithFields(localLogTags).Error(msg)
		h.reply(w, r, http.StatusBadRequest, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusBadRequest, msg, msg,
		))
		return
	}
	broadcaster, ok := h.broadcasters[channelName]
	if !ok {
		msg := fmt.Sprintf("Unknown channel %s", channelName)
		log.WithFields(localLogTags).Error(msg)
		h.reply(w, r, http.StatusNotFound, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusNotFound, msg, msg,
		))
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}

	newSession, err := session.DefineConnectionSession(
		h.baseContext, channelName, conn, h.authorizer, broadcaster, h.sendBuffer, h.wg,
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define session")
		_ = conn.Close()
		return
	}

	if err := newSession.Start(h.readCredential(r)); err != nil {
		// Session already closed itself with a terminal error event
		return
	}

	// Hold the handler until the session ends or the server stops
	select {
	case <-newSession.Done():
	case <-h.baseContext.Done():
		newSession.Close("server stopping")
		<-newSession.Done()
	}
}

// StreamChannelHandler Wrapper around StreamChannel
func (h APIRestDashboardHandler) StreamChannelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamChannel(w, r)
	}
}

// readCredential extract the bearer credential from header or query parameter.
// Browser websocket clients can not set custom headers, so the query parameter
// form is accepted as well.
func (h APIRestDashboardHandler) readCredential(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// =======================================================================
// Login

// LoginRequest login request body
type LoginRequest struct {
	// Username is the login name
	Username string `json:"username" validate:"required"`
	// Password is the login password
	Password string `json:"password" validate:"required"`
}

// LoggedInUser description of the authenticated user
type LoggedInUser struct {
	// ID is the user ID
	ID string `json:"id"`
	// Username is the login name
	Username string `json:"username"`
	// Role is the user role
	Role string `json:"role"`
}

// APIRestRespLogin login response
type APIRestRespLogin struct {
	goutils.RestAPIBaseResponse
	// Token is the signed bearer token
	Token string `json:"token"`
	// User describes the authenticated user
	User LoggedInUser `json:"user"`
}

// Login authenticate a user and mint a bearer token
func (h APIRestDashboardHandler) Login(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, r, respCode, respBody)
	}()

	var request LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	user, ok := h.users[request.Username]
	if !ok || user.Password != request.Password {
		msg := "Incorrect username or password"
		log.WithFields(localLogTags).Infof("Login rejected for '%s'", request.Username)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, msg)
		return
	}

	token, err := auth.IssueToken(
		user.UserID,
		user.Role,
		h.authConfig.TokenSecret,
		time.Second*time.Duration(h.authConfig.TokenLifeInSec),
	)
	if err != nil {
		msg := "Unable to issue token"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	log.WithFields(localLogTags).Infof("User %s logged in", user.UserID)
	respCode = http.StatusOK
	respBody = APIRestRespLogin{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Token:               token,
		User: LoggedInUser{
			ID: user.UserID, Username: user.Username, Role: user.Role,
		},
	}
}

// LoginHandler Wrapper around Login
func (h APIRestDashboardHandler) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Login(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive liveness check
func (h APIRestDashboardHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// AliveHandler Wrapper around Alive
func (h APIRestDashboardHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready readiness check
func (h APIRestDashboardHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if len(h.broadcasters) > 0 {
		h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
		return
	}
	msg := "not ready"
	h.reply(w, r, http.StatusInternalServerError, h.GetStdRESTErrorMsg(
		r.Context(), http.StatusInternalServerError, msg, msg,
	))
}

// ReadyHandler Wrapper around Ready
func (h APIRestDashboardHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// =======================================================================

// reply helper writing a REST response
func (h APIRestDashboardHandler) reply(
	w http.ResponseWriter, r *http.Request, respCode int, respBody interface{},
) {
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(
			"Failed to form response",
		)
	}
}

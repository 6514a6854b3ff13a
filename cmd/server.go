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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Hiep-123/real-time-dashboard/apis"
	"github.com/Hiep-123/real-time-dashboard/auth"
	"github.com/Hiep-123/real-time-dashboard/broadcast"
	"github.com/Hiep-123/real-time-dashboard/common"
	"github.com/Hiep-123/real-time-dashboard/dashboard"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// RunDashboardServer run the dashboard delivery server until the runtime
// context is cancelled
func RunDashboardServer(
	config *common.SystemConfig,
	instance string,
	runtimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	// -------------------------------------------------------------------
	// Define core components

	grants := make(map[string][]string, len(config.Users))
	for _, user := range config.Users {
		grants[user.UserID] = user.Channels
	}
	lookup, err := auth.GetStaticPermissionLookup(grants)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define permission lookup")
		return err
	}
	authorizer, err := auth.DefineChannelAuthorizer(lookup, config.Auth.TokenSecret)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define channel authorizer")
		return err
	}
	generator, err := dashboard.GetRandomSnapshotSource()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define snapshot source")
		return err
	}
	logs, err := dashboard.GetInMemoryLogStore(config.Broadcast.LogWindowSize)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define log store")
		return err
	}

	broadcasters := make(map[string]broadcast.ChannelBroadcaster, len(config.Channels))
	for _, channel := range config.Channels {
		broadcaster, err := broadcast.DefineChannelBroadcaster(
			runtimeContext,
			channel,
			generator,
			logs,
			lookup,
			time.Millisecond*time.Duration(config.Broadcast.TickIntervalInMS),
			config.Broadcast.LogWindowSize,
			wg,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to define broadcaster for channel %s", channel,
			)
			return err
		}
		if err := broadcaster.Start(wg); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to start broadcaster for channel %s", channel,
			)
			return err
		}
		broadcasters[channel] = broadcaster
	}
	defer func() {
		for channel, broadcaster := range broadcasters {
			if err := broadcaster.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Errorf(
					"Broadcaster for channel %s did not stop cleanly", channel,
				)
			}
		}
	}()

	httpHandler, err := apis.GetAPIRestDashboardHandler(
		runtimeContext,
		&config.API,
		config.Auth,
		config.Users,
		authorizer,
		broadcasters,
		config.Broadcast.SessionSendBuffer,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()

	_ = apis.RegisterPathPrefix(router, "/v1/auth/login", map[string]http.HandlerFunc{
		"post": httpHandler.LoginHandler(),
	})
	channelAPIRouter := apis.RegisterPathPrefix(router, "/v1/channel/{channelName}", nil)
	_ = apis.RegisterPathPrefix(channelAPIRouter, "/stream", map[string]http.HandlerFunc{
		"get": httpHandler.StreamChannelHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(router, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(router, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.API.Server.ListenOn, config.API.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.API.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.API.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.API.Server.IdleTimeout),
		Handler:      router,
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}

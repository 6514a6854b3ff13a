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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Hiep-123/real-time-dashboard/apis"
	"github.com/Hiep-123/real-time-dashboard/client"
	"github.com/Hiep-123/real-time-dashboard/common"
	"github.com/apex/log"
)

// WatchCLIArgs arguments for the watch client
type WatchCLIArgs struct {
	// ServerAddress host:port of the dashboard server
	ServerAddress string `validate:"required"`
	// Username login name
	Username string `validate:"required"`
	// Password login password
	Password string `validate:"required"`
	// Channels channel names to watch
	Channels []string `validate:"required,min=1"`
}

// RunWatchClient connect to a dashboard server and print channel snapshots
// until the runtime context is cancelled
func RunWatchClient(
	params WatchCLIArgs,
	config *common.SystemConfig,
	instance string,
	runtimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "watch",
		"instance":  instance,
	}

	token, err := loginForToken(runtimeContext, params)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Login failed")
		return err
	}
	log.WithFields(logTags).Infof("Logged in as %s", params.Username)

	store := client.NewDashboardStore(
		config.Client.HistoryLength,
		time.Millisecond*time.Duration(config.Client.DebounceWindowInMS),
	)
	manager, err := client.DefineConnectionManager(
		runtimeContext,
		fmt.Sprintf("ws://%s", params.ServerAddress),
		token,
		time.Millisecond*time.Duration(config.Client.ReconnectDelayInMS),
		store,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection manager")
		return err
	}
	if err := store.Initialize(manager, params.Channels); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open channel connections")
		return err
	}
	defer func() {
		_ = manager.DisconnectAll()
	}()

	report := time.NewTicker(time.Second * 5)
	defer report.Stop()
	for {
		select {
		case <-runtimeContext.Done():
			return nil
		case <-report.C:
			fmt.Printf("status=%s\n", store.ConnectionStatus())
			for _, channel := range params.Channels {
				latest := store.Latest(channel)
				if latest == nil {
					fmt.Printf("  [%s] no data yet\n", channel)
					continue
				}
				fmt.Printf(
					"  [%s] %s cpu=%.1f mem=%.1f net=%.1f disk=%.1f points=%d logs=%d\n",
					channel,
					store.LastUpdated(channel).Format(time.RFC3339),
					latest.Metrics.CPU,
					latest.Metrics.Memory,
					latest.Metrics.Network,
					latest.Metrics.Disk,
					store.DataPointsCount(channel),
					len(store.LogWindow(channel)),
				)
			}
		}
	}
}

// loginForToken authenticate against the server and return a bearer token
func loginForToken(ctxt context.Context, params WatchCLIArgs) (string, error) {
	payload, err := json.Marshal(apis.LoginRequest{
		Username: params.Username, Password: params.Password,
	})
	if err != nil {
		return "", err
	}
	request, err := http.NewRequestWithContext(
		ctxt,
		http.MethodPost,
		fmt.Sprintf("http://%s/v1/auth/login", params.ServerAddress),
		bytes.NewReader(payload),
	)
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login rejected with status %d", response.StatusCode)
	}
	var parsed apis.APIRestRespLogin
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return "", err
	}
	return parsed.Token, nil
}

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

package common

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
)

// TimeoutHandler handler callback on timer expiry
type TimeoutHandler func() error

// IntervalTimer support class for triggering events at specific intervals.
// Handler errors are logged and do not stop subsequent firings.
type IntervalTimer interface {
	// Start begin the timer loop. With oneShot, the handler fires once and the
	// loop exits; otherwise the handler fires on every interval until stopped.
	Start(interval time.Duration, handler TimeoutHandler, oneShot bool) error
	// Stop end the timer loop
	Stop() error
}

// intervalTimerImpl implements IntervalTimer
type intervalTimerImpl struct {
	Component
	rootContext   context.Context
	contextCancel context.CancelFunc
	wg            *sync.WaitGroup
}

// GetIntervalTimerInstance create new interval timer instance
func GetIntervalTimerInstance(
	name string, rootCtxt context.Context, wg *sync.WaitGroup,
) (IntervalTimer, error) {
	logTags := log.Fields{
		"module": "common", "component": "interval-timer", "instance": name,
	}
	return &intervalTimerImpl{
		Component:   Component{LogTags: logTags},
		rootContext: rootCtxt,
		wg:          wg,
	}, nil
}

// Start start the interval timer
func (t *intervalTimerImpl) Start(
	interval time.Duration, handler TimeoutHandler, oneShot bool,
) error {
	log.WithFields(t.LogTags).Infof("Starting with interval %s", interval)
	ctxt, cancel := context.WithCancel(t.rootContext)
	t.contextCancel = cancel
	t.wg.Add(1)
	if oneShot {
		go func() {
			defer t.wg.Done()
			select {
			case <-ctxt.Done():
			case <-time.After(interval):
				if err := handler(); err != nil {
					log.WithError(err).WithFields(t.LogTags).Error("One-shot handler failed")
				}
			}
			log.WithFields(t.LogTags).Debug("One-shot timer exiting")
		}()
		return nil
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer t.wg.Done()
		defer ticker.Stop()
		defer log.WithFields(t.LogTags).Info("Timer loop exiting")
		for {
			select {
			case <-ctxt.Done():
				return
			case <-ticker.C:
				log.WithFields(t.LogTags).Debug("Calling handler")
				if err := handler(); err != nil {
					log.WithError(err).WithFields(t.LogTags).Error("Handler failed")
				}
			}
		}
	}()
	return nil
}

// Stop stop the interval timer
func (t *intervalTimerImpl) Stop() error {
	if t.contextCancel != nil {
		log.WithFields(t.LogTags).Info("Stopping timer loop")
		t.contextCancel()
	}
	return nil
}

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

package dashboard

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Hiep-123/real-time-dashboard/common"
	"github.com/apex/log"
)

// MetricReadings point-in-time metric values for one channel
type MetricReadings struct {
	// CPU is CPU utilization as a percentage
	CPU float64 `json:"cpu" validate:"gte=0,lte=100"`
	// Memory is memory utilization as a percentage
	Memory float64 `json:"memory" validate:"gte=0,lte=100"`
	// Network is the network throughput rate
	Network float64 `json:"network" validate:"gte=0"`
	// Disk is disk utilization as a percentage
	Disk float64 `json:"disk" validate:"gte=0,lte=100"`
}

// Event one notable occurrence within a channel
type Event struct {
	// ID is the event ID
	ID int64 `json:"id"`
	// Severity is one of [info warning error]
	Severity string `json:"severity" validate:"oneof=info warning error"`
	// Message is the human readable event message
	Message string `json:"message"`
	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot one immutable timestamped unit of metric / event data for a channel
type Snapshot struct {
	// Timestamp is when this snapshot was generated
	Timestamp time.Time `json:"timestamp"`
	// Metrics are the point-in-time metric values
	Metrics MetricReadings `json:"metrics" validate:"dive"`
	// Events are the events observed since the previous snapshot
	Events []Event `json:"events" validate:"omitempty,dive"`
	// Users is the current active user count
	Users int `json:"users" validate:"gte=0"`
	// Transactions is the current transaction count
	Transactions int `json:"transactions" validate:"gte=0"`
}

// SnapshotGenerator produces one metric / event snapshot per channel on demand
type SnapshotGenerator interface {
	// Generate produce a fresh snapshot for a channel
	Generate(ctxt context.Context, channel string) (Snapshot, error)
}

// ========================================================================================

// randomSnapshotSource implements SnapshotGenerator with synthetic data
type randomSnapshotSource struct {
	common.Component
	rand     *rand.Rand
	lock     *sync.Mutex
	lastUsed time.Time
}

// GetRandomSnapshotSource create a snapshot generator producing synthetic metrics.
// Successive snapshots always carry strictly increasing timestamps.
func GetRandomSnapshotSource() (SnapshotGenerator, error) {
	logTags := log.Fields{
		"module": "dashboard", "component": "snapshot-source",
	}
	return &randomSnapshotSource{
		Component: common.Component{LogTags: logTags},
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		lock:      &sync.Mutex{},
	}, nil
}

var eventSeverities = []string{"info", "warning", "error"}

// Generate produce a fresh snapshot for a channel
func (s *randomSnapshotSource) Generate(
	ctxt context.Context, channel string,
) (Snapshot, error) {
	if err := ctxt.Err(); err != nil {
		return Snapshot{}, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	now := time.Now().UTC()
	if !now.After(s.lastUsed) {
		now = s.lastUsed.Add(time.Millisecond)
	}
	s.lastUsed = now
	result := Snapshot{
		Timestamp: now,
		Metrics: MetricReadings{
			CPU:     s.rand.Float64() * 100,
			Memory:  s.rand.Float64() * 100,
			Network: s.rand.Float64() * 1000,
			Disk:    s.rand.Float64() * 100,
		},
		Events: []Event{
			{
				ID:        now.UnixMilli(),
				Severity:  eventSeverities[s.rand.Intn(len(eventSeverities))],
				Message:   fmt.Sprintf("Event %s %d", channel, s.rand.Intn(1000)),
				Timestamp: now,
			},
		},
		Users:        s.rand.Intn(1000) + 100,
		Transactions: s.rand.Intn(5000) + 1000,
	}
	log.WithFields(s.LogTags).Debugf(
		"Generated snapshot for %s @ %s", channel, now.Format(time.RFC3339Nano),
	)
	return result, nil
}

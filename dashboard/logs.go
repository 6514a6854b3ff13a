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
	"sync"
	"time"

	"github.com/Hiep-123/real-time-dashboard/common"
	"github.com/apex/log"
)

// LogEntry one recorded user activity entry
type LogEntry struct {
	// ActorID is the user who performed the action
	ActorID string `json:"actor_id" validate:"required"`
	// Action is the short action name
	Action string `json:"action" validate:"required,max=100"`
	// Details is the optional free-form action detail
	Details string `json:"details,omitempty"`
	// Timestamp is when the action was recorded
	Timestamp time.Time `json:"timestamp"`
}

// LogStore stores recent user activity entries
type LogStore interface {
	// Append record a new activity entry
	Append(ctxt context.Context, entry LogEntry) error
	// Recent fetch up to limit entries, newest first
	Recent(ctxt context.Context, limit int) ([]LogEntry, error)
}

// ========================================================================================

// memoryLogStore implements LogStore with a bounded in-memory window
type memoryLogStore struct {
	common.Component
	lock       *sync.RWMutex
	entries    []LogEntry
	maxEntries int
}

// GetInMemoryLogStore create a bounded in-memory log store. Oldest entries are
// evicted once maxEntries is exceeded.
func GetInMemoryLogStore(maxEntries int) (LogStore, error) {
	logTags := log.Fields{
		"module": "dashboard", "component": "log-store",
	}
	return &memoryLogStore{
		Component:  common.Component{LogTags: logTags},
		lock:       &sync.RWMutex{},
		entries:    make([]LogEntry, 0, maxEntries),
		maxEntries: maxEntries,
	}, nil
}

// Append record a new activity entry
func (s *memoryLogStore) Append(ctxt context.Context, entry LogEntry) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	// Newest first
	s.entries = append([]LogEntry{entry}, s.entries...)
	if len(s.entries) > s.maxEntries {
		s.entries = s.entries[:s.maxEntries]
	}
	log.WithFields(s.LogTags).Debugf(
		"Recorded action '%s' by %s", entry.Action, entry.ActorID,
	)
	return nil
}

// Recent fetch up to limit entries, newest first
func (s *memoryLogStore) Recent(ctxt context.Context, limit int) ([]LogEntry, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	if limit > len(s.entries) {
		limit = len(s.entries)
	}
	result := make([]LogEntry, limit)
	copy(result, s.entries[:limit])
	return result, nil
}

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
	"time"

	"github.com/Hiep-123/real-time-dashboard/dashboard"
)

// EventKind tag discriminating the wire event union
type EventKind string

// Outbound event kinds emitted to clients
const (
	// EventKindData carries one data snapshot
	EventKindData EventKind = "data"
	// EventKindUserLog carries the latest activity log window, newest first
	EventKindUserLog EventKind = "user-log"
	// EventKindError carries a terminal error before close
	EventKindError EventKind = "error"
)

// Inbound event kinds accepted from clients
const (
	// EventKindRequestData request an immediate snapshot
	EventKindRequestData EventKind = "request-data"
	// EventKindNewLog submit a new activity log entry
	EventKindNewLog EventKind = "new-log"
)

// OutboundEvent one event frame emitted to a client
type OutboundEvent struct {
	// Kind is the event discriminator
	Kind EventKind `json:"type" validate:"required,oneof=data user-log error"`
	// Snapshot is set when Kind is "data"
	Snapshot *dashboard.Snapshot `json:"snapshot,omitempty"`
	// Logs is set when Kind is "user-log"
	Logs []dashboard.LogEntry `json:"logs,omitempty"`
	// Error is set when Kind is "error"
	Error string `json:"error,omitempty"`
	// Timestamp is when the event frame was formed
	Timestamp time.Time `json:"timestamp"`
}

// LogSubmission payload of a "new-log" inbound event
type LogSubmission struct {
	// ActorID is the user performing the action
	ActorID string `json:"actor_id" validate:"required"`
	// Action is the short action name
	Action string `json:"action" validate:"required,max=100"`
	// Details is the optional free-form action detail
	Details string `json:"details,omitempty"`
}

// InboundEvent one event frame accepted from a client
type InboundEvent struct {
	// Kind is the event discriminator
	Kind EventKind `json:"type" validate:"required,oneof=request-data new-log"`
	// Log is set when Kind is "new-log"
	Log *LogSubmission `json:"log,omitempty"`
}

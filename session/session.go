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
	"sync"
	"time"

	"github.com/Hiep-123/real-time-dashboard/auth"
	"github.com/Hiep-123/real-time-dashboard/broadcast"
	"github.com/Hiep-123/real-time-dashboard/common"
	"github.com/Hiep-123/real-time-dashboard/dashboard"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State connection session lifecycle state
type State int

// Session lifecycle states
const (
	// Pending socket opened, authorization in flight
	Pending State = iota
	// Authorized credential accepted, not yet registered for broadcast
	Authorized
	// Active registered with the channel broadcaster, relaying events
	Active
	// Closed terminal. Further traffic from the socket is ignored.
	Closed
)

// String state name
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Authorized:
		return "authorized"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// ConnectionSession server-side binding of one websocket to one authorized
// identity and one channel. An identity with access to multiple channels holds
// multiple independent sessions.
type ConnectionSession interface {
	// SessionID unique ID of this session
	SessionID() string
	// State current lifecycle state
	State() State
	// Identity the authorized identity. Zero value until Authorized.
	Identity() auth.Identity
	// Start authorize the credential and, on success, register with the channel
	// broadcaster and begin relaying events. Terminal authorization failures
	// close the socket before any data is sent.
	Start(token string) error
	// Close transition to Closed, unregister from the broadcaster, and close
	// the socket. Idempotent.
	Close(reason string)
	// Done closed once the session has fully shut down
	Done() <-chan struct{}

	// DeliverSnapshot broadcast.SnapshotReceiver hook, never blocks
	DeliverSnapshot(snapshot dashboard.Snapshot)
	// DeliverLogWindow broadcast.SnapshotReceiver hook, never blocks
	DeliverLogWindow(entries []dashboard.LogEntry)
}

// inboundEventHandler handler for one inbound event kind
type inboundEventHandler func(event InboundEvent) error

// connectionSessionImpl implements ConnectionSession
type connectionSessionImpl struct {
	common.Component
	id               string
	channel          string
	conn             *websocket.Conn
	authorizer       auth.ChannelAuthorizer
	broadcaster      broadcast.ChannelBroadcaster
	validate         *validator.Validate
	identity         auth.Identity
	state            State
	stateLock        *sync.Mutex
	outbound         chan OutboundEvent
	handlers         map[EventKind]inboundEventHandler
	operationContext context.Context
	contextCancel    context.CancelFunc
	done             chan struct{}
	closeOnce        *sync.Once
	wg               *sync.WaitGroup
}

// DefineConnectionSession create new connection session around an upgraded
// websocket. The session starts Pending; call Start to run authorization.
func DefineConnectionSession(
	rootCtxt context.Context,
	channel string,
	conn *websocket.Conn,
	authorizer auth.ChannelAuthorizer,
	broadcaster broadcast.ChannelBroadcaster,
	sendBuffer int,
	wg *sync.WaitGroup,
) (ConnectionSession, error) {
	id := uuid.New().String()
	logTags := log.Fields{
		"module": "session", "component": "connection-session",
		"channel": channel, "session": id,
	}
	ctxt, cancel := context.WithCancel(rootCtxt)
	instance := &connectionSessionImpl{
		Component:        common.Component{LogTags: logTags},
		id:               id,
		channel:          channel,
		conn:             conn,
		authorizer:       authorizer,
		broadcaster:      broadcaster,
		validate:         validator.New(),
		state:            Pending,
		stateLock:        &sync.Mutex{},
		outbound:         make(chan OutboundEvent, sendBuffer),
		operationContext: ctxt,
		contextCancel:    cancel,
		done:             make(chan struct{}),
		closeOnce:        &sync.Once{},
		wg:               wg,
	}
	// Inbound events dispatch through an explicit handler table keyed on the
	// event kind tag.
	instance.handlers = map[EventKind]inboundEventHandler{
		EventKindRequestData: instance.handleRequestData,
		EventKindNewLog:      instance.handleNewLog,
	}
	return instance, nil
}

// SessionID unique ID of this session
func (s *connectionSessionImpl) SessionID() string {
	return s.id
}

// State current lifecycle state
func (s *connectionSessionImpl) State() State {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state
}

// Identity the authorized identity
func (s *connectionSessionImpl) Identity() auth.Identity {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.identity
}

func (s *connectionSessionImpl) setState(newState State) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	s.state = newState
}

// Done closed once the session has fully shut down
func (s *connectionSessionImpl) Done() <-chan struct{} {
	return s.done
}

// Start authorize the credential and begin relaying events
func (s *connectionSessionImpl) Start(token string) error {
	identity, err := s.authorizer.Authorize(s.operationContext, token, s.channel)
	if err != nil {
		// Authorization failures are terminal. The socket closes without any
		// data event ever being sent.
		log.WithError(err).WithFields(s.LogTags).Info("Session rejected")
		s.sendTerminalError(err.Error())
		s.Close("authorization failure")
		return err
	}

	s.stateLock.Lock()
	s.identity = identity
	s.state = Authorized
	s.stateLock.Unlock()
	log.WithFields(s.LogTags).Infof(
		"Session authorized for user %s role %s", identity.ID, identity.Role,
	)

	// Write pump must run before registration so the join-time snapshot from
	// the broadcaster is drained.
	s.wg.Add(1)
	go s.writePump()

	if err := s.broadcaster.RegisterSession(s.operationContext, s); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Broadcast registration failed")
		s.Close("registration failure")
		return err
	}
	s.setState(Active)

	s.wg.Add(1)
	go s.readPump()
	return nil
}

// Close transition to Closed and release the socket
func (s *connectionSessionImpl) Close(reason string) {
	s.closeOnce.Do(func() {
		s.setState(Closed)
		log.WithFields(s.LogTags).Infof("Session closing: %s", reason)
		// Stop accepting inbound events before touching shared state
		s.contextCancel()
		unregCtxt, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.broadcaster.UnregisterSession(unregCtxt, s.id); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Session was not registered")
		}
		_ = s.conn.Close()
		close(s.done)
	})
}

// ----------------------------------------------------------------------------------------
// Broadcast receiver hooks

// DeliverSnapshot queue a snapshot event for transmission. A full outbound
// buffer drops the event; the session simply misses that tick.
func (s *connectionSessionImpl) DeliverSnapshot(snapshot dashboard.Snapshot) {
	s.queueOutbound(OutboundEvent{
		Kind: EventKindData, Snapshot: &snapshot, Timestamp: time.Now().UTC(),
	})
}

// DeliverLogWindow queue a log window event for transmission
func (s *connectionSessionImpl) DeliverLogWindow(entries []dashboard.LogEntry) {
	s.queueOutbound(OutboundEvent{
		Kind: EventKindUserLog, Logs: entries, Timestamp: time.Now().UTC(),
	})
}

func (s *connectionSessionImpl) queueOutbound(event OutboundEvent) {
	if s.State() == Closed {
		return
	}
	select {
	case s.outbound <- event:
	default:
		log.WithFields(s.LogTags).Warnf("Outbound buffer full. Dropped %s event", event.Kind)
	}
}

// ----------------------------------------------------------------------------------------
// Socket pumps

func (s *connectionSessionImpl) writePump() {
	defer s.wg.Done()
	defer log.WithFields(s.LogTags).Debug("Write pump exiting")
	for {
		select {
		case <-s.operationContext.Done():
			return
		case event := <-s.outbound:
			if err := s.conn.WriteJSON(&event); err != nil {
				log.WithError(err).WithFields(s.LogTags).Info("Socket write failed")
				go s.Close("write failure")
				return
			}
		}
	}
}

func (s *connectionSessionImpl) readPump() {
	defer s.wg.Done()
	defer log.WithFields(s.LogTags).Debug("Read pump exiting")
	for {
		var event InboundEvent
		if err := s.conn.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(s.LogTags).Info("Socket dropped unexpectedly")
			}
			go s.Close("client disconnect")
			return
		}
		if s.State() != Active {
			log.WithFields(s.LogTags).Debugf("Ignoring %s event. Session not active", event.Kind)
			continue
		}
		if err := s.dispatchInbound(event); err != nil {
			log.WithError(err).WithFields(s.LogTags).Warnf(
				"Failed to process %s event", event.Kind,
			)
		}
	}
}

func (s *connectionSessionImpl) dispatchInbound(event InboundEvent) error {
	handler, ok := s.handlers[event.Kind]
	if !ok {
		return fmt.Errorf("no handler for inbound event kind '%s'", event.Kind)
	}
	return handler(event)
}

// ----------------------------------------------------------------------------------------
// Inbound event handlers

func (s *connectionSessionImpl) handleRequestData(_ InboundEvent) error {
	return s.broadcaster.RequestSnapshot(s.operationContext, s.id)
}

func (s *connectionSessionImpl) handleNewLog(event InboundEvent) error {
	if event.Log == nil {
		return fmt.Errorf("new-log event carries no log payload")
	}
	if err := s.validate.Struct(event.Log); err != nil {
		return err
	}
	return s.broadcaster.SubmitLog(s.operationContext, dashboard.LogEntry{
		ActorID:   event.Log.ActorID,
		Action:    event.Log.Action,
		Details:   event.Log.Details,
		Timestamp: time.Now().UTC(),
	})
}

// ----------------------------------------------------------------------------------------

// sendTerminalError best effort direct write of an error event before close
func (s *connectionSessionImpl) sendTerminalError(message string) {
	event := OutboundEvent{
		Kind: EventKindError, Error: message, Timestamp: time.Now().UTC(),
	}
	if err := s.conn.WriteJSON(&event); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Unable to send error event")
	}
}

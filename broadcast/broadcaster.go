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

package broadcast

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/Hiep-123/real-time-dashboard/auth"
	"github.com/Hiep-123/real-time-dashboard/common"
	"github.com/Hiep-123/real-time-dashboard/dashboard"
	"github.com/apex/log"
)

// SnapshotReceiver sink for broadcast events. Implementations must not block;
// a receiver which can not keep up misses the event.
type SnapshotReceiver interface {
	// SessionID unique ID of this receiver
	SessionID() string
	// DeliverSnapshot hand a new snapshot to the receiver
	DeliverSnapshot(snapshot dashboard.Snapshot)
	// DeliverLogWindow hand the latest activity log window to the receiver
	DeliverLogWindow(entries []dashboard.LogEntry)
}

// ChannelBroadcaster owns the long-lived tick for one channel, fanning fresh
// snapshots out to every registered session. Runs until stopped; a failed
// snapshot generation skips the tick and never stops subsequent ticks.
type ChannelBroadcaster interface {
	// Start begin the periodic broadcast loop
	Start(wg *sync.WaitGroup) error
	// Stop end the periodic broadcast loop
	Stop() error
	// RegisterSession add a session to the fan-out set. The session immediately
	// receives a fresh snapshot and the current log window.
	RegisterSession(ctxt context.Context, session SnapshotReceiver) error
	// UnregisterSession remove a session from the fan-out set
	UnregisterSession(ctxt context.Context, sessionID string) error
	// RequestSnapshot send a fresh snapshot and log window to one session only
	RequestSnapshot(ctxt context.Context, sessionID string) error
	// SubmitLog record a new activity entry, then rebroadcast the latest log
	// window to every session on the channel
	SubmitLog(ctxt context.Context, entry dashboard.LogEntry) error
}

// channelBroadcasterImpl implements ChannelBroadcaster
type channelBroadcasterImpl struct {
	common.Component
	channel          string
	generator        dashboard.SnapshotGenerator
	logs             dashboard.LogStore
	actors           auth.PermissionLookup
	tp               common.TaskProcessor
	timer            common.IntervalTimer
	sessions         map[string]SnapshotReceiver
	tickInterval     time.Duration
	logWindowSize    int
	operationContext context.Context
}

// DefineChannelBroadcaster create new broadcaster for a channel
func DefineChannelBroadcaster(
	rootCtxt context.Context,
	channel string,
	generator dashboard.SnapshotGenerator,
	logs dashboard.LogStore,
	actors auth.PermissionLookup,
	tickInterval time.Duration,
	logWindowSize int,
	wg *sync.WaitGroup,
) (ChannelBroadcaster, error) {
	logTags := log.Fields{
		"module": "broadcast", "component": "channel-broadcaster", "channel": channel,
	}
	tp, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("broadcast.%s", channel), 64,
	)
	if err != nil {
		return nil, err
	}
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("broadcast.%s", channel), rootCtxt, wg,
	)
	if err != nil {
		return nil, err
	}
	instance := channelBroadcasterImpl{
		Component:        common.Component{LogTags: logTags},
		channel:          channel,
		generator:        generator,
		logs:             logs,
		actors:           actors,
		tp:               tp,
		timer:            timer,
		sessions:         make(map[string]SnapshotReceiver),
		tickInterval:     tickInterval,
		logWindowSize:    logWindowSize,
		operationContext: rootCtxt,
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(bcastRegisterReq{}), instance.processRegisterRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(bcastUnregisterReq{}), instance.processUnregisterRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(bcastTickReq{}), instance.processTickRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(bcastUnicastReq{}), instance.processUnicastRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(bcastSubmitLogReq{}), instance.processSubmitLogRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// Start begin the periodic broadcast loop
func (b *channelBroadcasterImpl) Start(wg *sync.WaitGroup) error {
	if err := b.tp.StartEventLoop(wg); err != nil {
		return err
	}
	return b.timer.Start(b.tickInterval, func() error {
		return b.tp.Submit(b.operationContext, bcastTickReq{})
	}, false)
}

// Stop end the periodic broadcast loop
func (b *channelBroadcasterImpl) Stop() error {
	if err := b.timer.Stop(); err != nil {
		return err
	}
	return b.tp.StopEventLoop()
}

// ----------------------------------------------------------------------------------------

type bcastRegisterReq struct {
	session  SnapshotReceiver
	resultCB func(error)
}

// RegisterSession add a session to the fan-out set
func (b *channelBroadcasterImpl) RegisterSession(
	ctxt context.Context, session SnapshotReceiver,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := bcastRegisterReq{session: session, resultCB: handler}
	if err := b.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to submit register request")
		return err
	}

	select {
	case <-complete:
	case <-ctxt.Done():
		return ctxt.Err()
	}
	return processError
}

func (b *channelBroadcasterImpl) processRegisterRequest(param interface{}) error {
	request, ok := param.(bcastRegisterReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session register", reflect.TypeOf(param),
		)
	}
	err := b.handleRegister(request.session)
	request.resultCB(err)
	return err
}

func (b *channelBroadcasterImpl) handleRegister(session SnapshotReceiver) error {
	id := session.SessionID()
	if _, ok := b.sessions[id]; ok {
		return fmt.Errorf("session %s already registered on channel %s", id, b.channel)
	}
	b.sessions[id] = session
	log.WithFields(b.LogTags).Infof(
		"Session %s joined. %d sessions active", id, len(b.sessions),
	)
	// New subscribers get data without waiting for the next tick
	b.deliverFreshData(session)
	return nil
}

// ----------------------------------------------------------------------------------------

type bcastUnregisterReq struct {
	sessionID string
	resultCB  func(error)
}

// UnregisterSession remove a session from the fan-out set
func (b *channelBroadcasterImpl) UnregisterSession(
	ctxt context.Context, sessionID string,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := bcastUnregisterReq{sessionID: sessionID, resultCB: handler}
	if err := b.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to submit unregister request")
		return err
	}

	select {
	case <-complete:
	case <-ctxt.Done():
		return ctxt.Err()
	}
	return processError
}

func (b *channelBroadcasterImpl) processUnregisterRequest(param interface{}) error {
	request, ok := param.(bcastUnregisterReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session unregister", reflect.TypeOf(param),
		)
	}
	var err error
	if _, ok := b.sessions[request.sessionID]; !ok {
		err = fmt.Errorf(
			"session %s not registered on channel %s", request.sessionID, b.channel,
		)
	} else {
		delete(b.sessions, request.sessionID)
		log.WithFields(b.LogTags).Infof(
			"Session %s left. %d sessions active", request.sessionID, len(b.sessions),
		)
	}
	request.resultCB(err)
	return err
}

// ----------------------------------------------------------------------------------------

type bcastTickReq struct{}

func (b *channelBroadcasterImpl) processTickRequest(param interface{}) error {
	if _, ok := param.(bcastTickReq); !ok {
		return fmt.Errorf(
			"can not process unknown type %s for broadcast tick", reflect.TypeOf(param),
		)
	}
	if len(b.sessions) == 0 {
		log.WithFields(b.LogTags).Debug("Skipping tick. No active sessions")
		return nil
	}
	snapshot, err := b.generator.Generate(b.operationContext, b.channel)
	if err != nil {
		// Tick is skipped. The next tick proceeds unaffected.
		log.WithError(err).WithFields(b.LogTags).Error("Snapshot generation failed")
		return nil
	}
	entries := b.currentLogWindow()
	for _, session := range b.sessions {
		session.DeliverSnapshot(snapshot)
		if entries != nil {
			session.DeliverLogWindow(entries)
		}
	}
	log.WithFields(b.LogTags).Debugf("Fanned out tick to %d sessions", len(b.sessions))
	return nil
}

// ----------------------------------------------------------------------------------------

type bcastUnicastReq struct {
	sessionID string
}

// RequestSnapshot send a fresh snapshot and log window to one session only
func (b *channelBroadcasterImpl) RequestSnapshot(
	ctxt context.Context, sessionID string,
) error {
	return b.tp.Submit(ctxt, bcastUnicastReq{sessionID: sessionID})
}

func (b *channelBroadcasterImpl) processUnicastRequest(param interface{}) error {
	request, ok := param.(bcastUnicastReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for snapshot request", reflect.TypeOf(param),
		)
	}
	session, ok := b.sessions[request.sessionID]
	if !ok {
		return fmt.Errorf(
			"session %s not registered on channel %s", request.sessionID, b.channel,
		)
	}
	b.deliverFreshData(session)
	return nil
}

// ----------------------------------------------------------------------------------------

type bcastSubmitLogReq struct {
	entry dashboard.LogEntry
}

// SubmitLog record a new activity entry, then rebroadcast the log window
func (b *channelBroadcasterImpl) SubmitLog(
	ctxt context.Context, entry dashboard.LogEntry,
) error {
	return b.tp.Submit(ctxt, bcastSubmitLogReq{entry: entry})
}

func (b *channelBroadcasterImpl) processSubmitLogRequest(param interface{}) error {
	request, ok := param.(bcastSubmitLogReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for log submit", reflect.TypeOf(param),
		)
	}
	entry := request.entry
	known, err := b.actors.KnownActor(b.operationContext, entry.ActorID)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to verify actor %s", entry.ActorID,
		)
		return err
	}
	if !known {
		log.WithFields(b.LogTags).Warnf(
			"Dropping log entry from unknown actor %s", entry.ActorID,
		)
		return fmt.Errorf("unknown actor %s", entry.ActorID)
	}
	if err := b.logs.Append(b.operationContext, entry); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to record log entry")
		return err
	}
	// Cross-session notification. Every session on the channel sees the update,
	// not just the sender.
	entries := b.currentLogWindow()
	if entries == nil {
		return nil
	}
	for _, session := range b.sessions {
		session.DeliverLogWindow(entries)
	}
	log.WithFields(b.LogTags).Debugf(
		"Rebroadcast log window to %d sessions", len(b.sessions),
	)
	return nil
}

// ----------------------------------------------------------------------------------------

// deliverFreshData unicast a fresh snapshot and the log window to one session
func (b *channelBroadcasterImpl) deliverFreshData(session SnapshotReceiver) {
	snapshot, err := b.generator.Generate(b.operationContext, b.channel)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Snapshot generation failed for session %s", session.SessionID(),
		)
		return
	}
	session.DeliverSnapshot(snapshot)
	if entries := b.currentLogWindow(); entries != nil {
		session.DeliverLogWindow(entries)
	}
}

// currentLogWindow fetch the latest log window, or nil on store failure
func (b *channelBroadcasterImpl) currentLogWindow() []dashboard.LogEntry {
	entries, err := b.logs.Recent(b.operationContext, b.logWindowSize)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to fetch log window")
		return nil
	}
	return entries
}

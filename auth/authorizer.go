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

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/Hiep-123/real-time-dashboard/common"
	"github.com/apex/log"
)

// ErrInvalidCredential the presented credential is malformed or expired.
// Terminal for the session, no retry.
var ErrInvalidCredential = errors.New("invalid or expired credential")

// ErrUnauthorized the credential is valid, but the requested channel is not in
// the subject's granted set. Terminal for the session, no retry.
var ErrUnauthorized = errors.New("channel not within granted set")

// Identity an authenticated subject with its resolved channel grants. Captured
// once per connection attempt; not re-queried per message.
type Identity struct {
	// ID is the opaque user ID
	ID string `json:"id"`
	// Role is the user role
	Role string `json:"role"`
	// Channels is the full granted channel set
	Channels []string `json:"channels"`
}

// HasChannel whether the channel is within the identity's granted set
func (i Identity) HasChannel(channel string) bool {
	for _, granted := range i.Channels {
		if granted == channel {
			return true
		}
	}
	return false
}

// PermissionLookup resolves a subject to its granted channel set. Read-only,
// idempotent, safe to retry.
type PermissionLookup interface {
	// ChannelsFor fetch the set of channels the user may access
	ChannelsFor(ctxt context.Context, userID string) ([]string, error)
	// KnownActor whether the user ID refers to a known subject
	KnownActor(ctxt context.Context, userID string) (bool, error)
}

// ChannelAuthorizer validates a bearer credential against the permission lookup
// and grants or denies access to a specific channel
type ChannelAuthorizer interface {
	// Authorize verify the credential and check the channel grant. On success
	// returns the resolved Identity.
	Authorize(ctxt context.Context, token string, channel string) (Identity, error)
}

// channelAuthorizerImpl implements ChannelAuthorizer
type channelAuthorizerImpl struct {
	common.Component
	lookup      PermissionLookup
	tokenSecret string
}

// DefineChannelAuthorizer create new channel authorizer
func DefineChannelAuthorizer(
	lookup PermissionLookup, tokenSecret string,
) (ChannelAuthorizer, error) {
	if lookup == nil {
		return nil, fmt.Errorf("channel authorizer requires a permission lookup")
	}
	logTags := log.Fields{
		"module": "auth", "component": "channel-authorizer",
	}
	return &channelAuthorizerImpl{
		Component:   common.Component{LogTags: logTags},
		lookup:      lookup,
		tokenSecret: tokenSecret,
	}, nil
}

// Authorize verify the credential and check the channel grant
func (a *channelAuthorizerImpl) Authorize(
	ctxt context.Context, token string, channel string,
) (Identity, error) {
	claims, err := ParseToken(token, a.tokenSecret)
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Debugf(
			"Credential rejected for channel %s", channel,
		)
		return Identity{}, ErrInvalidCredential
	}

	granted, err := a.lookup.ChannelsFor(ctxt, claims.UserID)
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Errorf(
			"Unable to resolve channel grants for %s", claims.UserID,
		)
		return Identity{}, err
	}

	identity := Identity{ID: claims.UserID, Role: claims.Role, Channels: granted}
	if !identity.HasChannel(channel) {
		log.WithFields(a.LogTags).Infof(
			"User %s denied channel %s. Granted %v", claims.UserID, channel, granted,
		)
		return Identity{}, ErrUnauthorized
	}

	log.WithFields(a.LogTags).Debugf("User %s granted channel %s", claims.UserID, channel)
	return identity, nil
}

// ========================================================================================

// staticPermissionLookup implements PermissionLookup against a fixed grant table
type staticPermissionLookup struct {
	common.Component
	grants map[string][]string
}

// GetStaticPermissionLookup create a permission lookup backed by a fixed
// user-to-channels grant table
func GetStaticPermissionLookup(grants map[string][]string) (PermissionLookup, error) {
	logTags := log.Fields{
		"module": "auth", "component": "permission-lookup",
	}
	return &staticPermissionLookup{
		Component: common.Component{LogTags: logTags},
		grants:    grants,
	}, nil
}

// ChannelsFor fetch the set of channels the user may access
func (l *staticPermissionLookup) ChannelsFor(
	ctxt context.Context, userID string,
) ([]string, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	channels, ok := l.grants[userID]
	if !ok {
		return []string{}, nil
	}
	result := make([]string, len(channels))
	copy(result, channels)
	return result, nil
}

// KnownActor whether the user ID refers to a known subject
func (l *staticPermissionLookup) KnownActor(
	ctxt context.Context, userID string,
) (bool, error) {
	if err := ctxt.Err(); err != nil {
		return false, err
	}
	_, ok := l.grants[userID]
	return ok, nil
}

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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryLogStore(t *testing.T) {
	assert := assert.New(t)

	utCtxt := context.Background()
	uut, err := GetInMemoryLogStore(5)
	assert.Nil(err)

	// Case 0: empty store
	{
		entries, err := uut.Recent(utCtxt, 10)
		assert.Nil(err)
		assert.Empty(entries)
	}

	// Case 1: entries come back newest first
	{
		for idx := 0; idx < 3; idx++ {
			assert.Nil(uut.Append(utCtxt, LogEntry{
				ActorID: "u-1",
				Action:  fmt.Sprintf("action-%d", idx),
			}))
		}
		entries, err := uut.Recent(utCtxt, 10)
		assert.Nil(err)
		assert.Len(entries, 3)
		assert.Equal("action-2", entries[0].Action)
		assert.Equal("action-0", entries[2].Action)
		// Missing timestamps are filled on append
		assert.False(entries[0].Timestamp.IsZero())
	}

	// Case 2: oldest entries evicted past the cap
	{
		for idx := 3; idx < 8; idx++ {
			assert.Nil(uut.Append(utCtxt, LogEntry{
				ActorID:   "u-1",
				Action:    fmt.Sprintf("action-%d", idx),
				Timestamp: time.Now().UTC(),
			}))
		}
		entries, err := uut.Recent(utCtxt, 10)
		assert.Nil(err)
		assert.Len(entries, 5)
		assert.Equal("action-7", entries[0].Action)
		assert.Equal("action-3", entries[4].Action)
	}

	// Case 3: limit smaller than the window
	{
		entries, err := uut.Recent(utCtxt, 2)
		assert.Nil(err)
		assert.Len(entries, 2)
		assert.Equal("action-7", entries[0].Action)
		assert.Equal("action-6", entries[1].Action)
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_WireShapeCarriesMessageCount(t *testing.T) {
	sess := &Session{
		ID: "sess-1",
		Turns: []Turn{
			{Role: RoleUser, Content: "Did the Bruins win?"},
			{Role: RoleAssistant, Content: "The Bruins beat the Rangers 4-2."},
		},
		CreatedAt:    time.Date(2025, 11, 2, 9, 0, 0, 0, time.UTC),
		LastActivity: time.Date(2025, 11, 2, 9, 1, 0, 0, time.UTC),
	}

	raw, err := json.Marshal(sess)
	require.NoError(t, err)

	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.JSONEq(t, `"sess-1"`, string(wire["session_id"]))
	assert.JSONEq(t, `2`, string(wire["message_count"]))
	require.Contains(t, wire, "turns")
	require.Contains(t, wire, "last_activity")
}

func TestSession_JSONRoundTrip(t *testing.T) {
	in := &Session{
		ID:           "sess-1",
		Turns:        []Turn{{Role: RoleUser, Content: "hello", Timestamp: time.Now().UTC()}},
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
		LastActivity: time.Now().UTC().Truncate(time.Second),
	}

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out Session
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Turns, out.Turns)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.True(t, in.LastActivity.Equal(out.LastActivity))
}

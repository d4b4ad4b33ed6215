// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package respcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
)

func TestKey_Deterministic(t *testing.T) {
	a := Key("weather in boston tomorrow", datatypes.IntentWeather, "fp1", "ctx1")
	b := Key("weather in boston tomorrow", datatypes.IntentWeather, "fp1", "ctx1")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64, "hex-encoded sha256")
}

// Every key component must be independently significant.
func TestKey_ComponentsAreBound(t *testing.T) {
	base := Key("weather in boston", datatypes.IntentWeather, "fp1", "ctx1")

	assert.NotEqual(t, base,
		Key("weather in denver", datatypes.IntentWeather, "fp1", "ctx1"))
	assert.NotEqual(t, base,
		Key("weather in boston", datatypes.IntentGeneralInfo, "fp1", "ctx1"))
	assert.NotEqual(t, base,
		Key("weather in boston", datatypes.IntentWeather, "fp2", "ctx1"))
	assert.NotEqual(t, base,
		Key("weather in boston", datatypes.IntentWeather, "fp1", "ctx2"))
	assert.NotEqual(t, base,
		Key("weather in boston", datatypes.IntentWeather, "fp1", ""))
}

// The separator prevents concatenation collisions between adjacent
// components.
func TestKey_NoConcatenationCollision(t *testing.T) {
	a := Key("ab", datatypes.Intent("c"), "d", "")
	b := Key("a", datatypes.Intent("bc"), "d", "")
	assert.NotEqual(t, a, b)
}

func TestContextFingerprint(t *testing.T) {
	assert.Empty(t, ContextFingerprint(""))

	fp := ContextFingerprint("The Bruins beat the Rangers 4-2.")
	assert.Len(t, fp, 32, "hex of the first 16 hash bytes")
	assert.Equal(t, fp, ContextFingerprint("The Bruins beat the Rangers 4-2."))
	assert.NotEqual(t, fp, ContextFingerprint("The Bruins lost 2-4."))
}

// cachedResponse builds a finalized response for cache tests.
func cachedResponse(answer string) *datatypes.ChatResponse {
	resp := datatypes.NewChatResponse("sess-1", answer)
	resp.Intent = datatypes.IntentWeather
	resp.Validated = true
	resp.ModelUsed = "test-model"
	return resp
}

func TestMemoryCache_SetGet(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	entry := &Entry{
		Response: cachedResponse("Sunny, high of 72."),
		StoredAt: time.Now().UTC(),
	}
	require.NoError(t, c.Set(ctx, "k1", entry, time.Minute))

	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.Response)
	assert.Equal(t, entry.Response.ID, got.Response.ID,
		"the stored response keeps its original id")
	assert.Equal(t, "Sunny, high of 72.", got.Response.Choices[0].Message.Content)
	assert.Equal(t, datatypes.IntentWeather, got.Response.Intent)
}

func TestMemoryCache_MissIsNilNil(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()

	got, err := c.Get(context.Background(), "absent")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", &Entry{Response: cachedResponse("stale")}, 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	got, err := c.Get(ctx, "k1")
	assert.NoError(t, err)
	assert.Nil(t, got, "expired entries read as misses")
}

func TestMemoryCache_OverwriteRefreshes(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", &Entry{Response: cachedResponse("old")}, time.Minute))
	require.NoError(t, c.Set(ctx, "k1", &Entry{Response: cachedResponse("new")}, time.Minute))

	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.Response)
	assert.Equal(t, "new", got.Response.Choices[0].Message.Content)
}

func TestMemoryCache_CloseIsIdempotent(t *testing.T) {
	c := NewMemoryCache()
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

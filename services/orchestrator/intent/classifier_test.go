// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
)

// newPatternClassifier builds a classifier with the LLM path unavailable,
// which exercises the deterministic pattern path end to end.
func newPatternClassifier() *Classifier {
	return New(Config{}, nil, nil)
}

func TestClassify_PlainWeatherQuery(t *testing.T) {
	c := newPatternClassifier()
	cls := c.Classify(context.Background(), "What's the weather in Boston tomorrow?", nil)

	assert.Equal(t, datatypes.IntentWeather, cls.Intent)
	assert.GreaterOrEqual(t, cls.Confidence, 0.9)
	assert.False(t, cls.Promoted)
	assert.False(t, cls.UsedLLM)

	we, ok := cls.Entities.(datatypes.WeatherEntities)
	require.True(t, ok)
	assert.Equal(t, "Boston", we.Location)
	assert.Equal(t, datatypes.TimeframeTomorrow, we.Timeframe)
}

// A follow-up like "Who do they play next week?" classifies as sports on
// its own but carries no team; the team fills from the previous turn.
func TestClassify_FillsEntityFromHistory(t *testing.T) {
	c := newPatternClassifier()
	history := []datatypes.Turn{
		{Role: datatypes.RoleUser, Intent: datatypes.IntentSports,
			Content:  "Did the Bruins win last night?",
			Entities: map[string]string{"team": "Bruins"}},
		{Role: datatypes.RoleAssistant,
			Content: "The Bruins beat the Rangers 4-2."},
	}

	cls := c.Classify(context.Background(), "Who do they play next week?", history)

	assert.Equal(t, datatypes.IntentSports, cls.Intent)
	assert.False(t, cls.Promoted, "sports classified from the query itself")

	se, ok := cls.Entities.(datatypes.SportsEntities)
	require.True(t, ok)
	assert.Equal(t, "Bruins", se.Team)
	assert.True(t, se.FromContext)
	assert.Equal(t, datatypes.TimeframeNextWeek, se.Timeframe)
}

// A shapeless follow-up inherits the intent of the most recent turn that
// can anchor the pronoun.
func TestClassify_PromotesIntentFromHistory(t *testing.T) {
	c := newPatternClassifier()
	history := []datatypes.Turn{
		{Role: datatypes.RoleUser, Intent: datatypes.IntentWeather,
			Entities: map[string]string{"location": "Boston"}},
		{Role: datatypes.RoleAssistant},
	}

	cls := c.Classify(context.Background(), "What about them?", history)

	assert.Equal(t, datatypes.IntentWeather, cls.Intent)
	assert.InDelta(t, 0.6, cls.Confidence, 0.001)
	assert.True(t, cls.Promoted)

	we, ok := cls.Entities.(datatypes.WeatherEntities)
	require.True(t, ok)
	assert.Equal(t, "Boston", we.Location)
	assert.True(t, we.FromContext)
}

// Without a referring expression the history must not leak into the
// result, even when it is available.
func TestClassify_IgnoresHistoryWithoutReference(t *testing.T) {
	c := newPatternClassifier()
	history := []datatypes.Turn{
		{Role: datatypes.RoleUser, Intent: datatypes.IntentSports,
			Entities: map[string]string{"team": "Bruins"}},
	}

	cls := c.Classify(context.Background(), "What's the weather in Denver?", history)

	assert.Equal(t, datatypes.IntentWeather, cls.Intent)
	we := cls.Entities.(datatypes.WeatherEntities)
	assert.Equal(t, "Denver", we.Location)
	assert.False(t, we.FromContext)
	assert.False(t, cls.Promoted)
}

// Resolution only sees the configured history window; anchors that have
// scrolled out of it are gone.
func TestClassify_HistoryWindowBounds(t *testing.T) {
	c := New(Config{HistoryTurns: 2}, nil, nil)
	history := []datatypes.Turn{
		{Role: datatypes.RoleUser, Intent: datatypes.IntentSports,
			Entities: map[string]string{"team": "Bruins"}},
		{Role: datatypes.RoleAssistant},
		{Role: datatypes.RoleUser, Intent: datatypes.IntentGeneralInfo,
			Entities: map[string]string{"topic": "tides"}},
		{Role: datatypes.RoleAssistant},
	}

	cls := c.Classify(context.Background(), "Who do they play next week?", history)

	assert.Equal(t, datatypes.IntentSports, cls.Intent)
	se := cls.Entities.(datatypes.SportsEntities)
	assert.Empty(t, se.Team, "anchor turn is outside the window")
	assert.False(t, se.FromContext)
}

func TestClassify_UnknownWithoutContext(t *testing.T) {
	c := newPatternClassifier()
	cls := c.Classify(context.Background(), "hmm okay", nil)

	assert.Equal(t, datatypes.IntentUnknown, cls.Intent)
	assert.Less(t, cls.Confidence, 0.5)
	_, ok := cls.Entities.(datatypes.NoEntities)
	assert.True(t, ok)
}

func TestClassify_Deterministic(t *testing.T) {
	c := newPatternClassifier()
	history := []datatypes.Turn{
		{Role: datatypes.RoleUser, Intent: datatypes.IntentWeather,
			Entities: map[string]string{"location": "Boston"}},
	}

	first := c.Classify(context.Background(), "Will it rain there tomorrow?", history)
	for i := 0; i < 20; i++ {
		got := c.Classify(context.Background(), "Will it rain there tomorrow?", history)
		require.Equal(t, first, got)
	}
}

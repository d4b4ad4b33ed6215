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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianAssist/services/llm"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
)

// llmReply is the structured classification the model is asked to emit.
type llmReply struct {
	Category   string            `json:"category"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities"`
}

const classifyPromptHeader = `Classify the user query into exactly one category:
control, weather, sports, airports, general_info, unknown.

Extract entities relevant to the category:
- weather: location, timeframe
- sports: team, timeframe
- airports: airport, timeframe
- general_info: topic

Reply with only a JSON object: {"category": "...", "confidence": 0.0-1.0, "entities": {...}}`

// llmClassify asks the small-tier model for a structured classification.
// Any backend or parse failure returns an error; the caller falls back to
// the pattern path.
func (c *Classifier) llmClassify(ctx context.Context, query, normalized string, history []datatypes.Turn) (Classification, error) {
	var b strings.Builder
	b.WriteString(classifyPromptHeader)
	if len(history) > 0 {
		b.WriteString("\n\nRecent conversation:\n")
		for _, turn := range history {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
		}
	}
	fmt.Fprintf(&b, "\nQuery: %s", query)

	temp := float32(0)
	maxTokens := 200
	result, err := c.llm.Generate(ctx, b.String(), llm.TierSmall, c.cfg.LLMBudget, llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return Classification{}, err
	}

	reply, err := parseLLMReply(result.Text)
	if err != nil {
		return Classification{}, err
	}

	in := datatypes.CanonicalIntent(reply.Category)
	conf := reply.Confidence
	if conf < 0 || conf > 1 {
		conf = 0.5
	}
	return Classification{
		Intent:     in,
		Confidence: conf,
		Entities:   entitiesFromMap(in, reply.Entities, normalized),
		UsedLLM:    true,
	}, nil
}

// parseLLMReply extracts the JSON object from the model text. Models
// routinely wrap JSON in prose or code fences; everything outside the
// outermost braces is discarded.
func parseLLMReply(text string) (*llmReply, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, &datatypes.ParseError{What: "classification reply", Raw: text}
	}
	var reply llmReply
	if err := json.Unmarshal([]byte(text[start:end+1]), &reply); err != nil {
		return nil, &datatypes.ParseError{What: "classification reply", Raw: text}
	}
	if reply.Category == "" {
		return nil, &datatypes.ParseError{What: "classification reply", Raw: text}
	}
	return &reply, nil
}

// entitiesFromMap builds the typed variant from the model's loose entity
// map. The timeframe falls back to pattern extraction when the model
// omits it, keeping forecast detection independent of model quality.
func entitiesFromMap(in datatypes.Intent, m map[string]string, normalized string) datatypes.Entities {
	tf := datatypes.Timeframe(m["timeframe"])
	if tf == datatypes.TimeframeNone {
		tf = extractTimeframe(normalized)
	}

	switch in {
	case datatypes.IntentWeather:
		return datatypes.WeatherEntities{
			Location:     m["location"],
			Timeframe:    tf,
			ForecastFlag: tf.Future(),
		}
	case datatypes.IntentSports:
		return datatypes.SportsEntities{Team: m["team"], Timeframe: tf}
	case datatypes.IntentAirports:
		return datatypes.AirportEntities{Airport: m["airport"], Timeframe: tf}
	case datatypes.IntentGeneralInfo:
		topic := m["topic"]
		if topic == "" {
			topic = topicOf(normalized)
		}
		return datatypes.GeneralEntities{Topic: topic, Timeframe: tf}
	default:
		return datatypes.NoEntities{}
	}
}

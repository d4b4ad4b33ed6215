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

import "time"

// SourceKind categorizes where a piece of evidence came from.
type SourceKind string

const (
	// SourceKindRAG is a structured domain adapter payload (weather,
	// sports, airports).
	SourceKindRAG SourceKind = "rag"

	// SourceKindWebSearch is a fused web-search result item.
	SourceKindWebSearch SourceKind = "websearch"

	// SourceKindLLMKnowledge marks an answer produced from model knowledge
	// alone. Carries no payload and never satisfies the validator on its own.
	SourceKindLLMKnowledge SourceKind = "llm_knowledge"
)

// Source is one piece of retrieved evidence. The payload is opaque to the
// orchestrator: the validator token-matches against it and the synthesizer
// renders it into the prompt, but neither interprets its structure.
type Source struct {
	Provider  string     `json:"provider"`
	Kind      SourceKind `json:"kind"`
	Payload   string     `json:"payload,omitempty"`
	Title     string     `json:"title,omitempty"`
	URL       string     `json:"url,omitempty"`
	FetchedAt time.Time  `json:"fetched_at"`
	LatencyMS int64      `json:"latency_ms"`
}

// Tag returns the short provider tag recorded on assistant turns.
func (s Source) Tag() string {
	return s.Provider + ":" + string(s.Kind)
}

// SourceTags extracts the turn-level tags for a source list.
func SourceTags(sources []Source) []string {
	if len(sources) == 0 {
		return nil
	}
	tags := make([]string, 0, len(sources))
	for _, s := range sources {
		tags = append(tags, s.Tag())
	}
	return tags
}

// LLMKnowledgeSource builds the marker source for answers produced without
// retrieved evidence.
func LLMKnowledgeSource(model string) Source {
	return Source{
		Provider:  model,
		Kind:      SourceKindLLMKnowledge,
		FetchedAt: time.Now().UTC(),
	}
}

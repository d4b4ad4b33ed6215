// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validate checks a synthesized answer against its sources.
//
// # Description
//
// The validator is a pure function over (candidate, intent, entities,
// sources): no I/O, no clock, no randomness, and fast enough to run on
// every request without its own budget mattering in practice. It does not
// judge truth; it judges support: an answer asserting specifics that no
// retrieved source backs up fails, regardless of whether the specifics
// happen to be right.
package validate

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
)

// Result is the validator's verdict with a human-readable reason.
type Result struct {
	Verdict datatypes.Verdict
	Reason  string
}

// Claim-shaped token detectors. Any hit marks the candidate as making a
// specific factual claim that needs source support.
var (
	numberRe = regexp.MustCompile(`\b\d+(?:[.,]\d+)?\b`)
	priceRe  = regexp.MustCompile(`[$€£]\s?\d`)
	dateRe   = regexp.MustCompile(`(?i)\b(january|february|march|april|may|june|july|august|september|october|november|december|monday|tuesday|wednesday|thursday|friday|saturday|sunday|\d{4}-\d{2}-\d{2})\b`)
	// properNounRe finds a mid-sentence capitalized run, skipping the
	// sentence-initial word via the preceding lowercase/punctuation check.
	properNounRe = regexp.MustCompile(`[a-z,;:]\s+([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+)*)`)
)

// unsafeActionRe catches device-control phrasing that leaked into an
// informational answer.
var unsafeActionRe = regexp.MustCompile(`(?i)\b(i(?:'ve| have)? (?:turned|switched|set|locked|unlocked|dimmed)|turning (?:on|off) (?:the|your)|executing command|command sent)\b`)

// Check validates a candidate answer. Pure; safe for concurrent use.
func Check(candidate string, in datatypes.Intent, entities datatypes.Entities, sources []datatypes.Source) Result {
	if in.Informational() && unsafeActionRe.MatchString(candidate) {
		return Result{
			Verdict: datatypes.VerdictFailUnsafe,
			Reason:  "answer claims a device action on an informational path",
		}
	}

	hasClaims := makesSpecificClaims(candidate)
	if !hasClaims {
		return Result{Verdict: datatypes.VerdictPass, Reason: "no specific claims to support"}
	}

	evidence := evidencePayloads(sources)
	if len(evidence) == 0 {
		return Result{
			Verdict: datatypes.VerdictFailUnsupported,
			Reason:  "answer makes specific claims but no retrieved evidence exists",
		}
	}

	for _, token := range entities.NamedTokens() {
		if !supported(token, evidence) {
			return Result{
				Verdict: datatypes.VerdictFailUnsupported,
				Reason:  "no source mentions " + token,
			}
		}
	}
	return Result{Verdict: datatypes.VerdictPass, Reason: "claims supported by retrieved sources"}
}

// makesSpecificClaims reports whether the text asserts concrete facts:
// numbers, prices, dates, or mid-sentence proper nouns.
func makesSpecificClaims(text string) bool {
	return numberRe.MatchString(text) ||
		priceRe.MatchString(text) ||
		dateRe.MatchString(text) ||
		properNounRe.MatchString(text)
}

// evidencePayloads returns the payloads of sources that constitute real
// retrieved evidence. LLM-knowledge sources do not count: an answer
// cannot vouch for itself.
func evidencePayloads(sources []datatypes.Source) []string {
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		if s.Kind == datatypes.SourceKindLLMKnowledge || s.Payload == "" {
			continue
		}
		out = append(out, looseNormalize(s.Payload))
	}
	return out
}

// supported reports whether any evidence payload contains the token under
// loose normalization.
func supported(token string, evidence []string) bool {
	needle := looseNormalize(token)
	if needle == "" {
		return true
	}
	for _, payload := range evidence {
		if strings.Contains(payload, needle) {
			return true
		}
	}
	return false
}

// looseNormalize folds text for substring matching: NFKC, lowercase,
// punctuation replaced with single spaces, whitespace collapsed.
func looseNormalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace && b.Len() > 0:
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

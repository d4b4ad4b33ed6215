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
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
)

// Normalize canonicalizes a query for pattern matching and cache keying:
// NFKC fold, lowercase, trimmed, inner whitespace collapsed.
func Normalize(query string) string {
	q := norm.NFKC.String(query)
	q = strings.ToLower(strings.TrimSpace(q))
	return strings.Join(strings.Fields(q), " ")
}

// rule is one ordered pattern-classifier rule. The first matching rule
// wins, so order encodes disambiguation priority.
type rule struct {
	intent     datatypes.Intent
	confidence float64
	re         *regexp.Regexp
}

// patternRules matches against the normalized query.
//
// The how-to rule sits first as a disambiguation pre-pass: "how do I read
// a weather map" carries a weather keyword but asks for instructions, so
// it must never reach the keyword-only weather rule.
var patternRules = []rule{
	{datatypes.IntentGeneralInfo, 0.75, regexp.MustCompile(
		`^(how (do|does|did|can|could|should|would) |how to |what('s| is) the (best )?way to )`)},
	{datatypes.IntentControl, 0.9, regexp.MustCompile(
		`\b(turn (on|off)|switch (on|off)|dim|brighten|set the (thermostat|temperature to)|(lock|unlock) the|play (music|some)|volume (up|down)|start the|stop the)\b`)},
	{datatypes.IntentWeather, 0.9, regexp.MustCompile(
		`\b(weather|forecast|temperature|rain(ing|y)?|snow(ing)?|sunny|cloudy|humid(ity)?|windy?|storm|umbrella|degrees)\b`)},
	{datatypes.IntentSports, 0.85, regexp.MustCompile(
		`\b(score|game|match|play(s|ed|ing)?|playoffs?|season|standings|win|won|lose|lost|beat|nfl|nba|mlb|nhl)\b`)},
	{datatypes.IntentAirports, 0.85, regexp.MustCompile(
		`\b(airport|flight(s)?|delay(s|ed)?|tsa|terminal|gate|departure|arrival|runway)\b`)},
}

// questionOpeners marks a query as informational when no rule fires.
var questionOpeners = regexp.MustCompile(
	`^(who|what|when|where|why|which|how|is|are|was|were|can|could|do|does|did|will|would|should|tell me)\b`)

// matchPattern runs the ordered rules over the normalized query.
//
// A query no rule matches is general_info when it reads like a question
// and unknown when it is too short or shapeless to route anywhere.
func matchPattern(normalized string) (datatypes.Intent, float64) {
	for _, r := range patternRules {
		if r.re.MatchString(normalized) {
			return r.intent, r.confidence
		}
	}
	if questionOpeners.MatchString(normalized) || strings.HasSuffix(normalized, "?") {
		return datatypes.IntentGeneralInfo, 0.5
	}
	if len(strings.Fields(normalized)) <= 2 {
		return datatypes.IntentUnknown, 0.2
	}
	return datatypes.IntentGeneralInfo, 0.4
}

// =============================================================================
// Temporal Extraction
// =============================================================================

// timeframePatterns is ordered longest-phrase-first so "next week" wins
// over a later bare-token rule.
var timeframePatterns = []struct {
	re *regexp.Regexp
	tf datatypes.Timeframe
}{
	{regexp.MustCompile(`\bnext week\b`), datatypes.TimeframeNextWeek},
	{regexp.MustCompile(`\bthis week\b`), datatypes.TimeframeThisWeek},
	{regexp.MustCompile(`\bnext month\b`), datatypes.TimeframeNextMonth},
	{regexp.MustCompile(`\bthis month\b`), datatypes.TimeframeThisMonth},
	{regexp.MustCompile(`\b(this )?weekend\b`), datatypes.TimeframeWeekend},
	{regexp.MustCompile(`\btomorrow\b`), datatypes.TimeframeTomorrow},
	{regexp.MustCompile(`\btonight\b`), datatypes.TimeframeTonight},
	{regexp.MustCompile(`\btoday\b`), datatypes.TimeframeToday},
}

// extractTimeframe maps temporal tokens in the normalized query onto the
// closed Timeframe set.
func extractTimeframe(normalized string) datatypes.Timeframe {
	for _, p := range timeframePatterns {
		if p.re.MatchString(normalized) {
			return p.tf
		}
	}
	return datatypes.TimeframeNone
}

// =============================================================================
// Entity Extraction
// =============================================================================

// Entity regexes run on the original query, not the normalized one:
// capitalization is the strongest signal for proper nouns.
var (
	locationRe = regexp.MustCompile(
		`\b(?:in|for|at|around|near)\s+([A-Z][a-zA-Z.'\-]*(?:\s+[A-Z][a-zA-Z.'\-]*){0,2})`)
	teamRe = regexp.MustCompile(
		`\bthe\s+([A-Z][a-zA-Z]*(?:\s+[A-Z][a-zA-Z]*){0,3})\b`)
	iataRe = regexp.MustCompile(`\b([A-Z]{3})\b`)
	airportNameRe = regexp.MustCompile(
		`\b([A-Z][a-zA-Z.'\-]*(?:\s+[A-Z][a-zA-Z.'\-]*){0,3})\s+[Aa]irport\b`)
)

// iataStoplist holds capitalized three-letter words that are ordinary
// English, not airport codes.
var iataStoplist = map[string]bool{
	"THE": true, "AND": true, "FOR": true, "ARE": true, "YOU": true,
	"NOT": true, "BUT": true, "ALL": true, "NEW": true, "HOW": true,
	"WHO": true, "WHY": true, "CAN": true, "ANY": true, "GET": true,
}

// extractEntities builds the intent-specific entity variant from the
// original query text.
func extractEntities(in datatypes.Intent, query, normalized string) datatypes.Entities {
	tf := extractTimeframe(normalized)

	switch in {
	case datatypes.IntentWeather:
		loc := ""
		if m := locationRe.FindStringSubmatch(query); m != nil {
			loc = strings.TrimSpace(m[1])
		}
		return datatypes.WeatherEntities{
			Location:     loc,
			Timeframe:    tf,
			ForecastFlag: tf.Future(),
		}

	case datatypes.IntentSports:
		team := ""
		if m := teamRe.FindStringSubmatch(query); m != nil {
			team = strings.TrimSpace(m[1])
		}
		return datatypes.SportsEntities{Team: team, Timeframe: tf}

	case datatypes.IntentAirports:
		airport := ""
		if m := airportNameRe.FindStringSubmatch(query); m != nil {
			airport = strings.TrimSpace(m[1])
		} else {
			for _, m := range iataRe.FindAllStringSubmatch(query, -1) {
				if !iataStoplist[m[1]] {
					airport = m[1]
					break
				}
			}
		}
		return datatypes.AirportEntities{Airport: airport, Timeframe: tf}

	case datatypes.IntentGeneralInfo:
		return datatypes.GeneralEntities{Topic: topicOf(normalized), Timeframe: tf}

	default:
		return datatypes.NoEntities{}
	}
}

// topicPrefixRe strips interrogative scaffolding off a general query to
// leave a search-friendly topic.
var topicPrefixRe = regexp.MustCompile(
	`^(tell me about|what (is|are|was|were)|who (is|are|was|were)|how (do|does|did|can|to)|when (is|was|did)|where (is|was)|why (is|are|did|do)|is|are|can|could|do|does|did|will)\s+`)

func topicOf(normalized string) string {
	topic := strings.TrimSuffix(normalized, "?")
	for {
		stripped := topicPrefixRe.ReplaceAllString(topic, "")
		if stripped == topic {
			break
		}
		topic = stripped
	}
	return strings.TrimSpace(topic)
}

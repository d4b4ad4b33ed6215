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

// Intent is the closed set of query categories the orchestrator routes on.
//
// The set may grow over time, but routing code must treat any label it does
// not recognize as IntentGeneralInfo. Use CanonicalIntent when ingesting
// labels from external inputs (LLM classifier replies, the routing map).
type Intent string

const (
	// IntentControl is a smart-home or device command. Handled by an
	// external control adapter; never enters the info pipeline.
	IntentControl Intent = "control"

	// IntentWeather is a current-conditions or forecast query.
	IntentWeather Intent = "weather"

	// IntentSports is a schedule, score, or matchup query.
	IntentSports Intent = "sports"

	// IntentAirports is a flight-delay or airport-status query.
	IntentAirports Intent = "airports"

	// IntentGeneralInfo is any informational query without a dedicated
	// structured backend. Served by parallel web search or LLM knowledge.
	IntentGeneralInfo Intent = "general_info"

	// IntentUnknown means classification could not produce a usable label.
	// The orchestrator short-circuits to a clarification response.
	IntentUnknown Intent = "unknown"
)

// knownIntents is the authoritative membership set for Intent labels.
var knownIntents = map[Intent]bool{
	IntentControl:     true,
	IntentWeather:     true,
	IntentSports:      true,
	IntentAirports:    true,
	IntentGeneralInfo: true,
	IntentUnknown:     true,
}

// Known reports whether the intent is a member of the closed set.
func (i Intent) Known() bool {
	return knownIntents[i]
}

// Informational reports whether the intent routes into the
// retrieve → synthesize → validate branch of the stage graph.
func (i Intent) Informational() bool {
	switch i {
	case IntentWeather, IntentSports, IntentAirports, IntentGeneralInfo:
		return true
	default:
		return false
	}
}

// CanonicalIntent maps an arbitrary label onto the closed intent set.
//
// Labels outside the set collapse to IntentGeneralInfo rather than
// IntentUnknown: an unrecognized label from the LLM classifier or the
// routing map still describes an informational query, and the parallel
// search path is the safe destination for it.
func CanonicalIntent(label string) Intent {
	in := Intent(label)
	if in.Known() {
		return in
	}
	return IntentGeneralInfo
}

// Timeframe is a normalized temporal reference extracted from a query.
type Timeframe string

const (
	TimeframeNone      Timeframe = ""
	TimeframeToday     Timeframe = "today"
	TimeframeTonight   Timeframe = "tonight"
	TimeframeTomorrow  Timeframe = "tomorrow"
	TimeframeThisWeek  Timeframe = "this_week"
	TimeframeNextWeek  Timeframe = "next_week"
	TimeframeWeekend   Timeframe = "weekend"
	TimeframeThisMonth Timeframe = "this_month"
	TimeframeNextMonth Timeframe = "next_month"
)

// Future reports whether the timeframe looks forward from now. The retrieve
// stage uses this to select forecast-capable adapter endpoints.
func (t Timeframe) Future() bool {
	switch t {
	case TimeframeTomorrow, TimeframeThisWeek, TimeframeNextWeek,
		TimeframeWeekend, TimeframeThisMonth, TimeframeNextMonth:
		return true
	default:
		return false
	}
}

// Verdict is the validator's judgment on a candidate answer.
type Verdict string

const (
	// VerdictPass means every specific claim in the answer is supported by
	// at least one retrieved source.
	VerdictPass Verdict = "pass"

	// VerdictFailUnsupported means the answer makes specific claims that no
	// source payload backs up. The orchestrator degrades the response.
	VerdictFailUnsupported Verdict = "fail-unsupported"

	// VerdictFailUnsafe is reserved for answers that leaked a device-control
	// action into an informational path. Always degrades.
	VerdictFailUnsafe Verdict = "fail-unsafe"
)

// Passed reports whether the verdict allows the answer through unmodified.
func (v Verdict) Passed() bool { return v == VerdictPass }

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
	"sort"
	"strings"
)

// =============================================================================
// Entities Sum Type
// =============================================================================

// Entities is the sum of intent-specific entity variants.
//
// # Description
//
// Each informational intent extracts a different shape of entities
// (a location for weather, a team for sports, an airport code for flight
// status). Modeling them as a sealed sum instead of a loose map lets the
// synthesizer and the validator switch exhaustively over the variants.
//
// # Contract
//
//   - Kind returns the intent family the variant belongs to.
//   - Fingerprint returns a stable, order-independent string used in the
//     response-cache key. Equal entity sets must produce equal fingerprints.
//   - NamedTokens returns the specific entity values the validator must find
//     in source payloads for a pass verdict. May be empty.
//   - AsMap returns a flat representation for session turns and the HTTP
//     response payload.
//   - ResolvedFromContext reports whether any entity value was supplied by
//     coreference resolution rather than the query text itself.
//
// # Thread Safety
//
// Variants are value types and immutable after classification.
type Entities interface {
	Kind() Intent
	Fingerprint() string
	NamedTokens() []string
	AsMap() map[string]string
	ResolvedFromContext() bool
	When() Timeframe
}

// Compile-time variant checks.
var (
	_ Entities = WeatherEntities{}
	_ Entities = SportsEntities{}
	_ Entities = AirportEntities{}
	_ Entities = GeneralEntities{}
	_ Entities = NoEntities{}
)

// fingerprint renders a flat entity map into a stable cache-key component.
// Keys are sorted so insertion order never leaks into the fingerprint.
func fingerprint(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if m[k] == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strings.ToLower(m[k]))
	}
	return strings.Join(parts, ";")
}

// =============================================================================
// Variants
// =============================================================================

// WeatherEntities carries the extracted shape of a weather query.
type WeatherEntities struct {
	Location     string
	Timeframe    Timeframe
	ForecastFlag bool
	FromContext  bool
}

func (e WeatherEntities) Kind() Intent { return IntentWeather }

func (e WeatherEntities) Fingerprint() string {
	return fingerprint(e.AsMap())
}

func (e WeatherEntities) NamedTokens() []string {
	if e.Location == "" {
		return nil
	}
	return []string{e.Location}
}

func (e WeatherEntities) AsMap() map[string]string {
	m := map[string]string{
		"location":  e.Location,
		"timeframe": string(e.Timeframe),
	}
	if e.ForecastFlag {
		m["forecast_flag"] = "true"
	}
	if e.FromContext {
		m["resolved_from_context"] = "true"
	}
	return m
}

func (e WeatherEntities) ResolvedFromContext() bool { return e.FromContext }
func (e WeatherEntities) When() Timeframe           { return e.Timeframe }

// SportsEntities carries the extracted shape of a sports query.
type SportsEntities struct {
	Team        string
	Timeframe   Timeframe
	FromContext bool
}

func (e SportsEntities) Kind() Intent { return IntentSports }

func (e SportsEntities) Fingerprint() string {
	return fingerprint(e.AsMap())
}

func (e SportsEntities) NamedTokens() []string {
	if e.Team == "" {
		return nil
	}
	return []string{e.Team}
}

func (e SportsEntities) AsMap() map[string]string {
	m := map[string]string{
		"team":      e.Team,
		"timeframe": string(e.Timeframe),
	}
	if e.FromContext {
		m["resolved_from_context"] = "true"
	}
	return m
}

func (e SportsEntities) ResolvedFromContext() bool { return e.FromContext }
func (e SportsEntities) When() Timeframe           { return e.Timeframe }

// AirportEntities carries the extracted shape of an airport-status query.
type AirportEntities struct {
	Airport     string
	Timeframe   Timeframe
	FromContext bool
}

func (e AirportEntities) Kind() Intent { return IntentAirports }

func (e AirportEntities) Fingerprint() string {
	return fingerprint(e.AsMap())
}

func (e AirportEntities) NamedTokens() []string {
	if e.Airport == "" {
		return nil
	}
	return []string{e.Airport}
}

func (e AirportEntities) AsMap() map[string]string {
	m := map[string]string{
		"airport":   e.Airport,
		"timeframe": string(e.Timeframe),
	}
	if e.FromContext {
		m["resolved_from_context"] = "true"
	}
	return m
}

func (e AirportEntities) ResolvedFromContext() bool { return e.FromContext }
func (e AirportEntities) When() Timeframe           { return e.Timeframe }

// GeneralEntities carries whatever loose shape a general-info query yields.
// Topic is best-effort and may be empty.
type GeneralEntities struct {
	Topic     string
	Timeframe Timeframe
}

func (e GeneralEntities) Kind() Intent { return IntentGeneralInfo }

func (e GeneralEntities) Fingerprint() string {
	return fingerprint(e.AsMap())
}

// NamedTokens is empty for general queries: the topic is a search hint, not
// a factual claim the validator should demand evidence for.
func (e GeneralEntities) NamedTokens() []string { return nil }

func (e GeneralEntities) AsMap() map[string]string {
	return map[string]string{
		"topic":     e.Topic,
		"timeframe": string(e.Timeframe),
	}
}

func (e GeneralEntities) ResolvedFromContext() bool { return false }
func (e GeneralEntities) When() Timeframe           { return e.Timeframe }

// NoEntities is the variant for control and unknown intents.
type NoEntities struct{}

func (NoEntities) Kind() Intent              { return IntentUnknown }
func (NoEntities) Fingerprint() string       { return "" }
func (NoEntities) NamedTokens() []string     { return nil }
func (NoEntities) AsMap() map[string]string  { return map[string]string{} }
func (NoEntities) ResolvedFromContext() bool { return false }
func (NoEntities) When() Timeframe           { return TimeframeNone }

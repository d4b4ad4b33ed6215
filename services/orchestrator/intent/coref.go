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
	"strings"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
)

// referringTokens are the pronouns and determiners that signal the query
// leans on conversation context. Presence of any of them triggers the
// history fetch and the coreference scan.
var referringTokens = map[string]bool{
	"they": true, "them": true, "their": true,
	"it": true, "that": true, "those": true, "this": true,
	"tomorrow": true, "next": true, "last": true,
}

// HasReferringExpression reports whether the normalized query contains a
// token from the referring set.
func HasReferringExpression(normalized string) bool {
	for _, tok := range strings.Fields(normalized) {
		if referringTokens[strings.Trim(tok, ".,!?")] {
			return true
		}
	}
	return false
}

// entityKeyFor maps an intent to the session-turn entity key that can
// resolve a reference for it.
func entityKeyFor(in datatypes.Intent) string {
	switch in {
	case datatypes.IntentWeather:
		return "location"
	case datatypes.IntentSports:
		return "team"
	case datatypes.IntentAirports:
		return "airport"
	default:
		return ""
	}
}

// resolveFromHistory fills a missing entity value from session history.
//
// Turns are scanned most recent first; the first turn carrying an entity
// of the expected type supplies the resolution. Returns the value and
// whether anything resolved.
func resolveFromHistory(in datatypes.Intent, history []datatypes.Turn) (string, bool) {
	key := entityKeyFor(in)
	if key == "" {
		return "", false
	}
	for i := len(history) - 1; i >= 0; i-- {
		if v := history[i].Entities[key]; v != "" {
			return v, true
		}
	}
	return "", false
}

// promoteFromHistory finds the most recent turn with a structured intent
// and a usable entity, for promoting an unknown-intent query that leans
// on context. Returns the turn's intent and entity value.
func promoteFromHistory(history []datatypes.Turn) (datatypes.Intent, string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		in := history[i].Intent
		key := entityKeyFor(in)
		if key == "" {
			continue
		}
		if v := history[i].Entities[key]; v != "" {
			return in, v, true
		}
	}
	return datatypes.IntentUnknown, "", false
}

// withResolvedEntity rebuilds an entity variant with the context-resolved
// value filled in and the resolution flagged.
func withResolvedEntity(in datatypes.Intent, base datatypes.Entities, value string) datatypes.Entities {
	switch e := base.(type) {
	case datatypes.WeatherEntities:
		e.Location = value
		e.FromContext = true
		return e
	case datatypes.SportsEntities:
		e.Team = value
		e.FromContext = true
		return e
	case datatypes.AirportEntities:
		e.Airport = value
		e.FromContext = true
		return e
	default:
		// Promotion starts from NoEntities; build the variant fresh.
		switch in {
		case datatypes.IntentWeather:
			return datatypes.WeatherEntities{Location: value, FromContext: true}
		case datatypes.IntentSports:
			return datatypes.SportsEntities{Team: value, FromContext: true}
		case datatypes.IntentAirports:
			return datatypes.AirportEntities{Airport: value, FromContext: true}
		}
		return base
	}
}

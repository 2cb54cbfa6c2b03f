package rules

import (
	"net/url"
	"time"
)

// PageFacts builds the page_url and page_host facts for a session's current
// document. An unparseable URL yields only page_url.
func PageFacts(sessionID, rawURL string) []Fact {
	now := time.Now()
	facts := []Fact{{
		Predicate: "page_url",
		Args:      []interface{}{sessionID, rawURL},
		Timestamp: now,
	}}
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		facts = append(facts, Fact{
			Predicate: "page_host",
			Args:      []interface{}{sessionID, u.Hostname()},
			Timestamp: now,
		})
	}
	return facts
}

// OverlayFact records a suspected gate/overlay element found by a DOM scan.
func OverlayFact(sessionID, selector string) Fact {
	return Fact{
		Predicate: "overlay_node",
		Args:      []interface{}{sessionID, selector},
		Timestamp: time.Now(),
	}
}

// ScriptStateFact records a script's enabled state.
func ScriptStateFact(script string, enabled bool) Fact {
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	return Fact{
		Predicate: "script_state",
		Args:      []interface{}{script, state},
		Timestamp: time.Now(),
	}
}

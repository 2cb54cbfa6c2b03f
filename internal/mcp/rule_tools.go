package mcp

import (
	"context"
	"fmt"

	"scriptdeck/internal/browser"
	"scriptdeck/internal/rules"
)

type QueryRulesTool struct {
	engine *rules.Engine
}

func (t *QueryRulesTool) Name() string { return "query-rules" }
func (t *QueryRulesTool) Description() string {
	return `Run a Datalog query against the site-rules engine.

Examples:
- script_applies(Script, Session)
- page_host(Session, "example.com").
- overlay_node(Session, Selector)

Variables start with an uppercase letter and come back as bindings.

Returns: {results: [{Var: value, ...}], count}`
}
func (t *QueryRulesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Datalog query string",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryRulesTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := getStringArg(args, "query")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}

	results, err := t.engine.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"results": results,
		"count":   len(results),
	}, nil
}

type SubmitRuleTool struct {
	engine *rules.Engine
}

func (t *SubmitRuleTool) Name() string { return "submit-rule" }
func (t *SubmitRuleTool) Description() string {
	return `Add a Datalog rule or declaration to the running engine.

Use this to extend which scripts apply where without restarting, e.g.:

  script_applies("selection-unlock", Session) :- page_host(Session, "docs.internal").

New predicates need a Decl first:

  Decl wiki_page(Session).

Returns: {added: true}`
}
func (t *SubmitRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Mangle source for the rule or declaration",
			},
		},
		"required": []string{"rule"},
	}
}
func (t *SubmitRuleTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	rule := getStringArg(args, "rule")
	if rule == "" {
		return nil, fmt.Errorf("rule is required")
	}
	if err := t.engine.AddRule(rule); err != nil {
		return nil, err
	}
	return map[string]interface{}{"added": true}, nil
}

type ReadFactsTool struct {
	engine *rules.Engine
}

func (t *ReadFactsTool) Name() string { return "read-facts" }
func (t *ReadFactsTool) Description() string {
	return `Read the engine's recent fact buffer, optionally filtered by
predicate. Useful for checking what the server currently believes about
open pages (page_url, page_host, overlay_node, script_state).

Returns: {facts: [{predicate, args, timestamp}], count, sampling_rate}`
}
func (t *ReadFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Optional predicate filter",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Max facts to return (default 50)",
			},
		},
	}
}
func (t *ReadFactsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	predicate := getStringArg(args, "predicate")
	limit := getIntArg(args, "limit", 50)

	var facts []rules.Fact
	if predicate != "" {
		facts = t.engine.FactsByPredicate(predicate)
	} else {
		facts = t.engine.Facts()
	}
	if limit > 0 && len(facts) > limit {
		facts = facts[len(facts)-limit:]
	}

	return map[string]interface{}{
		"facts":         facts,
		"count":         len(facts),
		"sampling_rate": t.engine.SamplingRate(),
	}, nil
}

type ScanOverlaysTool struct {
	sessions *browser.SessionManager
}

func (t *ScanOverlaysTool) Name() string { return "scan-overlays" }
func (t *ScanOverlaysTool) Description() string {
	return `Re-scan a session's page for blocking overlays (paywalls, ad
gates, modal walls) and record them as overlay_node facts.

Scans run automatically after navigation; use this after the page mutates
in place.

Returns: {overlays: [{selector, tag_name, coverage, scroll_lock, ...}], count}`
}
func (t *ScanOverlaysTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session whose page to scan",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *ScanOverlaysTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if err := t.sessions.ScanOverlays(ctx, sessionID); err != nil {
		return nil, err
	}

	var overlays []*browser.OverlayFingerprint
	if reg := t.sessions.Overlays(sessionID); reg != nil {
		overlays = reg.All()
	}
	return map[string]interface{}{
		"overlays": overlays,
		"count":    len(overlays),
	}, nil
}

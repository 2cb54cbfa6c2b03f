package mcp

import (
	"context"
	"fmt"

	"scriptdeck/internal/browser"
	"scriptdeck/internal/panel"
	"scriptdeck/internal/rules"
	"scriptdeck/internal/scripts"
)

type ListScriptsTool struct {
	modules []scripts.Module
}

func (t *ListScriptsTool) Name() string { return "list-scripts" }
func (t *ListScriptsTool) Description() string {
	return `List the builtin page scripts and their enabled state.

Returns: Array of {id, title, enabled}.`
}
func (t *ListScriptsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListScriptsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	out := make([]map[string]interface{}, 0, len(t.modules))
	for _, m := range t.modules {
		out = append(out, map[string]interface{}{
			"id":      m.ID(),
			"title":   m.Title(),
			"enabled": m.Enabled(),
		})
	}
	return map[string]interface{}{"scripts": out}, nil
}

type ToggleScriptTool struct {
	modules []scripts.Module
	host    *panel.Host
}

func (t *ToggleScriptTool) Name() string { return "toggle-script" }
func (t *ToggleScriptTool) Description() string {
	return `Enable or disable a page script.

Goes through the same path as the in-page panel toggle: the script flips
its own state, persists it, and confirms back to the panel display.

Returns: {id, enabled}`
}
func (t *ToggleScriptTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"script_id": map[string]interface{}{
				"type":        "string",
				"description": "Script id (see list-scripts)",
			},
			"enabled": map[string]interface{}{
				"type":        "boolean",
				"description": "Desired state",
			},
		},
		"required": []string{"script_id", "enabled"},
	}
}
func (t *ToggleScriptTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	id := getStringArg(args, "script_id")
	m, ok := scripts.Find(t.modules, id)
	if !ok {
		return nil, fmt.Errorf("unknown script: %s", id)
	}

	next := getBoolArg(args, "enabled", !m.Enabled())
	t.host.Registry().RequestToggle(id, next)

	return map[string]interface{}{
		"id":      id,
		"enabled": m.Enabled(),
	}, nil
}

type ApplyScriptTool struct {
	modules  []scripts.Module
	sessions *browser.SessionManager
	engine   *rules.Engine
}

func (t *ApplyScriptTool) Name() string { return "apply-script" }
func (t *ApplyScriptTool) Description() string {
	return `Apply an enabled script to a session's page right now.

Scripts apply automatically on navigation; use this to force a re-apply,
for example after a page rebuilt its DOM without navigating.

Set force=true to skip the site-rule check.

Returns: {applied, script_id, session_id}`
}
func (t *ApplyScriptTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"script_id": map[string]interface{}{
				"type":        "string",
				"description": "Script id (see list-scripts)",
			},
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Target session",
			},
			"force": map[string]interface{}{
				"type":        "boolean",
				"description": "Apply even if the site rules say it does not apply",
			},
		},
		"required": []string{"script_id", "session_id"},
	}
}
func (t *ApplyScriptTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id := getStringArg(args, "script_id")
	sessionID := getStringArg(args, "session_id")

	m, ok := scripts.Find(t.modules, id)
	if !ok {
		return nil, fmt.Errorf("unknown script: %s", id)
	}
	if !m.Enabled() {
		return nil, fmt.Errorf("script %s is disabled", id)
	}

	page, ok := t.sessions.Page(sessionID)
	if !ok || page == nil {
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}

	if !getBoolArg(args, "force", false) && !t.engine.Applies(ctx, id, sessionID) {
		return map[string]interface{}{
			"applied":    false,
			"script_id":  id,
			"session_id": sessionID,
			"reason":     "site rules say the script does not apply here",
		}, nil
	}

	if err := m.Apply(ctx, sessionID, page); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"applied":    true,
		"script_id":  id,
		"session_id": sessionID,
	}, nil
}

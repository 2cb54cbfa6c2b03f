package mcp

import (
	"context"
	"fmt"

	"scriptdeck/internal/panel"
)

type PanelStatusTool struct {
	host *panel.Host
}

func (t *PanelStatusTool) Name() string { return "panel-status" }
func (t *PanelStatusTool) Description() string {
	return `Report the shared settings panel's current state.

Returns: {open, position, tabs: [{id, title, enabled, active}], body_html?, placeholder?}`
}
func (t *PanelStatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *PanelStatusTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return t.host.State(), nil
}

type OpenPanelTool struct {
	host *panel.Host
}

func (t *OpenPanelTool) Name() string { return "open-panel" }
func (t *OpenPanelTool) Description() string {
	return `Open the settings modal. With no active tab, the first enabled
script's tab is selected automatically.

Returns: the panel snapshot after opening.`
}
func (t *OpenPanelTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *OpenPanelTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	t.host.Open(ctx)
	return t.host.State(), nil
}

type ClosePanelTool struct {
	host *panel.Host
}

func (t *ClosePanelTool) Name() string { return "close-panel" }
func (t *ClosePanelTool) Description() string {
	return `Close the settings modal. Tab selection is kept for the next open.

Returns: the panel snapshot after closing.`
}
func (t *ClosePanelTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ClosePanelTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	t.host.Close()
	return t.host.State(), nil
}

type SelectPanelTabTool struct {
	host *panel.Host
}

func (t *SelectPanelTabTool) Name() string { return "select-panel-tab" }
func (t *SelectPanelTabTool) Description() string {
	return `Switch the panel's active tab. Only enabled scripts can become
active; selecting a disabled or unknown tab falls back to the first
enabled one.

Returns: {active, snapshot}`
}
func (t *SelectPanelTabTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"script_id": map[string]interface{}{
				"type":        "string",
				"description": "Tab to activate (a script id)",
			},
		},
		"required": []string{"script_id"},
	}
}
func (t *SelectPanelTabTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id := getStringArg(args, "script_id")
	if id == "" {
		return nil, fmt.Errorf("script_id is required")
	}
	active := t.host.SelectTab(ctx, id)
	return map[string]interface{}{
		"active":   active,
		"snapshot": t.host.State(),
	}, nil
}

type MovePanelTool struct {
	host *panel.Host
}

func (t *MovePanelTool) Name() string { return "move-panel" }
func (t *MovePanelTool) Description() string {
	return `Move the floating panel control to another screen corner. The
choice persists across restarts.

Returns: {position}`
}
func (t *MovePanelTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"position": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"top-left", "top-right", "bottom-left", "bottom-right"},
				"description": "Target corner",
			},
		},
		"required": []string{"position"},
	}
}
func (t *MovePanelTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	pos := getStringArg(args, "position")
	t.host.SetPosition(ctx, pos)
	if got := t.host.Position(); got != pos {
		return nil, fmt.Errorf("invalid position %q (kept %q)", pos, got)
	}
	return map[string]interface{}{"position": pos}, nil
}

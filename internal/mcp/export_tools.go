package mcp

import (
	"context"
	"fmt"

	"scriptdeck/internal/export"
	"scriptdeck/internal/scripts"
)

func findExporter(modules []scripts.Module, id string) (scripts.Exporter, error) {
	m, ok := scripts.Find(modules, id)
	if !ok {
		return nil, fmt.Errorf("unknown script: %s", id)
	}
	exp, ok := m.(scripts.Exporter)
	if !ok {
		return nil, fmt.Errorf("script %s does not export", id)
	}
	if !m.Enabled() {
		return nil, fmt.Errorf("script %s is disabled", id)
	}
	return exp, nil
}

type ExportPageTool struct {
	modules []scripts.Module
}

func (t *ExportPageTool) Name() string { return "export-page" }
func (t *ExportPageTool) Description() string {
	return `Capture a session's readable content as a Markdown file.

Extracts the article/main region (headings, paragraphs, lists, code,
quotes) and writes it to the export directory.

Returns: {artifact: {id, script, title, format, path, created_at}}`
}
func (t *ExportPageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session whose page to capture",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *ExportPageTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	exp, err := findExporter(t.modules, "markdown-export")
	if err != nil {
		return nil, err
	}
	art, err := exp.Export(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"artifact": art}, nil
}

type ExportChatTool struct {
	modules []scripts.Module
}

func (t *ExportChatTool) Name() string { return "export-chat" }
func (t *ExportChatTool) Description() string {
	return `Capture a chat thread (ChatGPT, Claude, Gemini, or a generic chat
page) as a transcript with role-tagged messages, saved as JSON (default)
or Markdown.

Returns: {artifact: {id, script, title, format, path, created_at}}`
}
func (t *ExportChatTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session showing the chat thread",
			},
			"format": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"json", "markdown"},
				"description": "Artifact format (default: json)",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *ExportChatTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	exp, err := findExporter(t.modules, "chat-export")
	if err != nil {
		return nil, err
	}

	var art export.Artifact
	if fe, ok := exp.(interface {
		ExportFormat(context.Context, string, string) (export.Artifact, error)
	}); ok {
		art, err = fe.ExportFormat(ctx, sessionID, getStringArg(args, "format"))
	} else {
		art, err = exp.Export(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"artifact": art}, nil
}

type ListExportsTool struct {
	exports *export.Writer
}

func (t *ListExportsTool) Name() string { return "list-exports" }
func (t *ListExportsTool) Description() string {
	return `List saved export artifacts, newest first.

Returns: {exports: [{script, title, format, path, created_at}]}`
}
func (t *ListExportsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListExportsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	arts, err := t.exports.List()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"exports": arts}, nil
}

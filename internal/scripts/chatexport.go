package scripts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"scriptdeck/internal/export"
	"scriptdeck/internal/panel"

	"github.com/go-rod/rod"
	"github.com/tidwall/gjson"
)

// chatExtractJS collects messages from a chat page. Selectors are filled in
// per host; the fallback probes common transcript markup.
const chatExtractJS = `
() => {
	const out = { title: document.title || '', url: location.href, messages: [] };
	const nodes = document.querySelectorAll('__MESSAGE_SELECTOR__');
	const limit = Math.min(nodes.length, 400);
	for (let i = 0; i < limit; i++) {
		const el = nodes[i];
		const text = (el.innerText || '').trim();
		if (!text) continue;
		let role = el.getAttribute('__ROLE_ATTR__') || '';
		if (!role) {
			role = el.matches('__USER_SELECTOR__') ? 'user' : 'assistant';
		}
		out.messages.push({ role, text });
	}
	return JSON.stringify(out);
}
`

// hostProfile describes where a chat host keeps its transcript.
type hostProfile struct {
	messageSelector string
	roleAttr        string
	userSelector    string
}

// Known chat hosts. Anything else gets the generic profile, which leans on
// ARIA roles and data attributes common to chat UIs.
var chatHosts = map[string]hostProfile{
	"chat.openai.com": {
		messageSelector: "[data-message-author-role]",
		roleAttr:        "data-message-author-role",
		userSelector:    `[data-message-author-role="user"]`,
	},
	"chatgpt.com": {
		messageSelector: "[data-message-author-role]",
		roleAttr:        "data-message-author-role",
		userSelector:    `[data-message-author-role="user"]`,
	},
	"claude.ai": {
		messageSelector: "[data-testid*='message']",
		roleAttr:        "data-testid",
		userSelector:    "[data-testid*='user']",
	},
	"gemini.google.com": {
		messageSelector: "message-content, user-query",
		roleAttr:        "",
		userSelector:    "user-query",
	},
}

var genericChatProfile = hostProfile{
	messageSelector: "[role='listitem'], [class*='message'], [data-role]",
	roleAttr:        "data-role",
	userSelector:    "[class*='user'], [data-role='user']",
}

// Transcript is the exported chat structure.
type Transcript struct {
	Title    string    `json:"title"`
	URL      string    `json:"url"`
	Host     string    `json:"host"`
	Messages []Message `json:"messages"`
}

type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type chatExport struct {
	base
	exported int
}

func newChatExport(_ *Deps) *chatExport {
	return &chatExport{base: base{id: "chat-export", title: "Chat Export"}}
}

func (c *chatExport) Register(ctx context.Context, deps *Deps) {
	c.register(ctx, deps, c.renderSettings)
}

// Apply is a no-op: chat export acts on demand.
func (c *chatExport) Apply(context.Context, string, *rod.Page) error {
	return nil
}

// Export reads the session's transcript and saves it as a JSON artifact.
func (c *chatExport) Export(ctx context.Context, sessionID string) (export.Artifact, error) {
	return c.ExportFormat(ctx, sessionID, "json")
}

// ExportFormat saves the transcript in the requested format: "json"
// (default) or "markdown".
func (c *chatExport) ExportFormat(ctx context.Context, sessionID, format string) (export.Artifact, error) {
	transcript, err := c.extractTranscript(ctx, sessionID)
	if err != nil {
		return export.Artifact{}, err
	}

	title := transcript.Title
	if title == "" {
		title = "chat"
	}

	var art export.Artifact
	switch format {
	case "", "json":
		art, err = c.deps.Exports.SaveJSON(c.id, sessionID, title, transcript)
	case "markdown":
		art, err = c.deps.Exports.SaveMarkdown(c.id, sessionID, title, renderTranscriptMarkdown(transcript))
	default:
		return export.Artifact{}, fmt.Errorf("unknown transcript format: %s", format)
	}
	if err != nil {
		return export.Artifact{}, err
	}

	c.mu.Lock()
	c.exported++
	c.mu.Unlock()
	return art, nil
}

func (c *chatExport) extractTranscript(ctx context.Context, sessionID string) (Transcript, error) {
	page, ok := c.deps.Sessions.Page(sessionID)
	if !ok || page == nil {
		return Transcript{}, fmt.Errorf("unknown session: %s", sessionID)
	}

	meta, _ := c.deps.Sessions.GetSession(sessionID)
	host := hostOf(meta.URL)

	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           buildChatExtractJS(host),
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil || res.Value.Nil() {
		return Transcript{}, fmt.Errorf("extract transcript: %w", err)
	}

	raw := res.Value.Str()
	if !gjson.Valid(raw) {
		return Transcript{}, errors.New("extraction returned invalid json")
	}

	doc := gjson.Parse(raw)
	transcript := Transcript{
		Title: doc.Get("title").String(),
		URL:   doc.Get("url").String(),
		Host:  host,
	}
	doc.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		transcript.Messages = append(transcript.Messages, Message{
			Role: normalizeRole(msg.Get("role").String()),
			Text: msg.Get("text").String(),
		})
		return true
	})

	if len(transcript.Messages) == 0 {
		return Transcript{}, errors.New("no messages found on page")
	}
	return transcript, nil
}

// renderTranscriptMarkdown lays the transcript out as a readable document:
// title, source line, then one bolded role heading per message.
func renderTranscriptMarkdown(t Transcript) string {
	var b strings.Builder
	title := t.Title
	if title == "" {
		title = "chat"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if t.URL != "" {
		fmt.Fprintf(&b, "> Source: %s\n\n", t.URL)
	}
	for _, msg := range t.Messages {
		fmt.Fprintf(&b, "**%s:**\n\n%s\n\n", msg.Role, msg.Text)
	}
	return b.String()
}

// buildChatExtractJS fills the host's selectors into the extraction script.
func buildChatExtractJS(host string) string {
	profile, ok := chatHosts[host]
	if !ok {
		profile = genericChatProfile
	}
	r := strings.NewReplacer(
		"__MESSAGE_SELECTOR__", profile.messageSelector,
		"__ROLE_ATTR__", profile.roleAttr,
		"__USER_SELECTOR__", profile.userSelector,
	)
	return r.Replace(chatExtractJS)
}

func normalizeRole(role string) string {
	role = strings.ToLower(role)
	switch {
	case strings.Contains(role, "user"), strings.Contains(role, "human"):
		return "user"
	case role == "":
		return "assistant"
	default:
		if strings.Contains(role, "assistant") || strings.Contains(role, "model") || strings.Contains(role, "ai") {
			return "assistant"
		}
		return role
	}
}

func hostOf(rawURL string) string {
	rest, ok := strings.CutPrefix(rawURL, "https://")
	if !ok {
		rest, _ = strings.CutPrefix(rawURL, "http://")
	}
	host, _, _ := strings.Cut(rest, "/")
	host, _, _ = strings.Cut(host, ":")
	return host
}

func (c *chatExport) renderSettings() *panel.Node {
	c.mu.Lock()
	exported := c.exported
	c.mu.Unlock()

	return panel.El("div",
		c.statusRow(),
		panel.El("p", panel.Text("Exports chat transcripts as Markdown or JSON from supported assistants.")),
		panel.El("p", panel.Text(fmt.Sprintf("%d transcripts saved.", exported))).
			WithAttr("class", "deck-muted"),
	).WithAttr("class", "deck-section")
}

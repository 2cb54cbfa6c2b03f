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

// markdownExtractJS walks the main content region and returns a JSON
// document of text blocks. Visits at most 400 nodes so huge pages cannot
// stall the extraction.
const markdownExtractJS = `
() => {
	const root = document.querySelector('article')
		|| document.querySelector('main')
		|| document.querySelector('[role="main"]')
		|| document.body;
	const out = { title: document.title || '', url: location.href, blocks: [] };
	if (!root) return JSON.stringify(out);

	const nodes = root.querySelectorAll('h1,h2,h3,h4,h5,h6,p,li,pre,blockquote');
	const limit = Math.min(nodes.length, 400);
	for (let i = 0; i < limit; i++) {
		const el = nodes[i];
		const text = (el.innerText || '').trim();
		if (!text) continue;
		out.blocks.push({ tag: el.tagName.toLowerCase(), text });
	}
	return JSON.stringify(out);
}
`

type markdownExport struct {
	base
	exported int
}

func newMarkdownExport(_ *Deps) *markdownExport {
	return &markdownExport{base: base{id: "markdown-export", title: "Markdown Export"}}
}

func (m *markdownExport) Register(ctx context.Context, deps *Deps) {
	m.register(ctx, deps, m.renderSettings)
}

// Apply is a no-op: markdown export acts on demand, not on page load.
func (m *markdownExport) Apply(context.Context, string, *rod.Page) error {
	return nil
}

// Export extracts the page's main content and saves it as a Markdown
// artifact.
func (m *markdownExport) Export(ctx context.Context, sessionID string) (export.Artifact, error) {
	page, ok := m.deps.Sessions.Page(sessionID)
	if !ok || page == nil {
		return export.Artifact{}, fmt.Errorf("unknown session: %s", sessionID)
	}

	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           markdownExtractJS,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil || res.Value.Nil() {
		return export.Artifact{}, fmt.Errorf("extract page content: %w", err)
	}

	raw := res.Value.Str()
	if !gjson.Valid(raw) {
		return export.Artifact{}, errors.New("extraction returned invalid json")
	}

	doc := gjson.Parse(raw)
	title := doc.Get("title").String()
	if title == "" {
		title = "untitled"
	}

	md := renderMarkdown(title, doc.Get("url").String(), doc.Get("blocks"))
	art, err := m.deps.Exports.SaveMarkdown(m.id, sessionID, title, md)
	if err != nil {
		return export.Artifact{}, err
	}

	m.mu.Lock()
	m.exported++
	m.mu.Unlock()
	return art, nil
}

func renderMarkdown(title, url string, blocks gjson.Result) string {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(title)
	b.WriteString("\n\n")
	if url != "" {
		fmt.Fprintf(&b, "> Source: %s\n\n", url)
	}

	blocks.ForEach(func(_, block gjson.Result) bool {
		tag := block.Get("tag").String()
		text := block.Get("text").String()
		switch tag {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			level := int(tag[1] - '0')
			b.WriteString(strings.Repeat("#", level+1))
			b.WriteByte(' ')
			b.WriteString(text)
		case "li":
			b.WriteString("- ")
			b.WriteString(text)
		case "pre":
			b.WriteString("```\n")
			b.WriteString(text)
			b.WriteString("\n```")
		case "blockquote":
			b.WriteString("> ")
			b.WriteString(strings.ReplaceAll(text, "\n", "\n> "))
		default:
			b.WriteString(text)
		}
		b.WriteString("\n\n")
		return true
	})
	return b.String()
}

func (m *markdownExport) renderSettings() *panel.Node {
	m.mu.Lock()
	exported := m.exported
	m.mu.Unlock()

	return panel.El("div",
		m.statusRow(),
		panel.El("p", panel.Text("Exports the current article or main content region as a Markdown file.")),
		panel.El("p", panel.Text(fmt.Sprintf("%d exports saved.", exported))).
			WithAttr("class", "deck-muted"),
	).WithAttr("class", "deck-section")
}

// Package scripts holds the builtin page scripts: small behaviors applied
// to live pages, each with a settings section in the shared panel. Scripts
// own their enabled state; the panel registry only mirrors it for display.
package scripts

import (
	"context"
	"log"
	"sync"

	"scriptdeck/internal/browser"
	"scriptdeck/internal/config"
	"scriptdeck/internal/export"
	"scriptdeck/internal/locate"
	"scriptdeck/internal/panel"
	"scriptdeck/internal/rules"
	"scriptdeck/internal/store"

	"github.com/go-rod/rod"
)

// Deps bundles everything a script may need.
type Deps struct {
	Store    *store.Store
	Rules    *rules.Engine
	Locator  *locate.Locator
	Sessions *browser.SessionManager
	Exports  *export.Writer
	Cfg      config.ScriptsConfig
}

// Module is one page script.
type Module interface {
	ID() string
	Title() string
	Enabled() bool
	// Register resolves the shared panel through the locator and installs
	// the script's tab. Safe to call again after navigation re-inits.
	Register(ctx context.Context, deps *Deps)
	// Apply injects the script's effect into a live page. Callers gate on
	// Enabled and on the rules engine first.
	Apply(ctx context.Context, sessionID string, page *rod.Page) error
}

// Exporter is implemented by scripts that produce artifacts on demand.
type Exporter interface {
	Module
	Export(ctx context.Context, sessionID string) (export.Artifact, error)
}

// Catalog returns the builtin scripts in panel display order.
func Catalog(deps *Deps) []Module {
	return []Module{
		newSelectionUnlock(deps),
		newAdgateBypass(deps),
		newMarkdownExport(deps),
		newChatExport(deps),
	}
}

// InstallAll registers every module with the panel and wires the session
// hook that applies scripts on navigation.
func InstallAll(ctx context.Context, deps *Deps, modules []Module) {
	for _, m := range modules {
		m.Register(ctx, deps)
	}

	deps.Sessions.OnPage(func(hookCtx context.Context, sessionID string, page *rod.Page) {
		if page == nil {
			return
		}
		// Overlay facts must be fresh before gating decisions run.
		if err := deps.Sessions.ScanOverlays(hookCtx, sessionID); err != nil {
			log.Printf("[session:%s] overlay scan before apply: %v", sessionID, err)
		}
		for _, m := range modules {
			if !m.Enabled() {
				continue
			}
			if !deps.Rules.Applies(hookCtx, m.ID(), sessionID) {
				continue
			}
			if err := m.Apply(hookCtx, sessionID, page); err != nil {
				log.Printf("[session:%s] apply %s: %v", sessionID, m.ID(), err)
			}
		}
	})
}

// Find returns the module with the given id.
func Find(modules []Module, id string) (Module, bool) {
	for _, m := range modules {
		if m.ID() == id {
			return m, true
		}
	}
	return nil, false
}

// base carries the state and panel wiring shared by all builtin scripts.
type base struct {
	id    string
	title string
	deps  *Deps

	mu      sync.Mutex
	enabled bool
}

func (b *base) ID() string    { return b.id }
func (b *base) Title() string { return b.title }

func (b *base) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

func (b *base) setEnabled(v bool) {
	b.mu.Lock()
	b.enabled = v
	b.mu.Unlock()
}

func (b *base) defaultEnabled(cfg config.ScriptsConfig) bool {
	for _, id := range cfg.DefaultEnabled {
		if id == b.id {
			return true
		}
	}
	return false
}

// register restores persisted state and installs the panel tab. Every
// script registers the same way; only the render callback differs.
func (b *base) register(ctx context.Context, deps *Deps, render func() *panel.Node) *panel.Registry {
	b.deps = deps
	reg, shared := deps.Locator.ResolveOrFallback(ctx, b.id, locate.Options{
		Attempts: deps.Cfg.GetDiscoveryAttempts(),
		Interval: deps.Cfg.GetDiscoveryInterval(),
	})

	enabled := deps.Store.GetBool(ctx, store.ScriptEnabledKey(b.id), b.defaultEnabled(deps.Cfg))
	b.setEnabled(enabled)

	// The guard only counts registrations that landed on the shared
	// registry; a fallback registration must not burn it, or the tab
	// never appears once the host shows up.
	if shared && !deps.Locator.MarkRegistered(b.id) {
		// Re-init after navigation: the tab already exists, just refresh
		// the display state.
		reg.SetEnabled(b.id, enabled)
		return reg
	}

	reg.Register(panel.Entry{
		ID:      b.id,
		Title:   b.title,
		Enabled: enabled,
		Render:  render,
		OnToggle: func(next bool) {
			b.toggle(ctx, deps, reg, next)
		},
	})
	b.publishState(ctx, deps, enabled)
	return reg
}

// toggle flips the script's own state, persists it, then confirms back to
// the registry and the rules engine.
func (b *base) toggle(ctx context.Context, deps *Deps, reg *panel.Registry, next bool) {
	b.setEnabled(next)
	deps.Store.PutBool(ctx, store.ScriptEnabledKey(b.id), next)
	reg.SetEnabled(b.id, next)
	b.publishState(ctx, deps, next)
}

func (b *base) publishState(ctx context.Context, deps *Deps, enabled bool) {
	if deps.Rules == nil {
		return
	}
	if err := deps.Rules.AddFacts(ctx, []rules.Fact{rules.ScriptStateFact(b.id, enabled)}); err != nil {
		log.Printf("scripts: publish state for %s: %v", b.id, err)
	}
}

// statusRow is the shared header row of every script's settings section.
func (b *base) statusRow() *panel.Node {
	status := "off"
	if b.Enabled() {
		status = "on"
	}
	return panel.El("div",
		panel.El("strong", panel.Text(b.title)),
		panel.El("span", panel.Text(" · "+status)).WithAttr("class", "deck-status"),
	).WithAttr("class", "deck-row")
}

package panel

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"scriptdeck/internal/config"

	"github.com/go-rod/rod"
)

// bootstrapJS mounts the floating control and the modal skeleton exactly
// once, and installs the render/event plumbing. Mounting is guarded so
// repeated evaluation (navigation, healing) never duplicates the subtree.
// Tab elements are kept per entry id and diffed in place; the list is never
// rebuilt from scratch, so repeated renders cause no flicker and no
// duplicate nodes.
const bootstrapJS = `
() => {
	const mount = () => {
		let root = document.getElementById('deck-root');
		if (root) return root;

		root = document.createElement('div');
		root.id = 'deck-root';
		root.innerHTML =
			'<style>' +
			'#deck-root{position:fixed;z-index:2147483646;font:13px/1.4 system-ui,sans-serif}' +
			'#deck-root.top-left{top:16px;left:16px}#deck-root.top-right{top:16px;right:16px}' +
			'#deck-root.bottom-left{bottom:16px;left:16px}#deck-root.bottom-right{bottom:16px;right:16px}' +
			'#deck-fab{width:40px;height:40px;border-radius:20px;border:none;cursor:pointer;' +
			'background:#2563eb;color:#fff;font-size:18px;box-shadow:0 2px 8px rgba(0,0,0,.3)}' +
			'#deck-modal{display:none;position:absolute;min-width:280px;max-width:360px;max-height:60vh;' +
			'overflow:auto;background:#fff;color:#111;border-radius:8px;box-shadow:0 4px 24px rgba(0,0,0,.25);padding:10px}' +
			'#deck-root.top-left #deck-modal,#deck-root.top-right #deck-modal{top:48px}' +
			'#deck-root.bottom-left #deck-modal,#deck-root.bottom-right #deck-modal{bottom:48px}' +
			'#deck-root.top-left #deck-modal,#deck-root.bottom-left #deck-modal{left:0}' +
			'#deck-root.top-right #deck-modal,#deck-root.bottom-right #deck-modal{right:0}' +
			'#deck-root.open #deck-modal{display:block}' +
			'#deck-tabs{display:flex;flex-wrap:wrap;gap:4px;margin-bottom:8px}' +
			'.deck-tab{border:1px solid #d1d5db;border-radius:4px;padding:2px 8px;cursor:pointer;background:#f9fafb}' +
			'.deck-tab.active{background:#2563eb;color:#fff;border-color:#2563eb}' +
			'.deck-tab.disabled{opacity:.5}' +
			'#deck-body{border-top:1px solid #e5e7eb;padding-top:8px}' +
			'.deck-placeholder{color:#6b7280;font-style:italic}' +
			'</style>' +
			'<button id="deck-fab" type="button">⚙</button>' +
			'<div id="deck-modal"><div id="deck-tabs"></div><div id="deck-body"></div></div>';
		document.documentElement.appendChild(root);

		root.querySelector('#deck-fab').addEventListener('click', () => {
			window.__deckEvents.push({ type: root.classList.contains('open') ? 'close' : 'open' });
		});
		return root;
	};

	if (!window.__deckEvents) window.__deckEvents = [];

	window.__deckRender = (state) => {
		const root = mount();
		root.className = state.position + (state.open ? ' open' : '');

		const tabsEl = root.querySelector('#deck-tabs');
		const seen = new Set();
		for (const tab of (state.tabs || [])) {
			seen.add(tab.id);
			let el = tabsEl.querySelector('[data-deck-id="' + CSS.escape(tab.id) + '"]');
			if (!el) {
				el = document.createElement('span');
				el.className = 'deck-tab';
				el.setAttribute('data-deck-id', tab.id);
				el.addEventListener('click', () => {
					window.__deckEvents.push({ type: 'tab', id: tab.id });
				});
				el.addEventListener('dblclick', () => {
					const enabled = el.classList.contains('disabled');
					window.__deckEvents.push({ type: 'toggle', id: tab.id, value: enabled });
				});
				tabsEl.appendChild(el);
			}
			if (el.textContent !== tab.title) el.textContent = tab.title;
			el.classList.toggle('active', !!tab.active);
			el.classList.toggle('disabled', !tab.enabled);
		}
		for (const el of Array.from(tabsEl.children)) {
			if (!seen.has(el.getAttribute('data-deck-id'))) el.remove();
		}

		const body = root.querySelector('#deck-body');
		if (state.body_html) {
			body.innerHTML = state.body_html;
		} else if (state.open) {
			body.innerHTML = '<div class="deck-placeholder"></div>';
			body.firstChild.textContent = state.placeholder || '';
		}
		return true;
	};

	mount();
	return true;
}
`

// renderJS pushes a snapshot into the page. It re-mounts first if a hostile
// page mutation removed the subtree.
const renderJS = `
(state) => {
	if (!window.__deckRender || !document.getElementById('deck-root')) return false;
	return window.__deckRender(state);
}
`

// drainJS swaps out the UI event buffer, mirroring the page-event trackers
// elsewhere in this codebase: the page accumulates, Go polls.
const drainJS = `
() => {
	const buf = Array.isArray(window.__deckEvents) ? window.__deckEvents : [];
	window.__deckEvents = [];
	return buf;
}
`

type uiEvent struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Value bool   `json:"value"`
	Pos   string `json:"pos"`
}

// Injector draws the host's snapshot into live pages and feeds user events
// back. One injector serves all sessions.
type Injector struct {
	host *Host
	cfg  config.PanelConfig

	mu       sync.Mutex
	pages    map[string]*rod.Page
	watching map[string]bool
}

// NewInjector wires the injector to its host. Registry changes trigger a
// re-render on every watched page.
func NewInjector(host *Host, cfg config.PanelConfig) *Injector {
	inj := &Injector{
		host:     host,
		cfg:      cfg,
		pages:    make(map[string]*rod.Page),
		watching: make(map[string]bool),
	}
	host.Registry().OnChange(func() {
		inj.RenderAll(context.Background())
	})
	return inj
}

// Watch starts serving the panel on a page: initial mount, then a heal loop
// that re-attaches the subtree if removed, and an event poll that drains the
// page's UI buffer. Watch returns immediately; the loop runs on its own
// goroutine until ctx is cancelled. Calling it again for the same session
// (navigation re-init) does not spawn a second loop, it just remounts.
func (inj *Injector) Watch(ctx context.Context, sessionID string, page *rod.Page) {
	inj.mu.Lock()
	inj.pages[sessionID] = page
	if inj.watching[sessionID] {
		inj.mu.Unlock()
		// The existing loop picks up the stored page; remount now instead
		// of waiting for the next heal tick.
		go func() {
			if err := inj.Ensure(ctx, page); err != nil {
				log.Printf("[session:%s] panel remount failed: %v", sessionID, err)
			}
		}()
		return
	}
	inj.watching[sessionID] = true
	inj.mu.Unlock()

	go inj.watch(ctx, sessionID, page)
}

func (inj *Injector) watch(ctx context.Context, sessionID string, page *rod.Page) {
	defer func() {
		inj.mu.Lock()
		delete(inj.pages, sessionID)
		delete(inj.watching, sessionID)
		inj.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return
	default:
	}

	if err := inj.Ensure(ctx, page); err != nil {
		log.Printf("[session:%s] panel mount failed: %v", sessionID, err)
	}

	heal := time.NewTicker(inj.cfg.GetHealInterval())
	defer heal.Stop()
	poll := time.NewTicker(inj.cfg.GetEventPollInterval())
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heal.C:
			if err := inj.Ensure(ctx, page); err != nil {
				log.Printf("[session:%s] panel heal failed: %v", sessionID, err)
			}
		case <-poll.C:
			inj.drain(ctx, sessionID, page)
		}
	}
}

// Ensure mounts (or re-mounts) the subtree and pushes the current snapshot.
// Safe to call repeatedly; the page-side guard keeps it idempotent.
func (inj *Injector) Ensure(ctx context.Context, page *rod.Page) error {
	if page == nil {
		return errors.New("no page to mount")
	}
	_, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           bootstrapJS,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return err
	}
	return inj.render(ctx, page)
}

// RenderAll pushes the current snapshot to every watched page. Failures on
// individual pages are logged and skipped.
func (inj *Injector) RenderAll(ctx context.Context) {
	inj.mu.Lock()
	pages := make(map[string]*rod.Page, len(inj.pages))
	for id, p := range inj.pages {
		pages[id] = p
	}
	inj.mu.Unlock()

	for id, page := range pages {
		if err := inj.render(ctx, page); err != nil {
			log.Printf("[session:%s] panel render failed: %v", id, err)
		}
	}
}

func (inj *Injector) render(ctx context.Context, page *rod.Page) error {
	if page == nil {
		return errors.New("no page to render into")
	}
	snap := inj.host.State()
	_, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           renderJS,
		JSArgs:       []interface{}{snap},
		ByValue:      true,
		AwaitPromise: true,
	})
	return err
}

func (inj *Injector) drain(ctx context.Context, sessionID string, page *rod.Page) {
	if page == nil {
		return
	}
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           drainJS,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil || res.Value.Nil() {
		return
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return
	}
	var events []uiEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return
	}
	if len(events) == 0 {
		return
	}

	for _, ev := range events {
		inj.apply(ctx, ev)
	}
	if err := inj.render(ctx, page); err != nil {
		log.Printf("[session:%s] panel render after events failed: %v", sessionID, err)
	}
}

func (inj *Injector) apply(ctx context.Context, ev uiEvent) {
	switch ev.Type {
	case "open":
		inj.host.Open(ctx)
	case "close":
		inj.host.Close()
	case "tab":
		inj.host.SelectTab(ctx, ev.ID)
	case "toggle":
		inj.host.Registry().RequestToggle(ev.ID, ev.Value)
	case "move":
		inj.host.SetPosition(ctx, ev.Pos)
	}
}

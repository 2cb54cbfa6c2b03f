package scripts

import (
	"context"
	"fmt"

	"scriptdeck/internal/panel"

	"github.com/go-rod/rod"
)

// selectionUnlockJS lifts copy/select restrictions. Idempotent per page:
// the guard survives re-application across heal cycles. The capturing
// listeners stop the page's own handlers from cancelling the events.
const selectionUnlockJS = `
() => {
	if (window.__deckSelectionUnlock) return true;
	window.__deckSelectionUnlock = true;

	const style = document.createElement('style');
	style.textContent = '*{user-select:text !important;-webkit-user-select:text !important;-moz-user-select:text !important}';
	document.documentElement.appendChild(style);

	for (const ev of ['copy', 'cut', 'selectstart', 'contextmenu']) {
		document.addEventListener(ev, (e) => e.stopImmediatePropagation(), true);
	}

	for (const el of [document, document.documentElement, document.body]) {
		if (!el) continue;
		el.oncopy = null;
		el.oncut = null;
		el.onselectstart = null;
		el.oncontextmenu = null;
	}
	return true;
}
`

type selectionUnlock struct {
	base
	applied int
}

func newSelectionUnlock(_ *Deps) *selectionUnlock {
	return &selectionUnlock{base: base{id: "selection-unlock", title: "Selection Unlock"}}
}

func (s *selectionUnlock) Register(ctx context.Context, deps *Deps) {
	s.register(ctx, deps, s.renderSettings)
}

func (s *selectionUnlock) Apply(ctx context.Context, sessionID string, page *rod.Page) error {
	_, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           selectionUnlockJS,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return fmt.Errorf("inject selection unlock: %w", err)
	}
	s.mu.Lock()
	s.applied++
	s.mu.Unlock()
	return nil
}

func (s *selectionUnlock) renderSettings() *panel.Node {
	s.mu.Lock()
	applied := s.applied
	s.mu.Unlock()

	return panel.El("div",
		s.statusRow(),
		panel.El("p", panel.Text("Restores text selection, copy and right-click on pages that block them.")),
		panel.El("p", panel.Text(fmt.Sprintf("Applied to %d page loads this session.", applied))).
			WithAttr("class", "deck-muted"),
	).WithAttr("class", "deck-section")
}

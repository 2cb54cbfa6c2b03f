package scripts

import (
	"context"
	"fmt"

	"scriptdeck/internal/panel"

	"github.com/go-rod/rod"
)

// adgateRemoveJS drops the given overlay selectors and restores scrolling.
// Removal is by selector rather than by held element handles: the scan that
// produced the fingerprints may be a generation behind the live DOM.
const adgateRemoveJS = `
(selectors) => {
	let removed = 0;
	for (const sel of selectors) {
		try {
			document.querySelectorAll(sel).forEach((el) => {
				el.remove();
				removed++;
			});
		} catch (e) {}
	}

	const body = document.body;
	if (body) {
		body.style.overflow = '';
		body.style.position = '';
	}
	document.documentElement.style.overflow = '';
	return removed;
}
`

type adgateBypass struct {
	base
	removed int
}

func newAdgateBypass(_ *Deps) *adgateBypass {
	return &adgateBypass{base: base{id: "adgate-bypass", title: "Gate Bypass"}}
}

func (a *adgateBypass) Register(ctx context.Context, deps *Deps) {
	a.register(ctx, deps, a.renderSettings)
}

func (a *adgateBypass) Apply(ctx context.Context, sessionID string, page *rod.Page) error {
	reg := a.deps.Sessions.Overlays(sessionID)
	if reg == nil || reg.Count() == 0 {
		return nil
	}

	selectors := make([]string, 0, reg.Count())
	for _, fp := range reg.All() {
		selectors = append(selectors, fp.Selector)
	}

	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           adgateRemoveJS,
		JSArgs:       []interface{}{selectors},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return fmt.Errorf("remove overlays: %w", err)
	}

	removed := 0
	if res != nil && !res.Value.Nil() {
		removed = res.Value.Int()
	}
	if removed > 0 {
		reg.Clear()
		a.mu.Lock()
		a.removed += removed
		a.mu.Unlock()
	}
	return nil
}

func (a *adgateBypass) renderSettings() *panel.Node {
	a.mu.Lock()
	removed := a.removed
	a.mu.Unlock()

	return panel.El("div",
		a.statusRow(),
		panel.El("p", panel.Text("Removes full-screen gates and overlay modals, and unlocks scrolling behind them.")),
		panel.El("p", panel.Text(fmt.Sprintf("%d overlays removed this session.", removed))).
			WithAttr("class", "deck-muted"),
	).WithAttr("class", "deck-section")
}

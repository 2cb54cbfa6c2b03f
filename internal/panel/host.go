package panel

import (
	"context"
	"sync"

	"scriptdeck/internal/config"
	"scriptdeck/internal/store"
)

// PlaceholderText is shown when the modal is open but no enabled entry can
// be rendered.
const PlaceholderText = "enable a script to see its settings"

// TabState is one tab in a panel snapshot.
type TabState struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Enabled bool   `json:"enabled"`
	Active  bool   `json:"active"`
}

// Snapshot is the host's externally visible state: what the injector draws
// into the page and what the panel-status tool reports.
type Snapshot struct {
	Open     bool       `json:"open"`
	Position string     `json:"position"`
	Tabs     []TabState `json:"tabs"`
	// BodyHTML is the serialized active view, or empty when the
	// placeholder applies.
	BodyHTML    string `json:"body_html,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
}

// Host owns the single shared settings surface. It is the only component
// that mutates the injected subtree; scripts reach it exclusively through
// the registry's Render/OnToggle contract.
type Host struct {
	mu       sync.Mutex
	reg      *Registry
	store    *store.Store
	open     bool
	position string
}

// NewHost builds the host over its registry and store, restoring the
// persisted position and active tab.
func NewHost(ctx context.Context, reg *Registry, st *store.Store, cfg config.PanelConfig) *Host {
	h := &Host{
		reg:      reg,
		store:    st,
		position: st.Get(ctx, store.KeyPosition, cfg.Position()),
	}
	// The persisted active tab may reference a script that no longer
	// registers or is disabled; SetActive repairs that on first open.
	if saved := st.Get(ctx, store.KeyActiveTab, ""); saved != "" {
		reg.SetActive(saved)
	}
	return h
}

// Registry exposes the underlying registry; this is the handle the locator
// publishes to consumers.
func (h *Host) Registry() *Registry {
	return h.reg
}

// Open transitions Closed -> Open. Opening with no active selection
// auto-selects the first enabled entry.
func (h *Host) Open(ctx context.Context) {
	h.mu.Lock()
	h.open = true
	h.mu.Unlock()

	if h.reg.ActiveID() == "" {
		if id := h.reg.SetActive(""); id != "" {
			h.store.Put(ctx, store.KeyActiveTab, id)
		}
	}
}

// Close transitions Open -> Closed.
func (h *Host) Close() {
	h.mu.Lock()
	h.open = false
	h.mu.Unlock()
}

// Toggle flips between Open and Closed, matching the floating control.
func (h *Host) Toggle(ctx context.Context) bool {
	h.mu.Lock()
	wasOpen := h.open
	h.mu.Unlock()

	if wasOpen {
		h.Close()
		return false
	}
	h.Open(ctx)
	return true
}

// IsOpen reports the current surface state.
func (h *Host) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}

// SelectTab switches the active tab and persists the choice. The registry
// enforces that only enabled entries become active.
func (h *Host) SelectTab(ctx context.Context, id string) string {
	active := h.reg.SetActive(id)
	h.store.Put(ctx, store.KeyActiveTab, active)
	return active
}

// Position returns the floating control's corner.
func (h *Host) Position() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.position
}

// SetPosition moves the floating control and persists the corner.
func (h *Host) SetPosition(ctx context.Context, pos string) {
	switch pos {
	case "top-left", "top-right", "bottom-left", "bottom-right":
	default:
		return
	}
	h.mu.Lock()
	h.position = pos
	h.mu.Unlock()
	h.store.Put(ctx, store.KeyPosition, pos)
}

// State renders the current snapshot. Disabled or failing views degrade to
// the placeholder; nothing here can surface an error or a panic.
func (h *Host) State() Snapshot {
	h.mu.Lock()
	snap := Snapshot{
		Open:     h.open,
		Position: h.position,
	}
	h.mu.Unlock()

	activeID := h.reg.ActiveID()
	for _, e := range h.reg.Entries() {
		snap.Tabs = append(snap.Tabs, TabState{
			ID:      e.ID,
			Title:   e.Title,
			Enabled: e.Enabled,
			Active:  e.ID == activeID,
		})
	}

	if !snap.Open {
		return snap
	}

	if activeID == "" {
		snap.Placeholder = PlaceholderText
		return snap
	}
	if body := h.reg.RenderEntry(activeID); body != nil {
		snap.BodyHTML = body.HTML()
	} else {
		snap.Placeholder = PlaceholderText
	}
	return snap
}

package panel

import (
	"log"
	"sync"
)

// Entry describes one script's presence in the shared panel. The registry
// caches Enabled for display; the owning script holds the source of truth
// and calls SetEnabled after flipping its own state.
type Entry struct {
	ID      string
	Title   string
	Enabled bool
	// Render returns the script's settings section. Invoked lazily; the
	// result is cached until the entry is disabled. May be nil.
	Render func() *Node
	// OnToggle receives the desired next state when the user flips the
	// script from the panel. May be nil.
	OnToggle func(next bool)
}

type entryState struct {
	entry  Entry
	cached *Node
}

// Registry holds the display-authoritative set of registered scripts and
// which one is active. All operations are safe for concurrent use and never
// return errors; bad input degrades to a no-op.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entryState
	order    []string
	activeID string
	onChange func()
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entryState)}
}

// OnChange installs a hook fired after any mutation that affects the tab
// list or active selection. The host uses it to schedule re-injection.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Register inserts or replaces the entry by id. Re-registration is expected
// (scripts re-run their init across navigations) and must stay idempotent:
// one entry, one tab, most recent fields win. An empty id is ignored.
func (r *Registry) Register(e Entry) {
	if e.ID == "" {
		log.Printf("panel: ignoring registration with empty id")
		return
	}
	if e.Title == "" {
		e.Title = e.ID
	}

	r.mu.Lock()
	if existing, ok := r.entries[e.ID]; ok {
		log.Printf("panel: re-registering %q (last write wins)", e.ID)
		existing.entry = e
		existing.cached = nil
		// An overwrite can flip the active entry to disabled; the active
		// tab must only ever reference an enabled entry.
		if r.activeID == e.ID && !e.Enabled {
			r.activeID = r.firstEnabledLocked()
		}
	} else {
		r.entries[e.ID] = &entryState{entry: e}
		r.order = append(r.order, e.ID)
	}
	changed := r.onChange
	r.mu.Unlock()

	if changed != nil {
		changed()
	}
}

// SetEnabled updates the cached enabled flag for id. Unknown ids are a
// silent no-op: a caller may race registration against enablement during
// async init. Disabling invalidates the cached render output and, when the
// disabled entry was active, reassigns the active tab.
func (r *Registry) SetEnabled(id string, enabled bool) {
	r.mu.Lock()
	st, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	wasEnabled := st.entry.Enabled
	st.entry.Enabled = enabled
	if wasEnabled && !enabled {
		// Stale views must not survive a disable/enable cycle.
		st.cached = nil
		if r.activeID == id {
			r.activeID = r.firstEnabledLocked()
		}
	}
	changed := r.onChange
	r.mu.Unlock()

	if changed != nil {
		changed()
	}
}

// Entries returns a snapshot in registration order.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].entry)
	}
	return out
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return st.entry, true
}

// Len reports the number of registered entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ActiveID returns the currently active entry id, or empty.
func (r *Registry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// SetActive selects id as the active tab. Unknown or disabled ids fall back
// to the first enabled entry (or empty), preserving the invariant that
// activeID always references an enabled entry or nothing.
func (r *Registry) SetActive(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.entries[id]; ok && st.entry.Enabled {
		r.activeID = id
	} else {
		r.activeID = r.firstEnabledLocked()
	}
	return r.activeID
}

// RenderEntry produces the view for id, serving the cached node when
// present. Disabled and unknown entries yield nil (the host shows a
// placeholder). A Render callback that panics or returns nil also yields
// nil; the panic is contained here so a broken script cannot take down the
// shared surface.
func (r *Registry) RenderEntry(id string) *Node {
	r.mu.Lock()
	st, ok := r.entries[id]
	if !ok || !st.entry.Enabled {
		r.mu.Unlock()
		return nil
	}
	if st.cached != nil {
		cached := st.cached
		r.mu.Unlock()
		return cached
	}
	render := st.entry.Render
	r.mu.Unlock()

	if render == nil {
		return nil
	}

	node := safeRender(id, render)
	if node == nil {
		return nil
	}

	r.mu.Lock()
	// Re-check: the entry may have been disabled while rendering.
	if st, ok := r.entries[id]; ok && st.entry.Enabled {
		st.cached = node
	}
	r.mu.Unlock()
	return node
}

// RequestToggle forwards the user's desired state to the owning script.
// The registry does not flip Enabled itself; the script flips its own state
// and calls SetEnabled back. Callback panics are contained.
func (r *Registry) RequestToggle(id string, next bool) {
	r.mu.Lock()
	st, ok := r.entries[id]
	var cb func(bool)
	if ok {
		cb = st.entry.OnToggle
	}
	r.mu.Unlock()

	if cb == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("panel: onToggle for %q panicked: %v", id, rec)
		}
	}()
	cb(next)
}

func (r *Registry) firstEnabledLocked() string {
	for _, id := range r.order {
		if r.entries[id].entry.Enabled {
			return id
		}
	}
	return ""
}

func safeRender(id string, render func() *Node) (node *Node) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("panel: render for %q panicked: %v", id, rec)
			node = nil
		}
	}()
	return render()
}

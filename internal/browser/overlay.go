package browser

import (
	"sync"
	"time"
)

// OverlayFingerprint captures identifying properties of a suspected gate or
// overlay element so it can be re-identified after DOM churn.
type OverlayFingerprint struct {
	Selector    string   `json:"selector"`
	TagName     string   `json:"tag_name"`
	ID          string   `json:"id"`
	Classes     []string `json:"classes"`
	ZIndex      int      `json:"z_index"`
	Coverage    float64  `json:"coverage"` // fraction of the viewport covered
	Fixed       bool     `json:"fixed"`
	ScrollLock  bool     `json:"scroll_lock"` // body overflow was locked alongside it
	GeneratedAt time.Time `json:"generated_at"`
}

// OverlayRegistry is a per-session cache of discovered overlays. Navigation
// clears it; lighter DOM updates bump the generation so consumers can detect
// staleness without losing the entries.
type OverlayRegistry struct {
	mu           sync.RWMutex
	overlays     map[string]*OverlayFingerprint
	generationID int
	lastCleared  time.Time
}

func NewOverlayRegistry() *OverlayRegistry {
	return &OverlayRegistry{
		overlays:    make(map[string]*OverlayFingerprint),
		lastCleared: time.Now(),
	}
}

// Register adds or updates a fingerprint keyed by selector.
func (r *OverlayRegistry) Register(fp *OverlayFingerprint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overlays[fp.Selector] = fp
}

// RegisterBatch adds the fingerprints from one scan and increments the
// generation.
func (r *OverlayRegistry) RegisterBatch(fps []*OverlayFingerprint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generationID++
	for _, fp := range fps {
		r.overlays[fp.Selector] = fp
	}
}

// Get returns the fingerprint for a selector, or nil.
func (r *OverlayRegistry) Get(selector string) *OverlayFingerprint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.overlays[selector]
}

// All returns a snapshot of the cached fingerprints.
func (r *OverlayRegistry) All() []*OverlayFingerprint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*OverlayFingerprint, 0, len(r.overlays))
	for _, fp := range r.overlays {
		out = append(out, fp)
	}
	return out
}

// Clear drops all fingerprints. Called on navigation.
func (r *OverlayRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overlays = make(map[string]*OverlayFingerprint)
	r.generationID++
	r.lastCleared = time.Now()
}

// GenerationID returns the current generation for staleness checks.
func (r *OverlayRegistry) GenerationID() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generationID
}

// Count returns the number of cached fingerprints.
func (r *OverlayRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.overlays)
}

// IncrementGeneration marks entries as potentially stale without dropping
// them. Called on DOM updates short of a navigation.
func (r *OverlayRegistry) IncrementGeneration() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generationID++
}

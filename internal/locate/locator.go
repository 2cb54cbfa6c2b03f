// Package locate decouples page scripts from the panel host. Scripts never
// construct the shared registry; they resolve it through a locator that the
// host publishes into, so init order between host and scripts does not
// matter.
package locate

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"scriptdeck/internal/panel"
)

// Two publish scopes. The host writes the handle to both; consumers check
// them in order. Either alone is sufficient, so a future split of scopes
// cannot strand a consumer.
const (
	// ScopeDeck is the preferred, namespaced slot.
	ScopeDeck = "deck"
	// ScopeShared is the broader compatibility slot.
	ScopeShared = "shared"
)

// Options tunes a single Resolve call.
type Options struct {
	// Direct short-circuits resolution when the caller was handed the
	// registry explicitly (same-process wiring).
	Direct *panel.Registry
	// Attempts bounds the poll loop. Zero means 20.
	Attempts int
	// Interval is the poll period. Zero means 100ms.
	Interval time.Duration
}

// Locator holds the published registry handle and the ready broadcast.
type Locator struct {
	mu        sync.Mutex
	scopes    map[string]*panel.Registry
	ready     chan struct{}
	broadcast sync.Once
	consumers map[string]bool
}

// New creates an empty locator with nothing published.
func New() *Locator {
	return &Locator{
		scopes:    make(map[string]*panel.Registry),
		ready:     make(chan struct{}),
		consumers: make(map[string]bool),
	}
}

// Publish makes reg visible on both scopes and schedules the ready
// broadcast. The broadcast is deferred to a fresh goroutine so consumers
// that subscribe in the same call stack as Publish still observe it;
// late subscribers see the already-closed channel.
func (l *Locator) Publish(reg *panel.Registry) {
	if reg == nil {
		return
	}
	l.mu.Lock()
	l.scopes[ScopeDeck] = reg
	l.scopes[ScopeShared] = reg
	l.mu.Unlock()

	l.broadcast.Do(func() {
		go close(l.ready)
	})
}

// Lookup returns the handle published on a single scope, or nil.
func (l *Locator) Lookup(scope string) *panel.Registry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scopes[scope]
}

// Ready returns a channel closed once a registry has been published.
func (l *Locator) Ready() <-chan struct{} {
	return l.ready
}

// MarkRegistered records that a consumer completed panel registration.
// Returns false if the consumer already registered, so re-running script
// init (navigation re-applies) does not double-register.
func (l *Locator) MarkRegistered(consumerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.consumers[consumerID] {
		return false
	}
	l.consumers[consumerID] = true
	return true
}

// lookupAny checks the scopes in preference order.
func (l *Locator) lookupAny() *panel.Registry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if reg := l.scopes[ScopeDeck]; reg != nil {
		return reg
	}
	return l.scopes[ScopeShared]
}

// Resolve finds the shared registry for a consumer. Order: the direct
// handle, then each scope, then a race between the ready broadcast and a
// bounded poll. The poll exists because the broadcast can be missed when
// the consumer starts after publication in another process epoch; either
// signal alone resolves. Fails only after the whole attempt budget.
func (l *Locator) Resolve(ctx context.Context, consumerID string, opts Options) (*panel.Registry, error) {
	if opts.Direct != nil {
		return opts.Direct, nil
	}
	if reg := l.lookupAny(); reg != nil {
		return reg, nil
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 20
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.ready:
			if reg := l.lookupAny(); reg != nil {
				return reg, nil
			}
			// Broadcast without a handle should not happen; keep polling.
		case <-ticker.C:
			if reg := l.lookupAny(); reg != nil {
				return reg, nil
			}
		}
	}
	return nil, fmt.Errorf("panel registry not found for %q after %d attempts", consumerID, attempts)
}

// ResolveOrFallback resolves like Resolve but never fails: when the shared
// registry cannot be found within budget, the consumer gets a private
// registry so its own settings surface still works, just un-shared. The
// second return reports whether the registry is the shared one; consumers
// must not consume their MarkRegistered guard on a fallback, or the tab can
// never land once the shared registry appears.
func (l *Locator) ResolveOrFallback(ctx context.Context, consumerID string, opts Options) (*panel.Registry, bool) {
	reg, err := l.Resolve(ctx, consumerID, opts)
	if err != nil {
		log.Printf("locate: %v; using private fallback registry", err)
		return panel.NewRegistry(), false
	}
	return reg, true
}

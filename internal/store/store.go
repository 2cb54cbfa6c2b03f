// Package store persists small string-keyed state (panel position, active
// tab, per-script enablement) through two layers: a primary adapter that may
// be slow or unavailable, and a synchronous JSON mirror for immediate
// same-process consistency. Reads prefer the adapter, fall back to the
// mirror, then to the caller's default. Failures in either layer are
// swallowed; the public API never returns an error.
package store

import (
	"context"
	"log"
)

// Well-known keys shared by the panel host and the script modules.
const (
	KeyPosition  = "position"
	KeyActiveTab = "activePanelId"
)

// Adapter is the primary key/value backend. Implementations may block, so
// every call takes a context.
type Adapter interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Close() error
}

// Store combines the primary adapter with the synchronous mirror. Either
// layer may be nil; the zero value degrades to hard defaults only.
type Store struct {
	adapter Adapter
	mirror  *Mirror
}

// New builds a store over the given layers. Both are optional.
func New(adapter Adapter, mirror *Mirror) *Store {
	return &Store{adapter: adapter, mirror: mirror}
}

// Get returns the value for key, preferring the adapter, then the mirror,
// then def. Adapter errors are logged and swallowed.
func (s *Store) Get(ctx context.Context, key, def string) string {
	if s == nil {
		return def
	}
	if s.adapter != nil {
		v, ok, err := s.adapter.Get(ctx, key)
		if err == nil && ok {
			return v
		}
		if err != nil {
			log.Printf("store: adapter get %q: %v", key, err)
		}
	}
	if s.mirror != nil {
		if v, ok := s.mirror.Get(key); ok {
			return v
		}
	}
	return def
}

// Put writes key through both layers, best-effort. The mirror is written
// first so a same-process read observes the value even if the adapter is
// slow or broken.
func (s *Store) Put(ctx context.Context, key, value string) {
	if s == nil {
		return
	}
	if s.mirror != nil {
		s.mirror.Put(key, value)
	}
	if s.adapter != nil {
		if err := s.adapter.Put(ctx, key, value); err != nil {
			log.Printf("store: adapter put %q: %v", key, err)
		}
	}
}

// GetBool reads a boolean flag stored as "true"/"false".
func (s *Store) GetBool(ctx context.Context, key string, def bool) bool {
	fallback := "false"
	if def {
		fallback = "true"
	}
	return s.Get(ctx, key, fallback) == "true"
}

// PutBool stores a boolean flag as "true"/"false".
func (s *Store) PutBool(ctx context.Context, key string, value bool) {
	v := "false"
	if value {
		v = "true"
	}
	s.Put(ctx, key, v)
}

// Close releases the adapter. Mirror state is already on disk.
func (s *Store) Close() error {
	if s == nil || s.adapter == nil {
		return nil
	}
	return s.adapter.Close()
}

// ScriptEnabledKey returns the persistence key for a script's own enabled
// state. The script module owns this value; the panel registry only caches it.
func ScriptEnabledKey(scriptID string) string {
	return "script." + scriptID + ".enabled"
}

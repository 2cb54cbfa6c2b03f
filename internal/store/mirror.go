package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Mirror is the synchronous second layer: an in-memory map flushed to a JSON
// file on every write. It exists so a value written moments ago is readable
// even when the primary adapter lags or fails. All I/O errors are swallowed.
type Mirror struct {
	mu     sync.RWMutex
	path   string
	values map[string]string
}

// OpenMirror loads the mirror file when present. A missing or unreadable
// file yields an empty mirror, never an error.
func OpenMirror(path string) *Mirror {
	m := &Mirror{
		path:   path,
		values: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	// Corrupt mirror content is discarded; the adapter remains authoritative.
	_ = json.Unmarshal(data, &m.values)
	return m
}

// Get returns the in-memory value for key.
func (m *Mirror) Get(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Put updates memory and rewrites the backing file. Write failures leave the
// in-memory value intact, so same-process reads still succeed.
func (m *Mirror) Put(key, value string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = value
	if m.path == "" {
		return
	}

	data, err := json.MarshalIndent(m.values, "", "  ")
	if err != nil {
		return
	}
	if dir := filepath.Dir(m.path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	_ = os.WriteFile(m.path, data, 0o644)
}

// Len reports how many keys the mirror holds.
func (m *Mirror) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

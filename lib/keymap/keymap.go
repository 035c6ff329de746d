// Package keymap provides the associative container used for station
// directories, tunnel registries and session state. Keys are binary-safe
// buffers; values are any typed payload.
//
// Miss policy: Get fails with a not-found error. Callers that want
// index-style default substitution use GetOr instead. Iteration order is
// unspecified.
package keymap

import (
	"errors"

	"github.com/samber/oops"

	"github.com/go-rho/railway/lib/buffer"
)

// ErrNotFound is returned by Get and GetString for an absent key.
var ErrNotFound = errors.New("keymap: key not found")

// Map associates buffer keys with values of type V. Binary keys survive
// without truncation or encoding loss. A Map is not safe for concurrent use;
// owners guard it (the railway registry holds one under an RWMutex).
type Map[V any] struct {
	entries map[string]V
}

// New returns an empty map.
func New[V any]() *Map[V] {
	return &Map[V]{entries: make(map[string]V)}
}

// Put inserts or overwrites the value for key.
func (m *Map[V]) Put(key *buffer.Buffer, value V) {
	m.entries[key.Key()] = value
}

// PutString is Put with a string key, for callers whose identifiers are
// already text.
func (m *Map[V]) PutString(key string, value V) {
	m.entries[key] = value
}

// Get returns the value for key, or a not-found error when the key is
// absent.
func (m *Map[V]) Get(key *buffer.Buffer) (V, error) {
	return m.GetString(key.Key())
}

// GetString is Get with a string key.
func (m *Map[V]) GetString(key string) (V, error) {
	v, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, oops.With("key_deci", buffer.FromBytes([]byte(key)).Deci()).
			Wrap(ErrNotFound)
	}
	return v, nil
}

// GetOr returns the value for key, or def when the key is absent. This is
// the documented default-substitution policy for adapters layering
// index-style access.
func (m *Map[V]) GetOr(key *buffer.Buffer, def V) V {
	if v, ok := m.entries[key.Key()]; ok {
		return v
	}
	return def
}

// Contains reports whether key is present.
func (m *Map[V]) Contains(key *buffer.Buffer) bool {
	_, ok := m.entries[key.Key()]
	return ok
}

// ContainsString is Contains with a string key.
func (m *Map[V]) ContainsString(key string) bool {
	_, ok := m.entries[key]
	return ok
}

// Remove deletes key and reports whether it was present.
func (m *Map[V]) Remove(key *buffer.Buffer) bool {
	return m.RemoveString(key.Key())
}

// RemoveString is Remove with a string key.
func (m *Map[V]) RemoveString(key string) bool {
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	return len(m.entries)
}

// Keys returns all keys as fresh buffers, in unspecified order.
func (m *Map[V]) Keys() []*buffer.Buffer {
	keys := make([]*buffer.Buffer, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, buffer.FromBytes([]byte(k)))
	}
	return keys
}

// Each calls fn for every entry until fn returns false. Order is
// unspecified; the map must not be mutated during iteration.
func (m *Map[V]) Each(fn func(key string, value V) bool) {
	for k, v := range m.entries {
		if !fn(k, v) {
			return
		}
	}
}

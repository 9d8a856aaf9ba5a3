// Package keylock provides a per-key mutex map: serialize read-modify-
// write operations on a given workspace/project without a single global
// lock that would block unrelated keys.
package keylock

import "sync"

// Map lazily creates one *sync.RWMutex per key and never removes it —
// the key space (workspace/project IDs) is small and long-lived, so
// this trades a little memory for never racing a delete against a
// lookup.
type Map struct {
	locks sync.Map // key -> *sync.RWMutex
}

func (m *Map) locker(key string) *sync.RWMutex {
	v, _ := m.locks.LoadOrStore(key, &sync.RWMutex{})
	return v.(*sync.RWMutex)
}

// WithLock runs f while holding the exclusive lock for key.
func (m *Map) WithLock(key string, f func() error) error {
	l := m.locker(key)
	l.Lock()
	defer l.Unlock()
	return f()
}

// WithRLock runs f while holding the shared lock for key.
func (m *Map) WithRLock(key string, f func() error) error {
	l := m.locker(key)
	l.RLock()
	defer l.RUnlock()
	return f()
}

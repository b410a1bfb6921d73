// Package syncutil provides per-key locking for work that must not overlap
// for the same provider, e.g. two payout requests racing each other.
package syncutil

import "sync"

// KeyedMutex holds at most one lock per exact key. Only held keys are kept,
// so memory follows the number of concurrent holders and unrelated keys
// never block each other.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewKeyedMutex creates a KeyedMutex with no key held.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]struct{})}
}

// TryLock acquires the lock for key only if it is free right now. The
// returned unlock function is safe to call more than once.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.held[key]; busy {
		return nil, false
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, true
}

// Held returns the number of keys currently locked.
func (m *KeyedMutex) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

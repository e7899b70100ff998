// Package syncutil has small concurrency helpers shared by the services.
package syncutil

import "sync"

// KeyedMutex serializes critical sections per string key. Locks are created
// on first use and kept for the life of the process; the expected key space
// (conversations in an active session) is small.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex returns an empty KeyedMutex ready for use.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it if needed.
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
}

// Unlock releases the mutex for key. It panics if Lock was never called for
// the key, matching sync.Mutex behaviour for unbalanced unlocks.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	k.mu.Unlock()
	if !ok {
		panic("syncutil: unlock of unknown key " + key)
	}
	m.Unlock()
}

// Reset drops all per-key locks. Callers must ensure no lock is held.
func (k *KeyedMutex) Reset() {
	k.mu.Lock()
	k.locks = make(map[string]*sync.Mutex)
	k.mu.Unlock()
}

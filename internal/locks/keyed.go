// Package locks provides a mutex keyed by string.
package locks

import "sync"

// KeyedMutex holds one lock per key. Entries are removed once unused.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu       sync.Mutex
	refCount int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*lockEntry)}
}

// Locked reports whether key is held or waited on.
func (km *KeyedMutex) Locked(key string) bool {
	km.mu.Lock()
	defer km.mu.Unlock()
	le, ok := km.locks[key]
	return ok && le.refCount > 0
}

// TryLock acquires key only if nobody holds or waits for it.
func (km *KeyedMutex) TryLock(key string) bool {
	km.mu.Lock()
	defer km.mu.Unlock()
	le, ok := km.locks[key]
	if ok && le.refCount > 0 {
		return false
	}
	if !ok {
		le = &lockEntry{}
		km.locks[key] = le
	}
	le.refCount++
	le.mu.Lock()
	return true
}

// Lock blocks until key is acquired.
func (km *KeyedMutex) Lock(key string) {
	km.mu.Lock()
	le, ok := km.locks[key]
	if !ok {
		le = &lockEntry{}
		km.locks[key] = le
	}
	le.refCount++
	km.mu.Unlock()

	le.mu.Lock()
}

// Unlock releases key. It panics if key is not locked.
func (km *KeyedMutex) Unlock(key string) {
	km.mu.Lock()
	defer km.mu.Unlock()

	le, ok := km.locks[key]
	if !ok {
		panic("locks: unlock of unlocked key " + key)
	}
	le.refCount--
	if le.refCount == 0 {
		delete(km.locks, key)
	}
	le.mu.Unlock()
}

// Package lock provides per-key mutual exclusion for milestone and project operations.
package lock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Keyed is a reference-counted set of mutexes. Entries are created on first Lock
// and removed once the last holder or waiter unlocks, so the map only grows with
// the number of keys in use at once.
type Keyed[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

func NewKeyed[K comparable]() *Keyed[K] {
	return &Keyed[K]{entries: make(map[K]*entry)}
}

// Lock blocks until key is held and returns the function that releases it.
func (k *Keyed[K]) Lock(key K) (unlock func()) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.entries, key)
			}
			k.mu.Unlock()
		})
	}
}

// Len reports how many keys are currently held or waited on.
func (k *Keyed[K]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

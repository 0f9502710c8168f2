package lock

import (
	"sync"
	"testing"
	"time"
)

func TestKeyedSerializesSameKey(t *testing.T) {
	k := NewKeyed[uint64]()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(7)
			defer unlock()
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Errorf("max concurrent holders: got %d, want 1", maxSeen)
	}
	if got := k.Len(); got != 0 {
		t.Errorf("entries after release: got %d, want 0", got)
	}
}

func TestKeyedDistinctKeysDoNotBlock(t *testing.T) {
	k := NewKeyed[uint64]()
	unlockA := k.Lock(1)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock(2)
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyedUnlockIsIdempotent(t *testing.T) {
	k := NewKeyed[string]()
	unlock := k.Lock("p")
	unlock()
	unlock()
	if got := k.Len(); got != 0 {
		t.Errorf("entries: got %d, want 0", got)
	}
	// key must be acquirable again
	k.Lock("p")()
}

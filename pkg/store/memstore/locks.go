package memstore

import (
	"context"
	"sync"
)

// keyLocks is a table of per-key mutexes supporting both blocking and
// non-blocking acquisition. Entries are refcounted and dropped when the last
// interested goroutine lets go, so the table tracks live contention, not
// every key ever seen.
type keyLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{} // capacity 1; holding the lock = having sent
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{entries: make(map[string]*lockEntry)}
}

func (k *keyLocks) entry(key string) *lockEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *keyLocks) release(key string, e *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

func (k *keyLocks) unlocker(key string, e *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}
}

// tryLock acquires key without blocking; ok reports success.
func (k *keyLocks) tryLock(key string) (unlock func(), ok bool) {
	e := k.entry(key)
	select {
	case e.ch <- struct{}{}:
		return k.unlocker(key, e), true
	default:
		k.release(key, e)
		return nil, false
	}
}

// lock acquires key, waiting until it is available or ctx is done.
func (k *keyLocks) lock(ctx context.Context, key string) (unlock func(), err error) {
	e := k.entry(key)
	select {
	case e.ch <- struct{}{}:
		return k.unlocker(key, e), nil
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}
}

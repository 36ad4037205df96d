// Package memstore is the in-memory store backend. It is authoritative for a
// single-node deployment: matchmaking state is reconstructible from clients
// re-spinning after a restart, and match history durability is the pgstore
// backend's job.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/spindate/matchd/pkg/store"
)

// Memory holds records in maps behind one read-write mutex and serves
// advisory locks from refcounted per-key lock tables. Reads copy records out
// under the read lock; Apply writes a whole batch under the write lock, so
// readers never observe a partially applied batch.
type Memory struct {
	userLocks  *keyLocks
	matchLocks *keyLocks

	mu      sync.RWMutex
	users   map[string]store.User
	matches map[string]store.Match
	history map[string]store.HistoryEntry
}

var _ store.Store = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		userLocks:  newKeyLocks(),
		matchLocks: newKeyLocks(),
		users:      make(map[string]store.User),
		matches:    make(map[string]store.Match),
		history:    make(map[string]store.HistoryEntry),
	}
}

func historyKey(a, b string) string {
	u1, u2 := store.OrderPair(a, b)
	return u1 + "|" + u2
}

func (m *Memory) GetUser(_ context.Context, userID string) (store.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return store.User{}, fmt.Errorf("user %q: %w", userID, store.ErrNotFound)
	}
	return u, nil
}

func (m *Memory) GetMatch(_ context.Context, matchID string) (store.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.matches[matchID]
	if !ok {
		return store.Match{}, fmt.Errorf("match %q: %w", matchID, store.ErrNotFound)
	}
	return mt, nil
}

func (m *Memory) WaitingUsers(_ context.Context) ([]store.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []store.User
	for _, u := range m.users {
		if u.State == store.UserWaiting {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *Memory) LiveMatches(_ context.Context) ([]store.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []store.Match
	for _, mt := range m.matches {
		if mt.Status.Live() {
			out = append(out, mt)
		}
	}
	return out, nil
}

func (m *Memory) HaveMatched(_ context.Context, a, b string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.history[historyKey(a, b)]
	return ok, nil
}

func (m *Memory) TryLockUser(_ context.Context, userID string) (store.UnlockFunc, error) {
	unlock, ok := m.userLocks.tryLock(userID)
	if !ok {
		return nil, fmt.Errorf("user %q: %w", userID, store.ErrLockBusy)
	}
	return unlock, nil
}

func (m *Memory) LockUser(ctx context.Context, userID string) (store.UnlockFunc, error) {
	unlock, err := m.userLocks.lock(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock user %q: %w", userID, err)
	}
	return unlock, nil
}

func (m *Memory) TryLockMatch(_ context.Context, matchID string) (store.UnlockFunc, error) {
	unlock, ok := m.matchLocks.tryLock(matchID)
	if !ok {
		return nil, fmt.Errorf("match %q: %w", matchID, store.ErrLockBusy)
	}
	return unlock, nil
}

func (m *Memory) LockMatch(ctx context.Context, matchID string) (store.UnlockFunc, error) {
	unlock, err := m.matchLocks.lock(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock match %q: %w", matchID, err)
	}
	return unlock, nil
}

func (m *Memory) Apply(_ context.Context, b *store.Batch) error {
	if b.Empty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range b.Users {
		m.users[u.ID] = u
	}
	for _, mt := range b.Matches {
		m.matches[mt.ID] = mt
	}
	for _, h := range b.History {
		key := historyKey(h.User1, h.User2)
		if _, exists := m.history[key]; exists {
			continue
		}
		m.history[key] = h
	}
	return nil
}

func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) Close() {}

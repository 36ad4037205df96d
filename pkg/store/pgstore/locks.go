package pgstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/spindate/matchd/pkg/store"
)

// Advisory lock keyspace. Locks are session-scoped on a dedicated pool
// connection, so a crashed process releases its locks with its sessions.
// The key is fnv64a over a class byte plus the id. The 64-bit space matters:
// formation takes both participant locks on separate sessions, and two ids
// hashing to one key there would deadlock against each other. At 32 bits a
// few hundred thousand users make such a collision plausible; at 64 bits it
// is not a practical concern.
const (
	lockClassUser  = byte(1)
	lockClassMatch = byte(2)
)

func lockKey(class byte, id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte{class})
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64())
}

func (p *PG) TryLockUser(ctx context.Context, userID string) (store.UnlockFunc, error) {
	return p.acquire(ctx, lockClassUser, userID, false)
}

func (p *PG) LockUser(ctx context.Context, userID string) (store.UnlockFunc, error) {
	return p.acquire(ctx, lockClassUser, userID, true)
}

func (p *PG) TryLockMatch(ctx context.Context, matchID string) (store.UnlockFunc, error) {
	return p.acquire(ctx, lockClassMatch, matchID, false)
}

func (p *PG) LockMatch(ctx context.Context, matchID string) (store.UnlockFunc, error) {
	return p.acquire(ctx, lockClassMatch, matchID, true)
}

func (p *PG) acquire(ctx context.Context, class byte, id string, wait bool) (store.UnlockFunc, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for lock: %w", err)
	}
	key := lockKey(class, id)

	if wait {
		// pg_advisory_lock blocks server-side; ctx cancellation aborts the
		// query and the deferred release destroys the connection.
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
			conn.Release()
			return nil, fmt.Errorf("failed to take advisory lock %d: %w", key, err)
		}
	} else {
		var locked bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
			conn.Release()
			return nil, fmt.Errorf("failed to try advisory lock %d: %w", key, err)
		}
		if !locked {
			conn.Release()
			return nil, fmt.Errorf("advisory lock %d: %w", key, store.ErrLockBusy)
		}
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// Unlock on a background context: the caller's ctx may already
			// be done, and releasing the session drops the lock anyway.
			if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key); err != nil {
				p.log.Error("pgstore: failed to release advisory lock", "key", key, "error", err)
			}
			conn.Release()
		})
	}
	return unlock, nil
}

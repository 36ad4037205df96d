// Package storetest is the conformance suite for store backends. Both the
// memory and PostgreSQL backends run it, so lock and batch semantics cannot
// drift between them.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/spindate/matchd/pkg/store"
)

// Factory returns a store with no records relevant to the test. It is called
// once per subtest; subtests run sequentially so backends may reuse one
// database behind the factory.
type Factory func(t *testing.T) store.Store

// Run exercises the store contract against stores built by factory.
func Run(t *testing.T, factory Factory) {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	t.Run("ping", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Ping(t.Context()))
	})

	t.Run("get user not found", func(t *testing.T) {
		s := factory(t)
		_, err := s.GetUser(t.Context(), "nobody-"+uuid.NewString())
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("get match not found", func(t *testing.T) {
		s := factory(t)
		_, err := s.GetMatch(t.Context(), uuid.NewString())
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("user round trip", func(t *testing.T) {
		s := factory(t)
		full := store.User{
			ID:             "alice",
			State:          store.UserMatched,
			MatchID:        uuid.NewString(),
			PartnerID:      "bob",
			Fairness:       15,
			WaitingSince:   base.Add(-time.Minute),
			LastActive:     base,
			AcknowledgedAt: base.Add(2 * time.Second),
			CreatedAt:      base.Add(-time.Hour),
			UpdatedAt:      base,
		}
		sparse := store.User{
			ID:        "bob",
			State:     store.UserIdle,
			CreatedAt: base,
			UpdatedAt: base,
		}
		b := &store.Batch{}
		b.PutUser(full)
		b.PutUser(sparse)
		require.NoError(t, s.Apply(t.Context(), b))

		got, err := s.GetUser(t.Context(), "alice")
		require.NoError(t, err)
		require.Equal(t, full.ID, got.ID)
		require.Equal(t, full.State, got.State)
		require.Equal(t, full.MatchID, got.MatchID)
		require.Equal(t, full.PartnerID, got.PartnerID)
		require.Equal(t, full.Fairness, got.Fairness)
		requireSameTime(t, full.WaitingSince, got.WaitingSince)
		requireSameTime(t, full.LastActive, got.LastActive)
		requireSameTime(t, full.AcknowledgedAt, got.AcknowledgedAt)
		requireSameTime(t, full.CreatedAt, got.CreatedAt)

		got, err = s.GetUser(t.Context(), "bob")
		require.NoError(t, err)
		require.Equal(t, store.UserIdle, got.State)
		require.Empty(t, got.MatchID)
		require.Empty(t, got.PartnerID)
		require.True(t, got.WaitingSince.IsZero())
		require.True(t, got.AcknowledgedAt.IsZero())
	})

	t.Run("match round trip and update", func(t *testing.T) {
		s := factory(t)
		m := store.Match{
			ID:              uuid.NewString(),
			User1:           "alice",
			User2:           "bob",
			Status:          store.MatchPaired,
			WindowStartedAt: base,
			WindowExpiresAt: base.Add(90 * time.Second),
			CreatedAt:       base,
			UpdatedAt:       base,
		}
		b := &store.Batch{}
		b.PutMatch(m)
		require.NoError(t, s.Apply(t.Context(), b))

		got, err := s.GetMatch(t.Context(), m.ID)
		require.NoError(t, err)
		require.Equal(t, store.MatchPaired, got.Status)
		require.Equal(t, store.VoteNone, got.User1Vote)
		require.Equal(t, store.VoteNone, got.User2Vote)
		require.Equal(t, store.OutcomeNone, got.Outcome)
		require.True(t, got.EndedAt.IsZero())
		requireSameTime(t, m.WindowExpiresAt, got.WindowExpiresAt)

		// Resolve it and verify the update lands without touching creation.
		m.Status = store.MatchEnded
		m.User1Vote = store.VoteYes
		m.User2Vote = store.VotePass
		m.Outcome = store.OutcomeYesPass
		m.EndedAt = base.Add(30 * time.Second)
		m.UpdatedAt = base.Add(30 * time.Second)
		b = &store.Batch{}
		b.PutMatch(m)
		require.NoError(t, s.Apply(t.Context(), b))

		got, err = s.GetMatch(t.Context(), m.ID)
		require.NoError(t, err)
		require.Equal(t, store.MatchEnded, got.Status)
		require.Equal(t, store.VoteYes, got.User1Vote)
		require.Equal(t, store.VotePass, got.User2Vote)
		require.Equal(t, store.OutcomeYesPass, got.Outcome)
		requireSameTime(t, m.EndedAt, got.EndedAt)
		requireSameTime(t, m.CreatedAt, got.CreatedAt)
	})

	t.Run("waiting users", func(t *testing.T) {
		s := factory(t)
		b := &store.Batch{}
		b.PutUser(store.User{ID: "w1", State: store.UserWaiting, WaitingSince: base, LastActive: base, CreatedAt: base, UpdatedAt: base})
		b.PutUser(store.User{ID: "w2", State: store.UserWaiting, WaitingSince: base.Add(time.Second), LastActive: base, CreatedAt: base, UpdatedAt: base})
		b.PutUser(store.User{ID: "i1", State: store.UserIdle, CreatedAt: base, UpdatedAt: base})
		b.PutUser(store.User{ID: "m1", State: store.UserMatched, MatchID: uuid.NewString(), PartnerID: "x", LastActive: base, CreatedAt: base, UpdatedAt: base})
		require.NoError(t, s.Apply(t.Context(), b))

		waiting, err := s.WaitingUsers(t.Context())
		require.NoError(t, err)
		ids := make(map[string]bool)
		for _, u := range waiting {
			ids[u.ID] = true
			require.Equal(t, store.UserWaiting, u.State)
		}
		require.True(t, ids["w1"])
		require.True(t, ids["w2"])
		require.False(t, ids["i1"])
		require.False(t, ids["m1"])
	})

	t.Run("live matches", func(t *testing.T) {
		s := factory(t)
		mk := func(status store.MatchStatus) store.Match {
			return store.Match{
				ID: uuid.NewString(), User1: "a", User2: "b", Status: status,
				WindowStartedAt: base, WindowExpiresAt: base.Add(time.Minute),
				CreatedAt: base, UpdatedAt: base,
			}
		}
		paired := mk(store.MatchPaired)
		active := mk(store.MatchActive)
		ended := mk(store.MatchEnded)
		ended.Outcome = store.OutcomeIdleIdle
		ended.EndedAt = base.Add(time.Minute)
		cancelled := mk(store.MatchCancelled)
		cancelled.EndedAt = base.Add(time.Minute)

		b := &store.Batch{}
		for _, m := range []store.Match{paired, active, ended, cancelled} {
			b.PutMatch(m)
		}
		require.NoError(t, s.Apply(t.Context(), b))

		live, err := s.LiveMatches(t.Context())
		require.NoError(t, err)
		ids := make(map[string]bool)
		for _, m := range live {
			ids[m.ID] = true
			require.True(t, m.Status.Live())
		}
		require.True(t, ids[paired.ID])
		require.True(t, ids[active.ID])
		require.False(t, ids[ended.ID])
		require.False(t, ids[cancelled.ID])
	})

	t.Run("match history", func(t *testing.T) {
		s := factory(t)
		matched, err := s.HaveMatched(t.Context(), "carol", "dave")
		require.NoError(t, err)
		require.False(t, matched)

		b := &store.Batch{}
		b.AddHistory("dave", "carol", store.ReasonCompleted, base)
		require.NoError(t, s.Apply(t.Context(), b))

		// Visible regardless of argument order.
		matched, err = s.HaveMatched(t.Context(), "carol", "dave")
		require.NoError(t, err)
		require.True(t, matched)
		matched, err = s.HaveMatched(t.Context(), "dave", "carol")
		require.NoError(t, err)
		require.True(t, matched)

		// Re-inserting the pair is a no-op, not an error.
		b = &store.Batch{}
		b.AddHistory("carol", "dave", store.ReasonCancelled, base.Add(time.Minute))
		require.NoError(t, s.Apply(t.Context(), b))
		matched, err = s.HaveMatched(t.Context(), "carol", "dave")
		require.NoError(t, err)
		require.True(t, matched)
	})

	t.Run("batch commits all records together", func(t *testing.T) {
		s := factory(t)
		matchID := uuid.NewString()
		b := &store.Batch{}
		b.PutUser(store.User{ID: "pa", State: store.UserMatched, MatchID: matchID, PartnerID: "pb", LastActive: base, CreatedAt: base, UpdatedAt: base})
		b.PutUser(store.User{ID: "pb", State: store.UserMatched, MatchID: matchID, PartnerID: "pa", LastActive: base, CreatedAt: base, UpdatedAt: base})
		b.PutMatch(store.Match{ID: matchID, User1: "pa", User2: "pb", Status: store.MatchPaired,
			WindowStartedAt: base, WindowExpiresAt: base.Add(time.Minute), CreatedAt: base, UpdatedAt: base})
		b.AddHistory("pa", "pb", store.ReasonCompleted, base)
		require.NoError(t, s.Apply(t.Context(), b))

		for _, id := range []string{"pa", "pb"} {
			u, err := s.GetUser(t.Context(), id)
			require.NoError(t, err)
			require.Equal(t, store.UserMatched, u.State)
			require.Equal(t, matchID, u.MatchID)
		}
		_, err := s.GetMatch(t.Context(), matchID)
		require.NoError(t, err)
		matched, err := s.HaveMatched(t.Context(), "pa", "pb")
		require.NoError(t, err)
		require.True(t, matched)
	})

	t.Run("last write wins within a batch", func(t *testing.T) {
		s := factory(t)
		b := &store.Batch{}
		b.PutUser(store.User{ID: "dup", State: store.UserIdle, Fairness: 5, CreatedAt: base, UpdatedAt: base})
		b.PutUser(store.User{ID: "dup", State: store.UserWaiting, Fairness: 10, WaitingSince: base, CreatedAt: base, UpdatedAt: base})
		require.NoError(t, s.Apply(t.Context(), b))

		u, err := s.GetUser(t.Context(), "dup")
		require.NoError(t, err)
		require.Equal(t, store.UserWaiting, u.State)
		require.Equal(t, 10, u.Fairness)
	})

	t.Run("try lock user reports busy", func(t *testing.T) {
		s := factory(t)
		unlock, err := s.TryLockUser(t.Context(), "alice")
		require.NoError(t, err)

		_, err = s.TryLockUser(t.Context(), "alice")
		require.ErrorIs(t, err, store.ErrLockBusy)

		unlock()
		unlock2, err := s.TryLockUser(t.Context(), "alice")
		require.NoError(t, err)
		unlock2()
	})

	t.Run("locks are per key and per class", func(t *testing.T) {
		s := factory(t)
		unlockAlice, err := s.TryLockUser(t.Context(), "alice")
		require.NoError(t, err)
		defer unlockAlice()

		unlockBob, err := s.TryLockUser(t.Context(), "bob")
		require.NoError(t, err)
		defer unlockBob()

		// Same key in the match class is a different lock.
		unlockMatch, err := s.TryLockMatch(t.Context(), "alice")
		require.NoError(t, err)
		defer unlockMatch()
	})

	t.Run("blocking lock waits for release", func(t *testing.T) {
		s := factory(t)
		unlock, err := s.TryLockMatch(t.Context(), "m1")
		require.NoError(t, err)

		acquired := make(chan struct{})
		go func() {
			unlock2, err := s.LockMatch(context.Background(), "m1")
			if err == nil {
				close(acquired)
				unlock2()
			}
		}()

		select {
		case <-acquired:
			t.Fatal("blocking lock acquired while held")
		case <-time.After(100 * time.Millisecond):
		}

		unlock()
		select {
		case <-acquired:
		case <-time.After(5 * time.Second):
			t.Fatal("blocking lock not acquired after release")
		}
	})

	t.Run("blocking lock honors context", func(t *testing.T) {
		s := factory(t)
		unlock, err := s.TryLockUser(t.Context(), "alice")
		require.NoError(t, err)
		defer unlock()

		ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
		defer cancel()
		_, err = s.LockUser(ctx, "alice")
		require.Error(t, err)
		require.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled))
	})

	t.Run("unlock is idempotent", func(t *testing.T) {
		s := factory(t)
		unlock, err := s.TryLockUser(t.Context(), "alice")
		require.NoError(t, err)
		unlock()
		unlock()

		unlock2, err := s.TryLockUser(t.Context(), "alice")
		require.NoError(t, err)
		unlock2()
	})
}

// requireSameTime compares instants, ignoring location and monotonic clock
// deltas introduced by a database round trip.
func requireSameTime(t *testing.T, want, got time.Time) {
	t.Helper()
	require.True(t, want.Equal(got), "want %v, got %v", want, got)
}

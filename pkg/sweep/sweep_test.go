package sweep_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/spindate/matchd/pkg/engine"
	"github.com/spindate/matchd/pkg/profile"
	"github.com/spindate/matchd/pkg/store"
	"github.com/spindate/matchd/pkg/store/memstore"
	"github.com/spindate/matchd/pkg/sweep"
	matchdtesting "github.com/spindate/matchd/utils/pkg/testing"
)

// mockEngine records which ids the sweeper routed to which operation.
// Func fields override the default no-op success.
type mockEngine struct {
	mu        sync.Mutex
	resolved  []string
	cancelled []string
	refreshed []string
	kicked    []string

	ResolveExpiredFunc func(ctx context.Context, matchID string) error
	CancelStaleFunc    func(ctx context.Context, matchID string) error
	TryMatchFunc       func(ctx context.Context, userID string) (*store.Match, error)
}

func (m *mockEngine) record(list *[]string, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*list = append(*list, id)
}

func (m *mockEngine) calls(list *[]string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(*list)
}

func (m *mockEngine) ResolveExpired(ctx context.Context, matchID string) error {
	m.record(&m.resolved, matchID)
	if m.ResolveExpiredFunc != nil {
		return m.ResolveExpiredFunc(ctx, matchID)
	}
	return nil
}

func (m *mockEngine) CancelStale(ctx context.Context, matchID string) error {
	m.record(&m.cancelled, matchID)
	if m.CancelStaleFunc != nil {
		return m.CancelStaleFunc(ctx, matchID)
	}
	return nil
}

func (m *mockEngine) RefreshFairness(_ context.Context, userID string) error {
	m.record(&m.refreshed, userID)
	return nil
}

func (m *mockEngine) TryMatch(ctx context.Context, userID string) (*store.Match, error) {
	m.record(&m.kicked, userID)
	if m.TryMatchFunc != nil {
		return m.TryMatchFunc(ctx, userID)
	}
	return nil, nil
}

func TestMatchd_Sweep_New_RequiresCoreDependencies(t *testing.T) {
	t.Parallel()

	_, err := sweep.New(sweep.Config{})
	require.Error(t, err)

	log := matchdtesting.NewLogger()
	_, err = sweep.New(sweep.Config{Logger: log, Engine: &mockEngine{}})
	require.ErrorContains(t, err, "store is required")
	_, err = sweep.New(sweep.Config{Logger: log, Store: memstore.New()})
	require.ErrorContains(t, err, "engine is required")

	cfg := sweep.Config{Logger: log, Store: memstore.New(), Engine: &mockEngine{}}
	require.NoError(t, cfg.Validate())
	require.Equal(t, sweep.DefaultInterval, cfg.Interval)
	require.Equal(t, sweep.DefaultWorkers, cfg.Workers)
	require.Equal(t, uint64(sweep.DefaultLockRetries), cfg.LockRetries)
	require.Equal(t, engine.DefaultFreshFor, cfg.FreshFor)
	require.Equal(t, engine.DefaultQueueGrace, cfg.QueueGrace)
}

func TestMatchd_Sweep_Sweep_RoutesWorkByState(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	st := memstore.New()
	mock := &mockEngine{}
	sw, err := sweep.New(sweep.Config{
		Logger: matchdtesting.NewLogger(),
		Clock:  clock,
		Store:  st,
		Engine: mock,
	})
	require.NoError(t, err)

	now := clock.Now()
	b := &store.Batch{}
	b.PutMatch(store.Match{
		ID: "m-expired", User1: "a", User2: "b", Status: store.MatchActive,
		WindowStartedAt: now.Add(-91 * time.Second), WindowExpiresAt: now.Add(-time.Second),
		CreatedAt: now.Add(-91 * time.Second),
	})
	b.PutMatch(store.Match{
		ID: "m-live", User1: "c", User2: "d", Status: store.MatchPaired,
		WindowStartedAt: now.Add(-30 * time.Second), WindowExpiresAt: now.Add(60 * time.Second),
		CreatedAt: now.Add(-30 * time.Second),
	})
	b.PutUser(store.User{ID: "stale-waiter", State: store.UserWaiting, WaitingSince: now.Add(-2 * time.Minute), LastActive: now.Add(-10 * time.Second)})
	b.PutUser(store.User{ID: "fresh-waiter", State: store.UserWaiting, WaitingSince: now.Add(-2 * time.Minute), LastActive: now.Add(-time.Second)})
	b.PutUser(store.User{ID: "new-waiter", State: store.UserWaiting, WaitingSince: now.Add(-30 * time.Second), LastActive: now.Add(-30 * time.Second)})
	require.NoError(t, st.Apply(t.Context(), b))

	require.NoError(t, sw.Sweep(t.Context()))

	require.Equal(t, []string{"m-expired"}, mock.calls(&mock.resolved))
	require.Equal(t, []string{"m-live"}, mock.calls(&mock.cancelled))
	require.ElementsMatch(t, []string{"stale-waiter", "fresh-waiter", "new-waiter"}, mock.calls(&mock.refreshed),
		"every waiter accrues fairness, stale ones included")
	require.ElementsMatch(t, []string{"fresh-waiter", "new-waiter"}, mock.calls(&mock.kicked),
		"stale waiters stay queued but get no formation kick; new ones need no heartbeat yet")
	require.True(t, sw.Ready())
}

func TestMatchd_Sweep_Sweep_BusyItemRetriedThenLeftForNextCycle(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	st := memstore.New()
	mock := &mockEngine{
		ResolveExpiredFunc: func(context.Context, string) error { return store.ErrLockBusy },
	}
	sw, err := sweep.New(sweep.Config{
		Logger:      matchdtesting.NewLogger(),
		Clock:       clock,
		Store:       st,
		Engine:      mock,
		LockRetries: 2,
	})
	require.NoError(t, err)

	b := &store.Batch{}
	b.PutMatch(store.Match{
		ID: "m-busy", User1: "a", User2: "b", Status: store.MatchPaired,
		WindowExpiresAt: clock.Now().Add(-time.Second), CreatedAt: clock.Now().Add(-2 * time.Minute),
	})
	require.NoError(t, st.Apply(t.Context(), b))

	require.NoError(t, sw.Sweep(t.Context()), "a busy item never fails the cycle")
	require.Len(t, mock.calls(&mock.resolved), 3, "initial attempt plus two retries")
}

func TestMatchd_Sweep_Sweep_ItemFailureDoesNotAbortCycle(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	st := memstore.New()
	mock := &mockEngine{
		ResolveExpiredFunc: func(_ context.Context, matchID string) error {
			if matchID == "m-bad" {
				return errors.New("boom")
			}
			return nil
		},
	}
	sw, err := sweep.New(sweep.Config{
		Logger: matchdtesting.NewLogger(),
		Clock:  clock,
		Store:  st,
		Engine: mock,
	})
	require.NoError(t, err)

	b := &store.Batch{}
	for _, id := range []string{"m-bad", "m-good"} {
		b.PutMatch(store.Match{
			ID: id, User1: "a" + id, User2: "b" + id, Status: store.MatchPaired,
			WindowExpiresAt: clock.Now().Add(-time.Second), CreatedAt: clock.Now().Add(-2 * time.Minute),
		})
	}
	require.NoError(t, st.Apply(t.Context(), b))

	require.NoError(t, sw.Sweep(t.Context()))
	require.ElementsMatch(t, []string{"m-bad", "m-good"}, mock.calls(&mock.resolved))
}

func TestMatchd_Sweep_Sweep_PairsEligibleWaitersEndToEnd(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	st := memstore.New()
	profiles := profile.NewStatic()
	profiles.Put(profile.Facts{UserID: "alice", Gender: profile.GenderFemale, Age: 30, Cities: []string{"berlin"}})
	profiles.Put(profile.Facts{UserID: "bob", Gender: profile.GenderMale, Age: 31, Cities: []string{"berlin"}})

	log := matchdtesting.NewLogger()
	eng, err := engine.New(engine.Config{
		Logger: log, Clock: clock, Store: st, Profiles: profiles,
		// The sweeper's pull path is under test; silence the push path.
		FormationTrigger: func(string) {},
	})
	require.NoError(t, err)
	sw, err := sweep.New(sweep.Config{Logger: log, Clock: clock, Store: st, Engine: eng})
	require.NoError(t, err)

	_, err = eng.Spin(t.Context(), "alice")
	require.NoError(t, err)
	_, err = eng.Spin(t.Context(), "bob")
	require.NoError(t, err)

	// One cycle pairs the two eligible waiters.
	require.NoError(t, sw.Sweep(t.Context()))
	alice, err := st.GetUser(t.Context(), "alice")
	require.NoError(t, err)
	require.Equal(t, store.UserMatched, alice.State)
	require.NotEmpty(t, alice.MatchID)

	// alice votes yes; bob stays silent and the window lapses.
	_, err = eng.RecordVote(t.Context(), "alice", alice.MatchID, store.VoteYes)
	require.NoError(t, err)
	clock.Advance(85 * time.Second)
	require.NoError(t, eng.Heartbeat(t.Context(), "alice"))
	clock.Advance(6 * time.Second)

	require.NoError(t, sw.Sweep(t.Context()))

	m, err := st.GetMatch(t.Context(), alice.MatchID)
	require.NoError(t, err)
	require.Equal(t, store.MatchEnded, m.Status)
	require.Equal(t, store.OutcomeYesPass, m.Outcome)

	alice, err = st.GetUser(t.Context(), "alice")
	require.NoError(t, err)
	require.Equal(t, store.UserWaiting, alice.State)
	require.Equal(t, engine.DefaultFairnessBoost, alice.Fairness)

	bob, err := st.GetUser(t.Context(), "bob")
	require.NoError(t, err)
	require.Equal(t, store.UserIdle, bob.State)
}

func TestMatchd_Sweep_Start_SweepsOnInterval(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	st := memstore.New()
	calls := make(chan struct{}, 16)
	mock := &mockEngine{
		CancelStaleFunc: func(context.Context, string) error {
			select {
			case calls <- struct{}{}:
			default:
			}
			return nil
		},
	}
	sw, err := sweep.New(sweep.Config{
		Logger:   matchdtesting.NewLogger(),
		Clock:    clock,
		Store:    st,
		Engine:   mock,
		Interval: 2 * time.Second,
	})
	require.NoError(t, err)

	b := &store.Batch{}
	b.PutMatch(store.Match{
		ID: "m-live", User1: "a", User2: "b", Status: store.MatchPaired,
		WindowExpiresAt: clock.Now().Add(10 * time.Minute), CreatedAt: clock.Now(),
	})
	require.NoError(t, st.Apply(t.Context(), b))

	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)
	sw.Start(ctx)

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the initial sweep")
	}
	require.NoError(t, sw.WaitReady(ctx))

	// The loop must be parked on the ticker before we advance.
	blockCtx, blockCancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(blockCancel)
	require.NoError(t, clock.BlockUntilContext(blockCtx, 1))
	clock.Advance(2*time.Second + time.Nanosecond)

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the ticker-driven sweep")
	}
}

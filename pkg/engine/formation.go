package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spindate/matchd/pkg/compat"
	"github.com/spindate/matchd/pkg/metrics"
	"github.com/spindate/matchd/pkg/profile"
	"github.com/spindate/matchd/pkg/store"
)

// SortByPriority orders waiting users for candidate selection and sweep
// kicks: highest fairness first, then longest wait, then id so the order is
// deterministic.
func SortByPriority(users []store.User) {
	slices.SortFunc(users, func(a, b store.User) int {
		if a.Fairness != b.Fairness {
			return b.Fairness - a.Fairness
		}
		if !a.WaitingSince.Equal(b.WaitingSince) {
			if a.WaitingSince.Before(b.WaitingSince) {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// TryMatch attempts to pair the initiator with the best compatible waiting
// user. It returns (nil, nil) when there is nothing to do: the initiator is
// no longer waiting, no longer eligible, or no candidate fits. ErrLockBusy means
// another attempt holds the initiator; callers drop the attempt and rely on
// the next trigger.
//
// Only the two user try-locks are ever held. A busy candidate is skipped,
// never waited on, so concurrent attempts cannot deadlock or convoy.
func (e *Engine) TryMatch(ctx context.Context, initiatorID string) (*store.Match, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FormationDeadline)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.MatchFormationDuration.Observe(time.Since(start).Seconds())
	}()

	unlock, err := e.cfg.Store.TryLockUser(ctx, initiatorID)
	if err != nil {
		if errors.Is(err, store.ErrLockBusy) {
			metrics.LockBusyTotal.WithLabelValues("formation").Inc()
		}
		return nil, err
	}
	defer unlock()

	now := e.now()
	initiator, err := e.cfg.Store.GetUser(ctx, initiatorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if initiator.State != store.UserWaiting || !e.eligible(now, initiator) {
		return nil, nil
	}

	initiatorFacts, err := e.cfg.Profiles.Facts(ctx, initiatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve initiator profile: %w", err)
	}

	candidates, err := e.cfg.Store.WaitingUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting users: %w", err)
	}
	SortByPriority(candidates)

	for _, cand := range candidates {
		if cand.ID == initiatorID || !e.eligible(now, cand) {
			continue
		}
		m, ok, err := e.tryPair(ctx, now, initiator, initiatorFacts, cand.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			return m, nil
		}
	}
	return nil, nil
}

// tryPair locks the candidate and re-validates everything under both locks
// before committing. Any check that fails skips the candidate without error;
// the snapshot the candidate came from may be stale by the time we get here.
func (e *Engine) tryPair(ctx context.Context, now time.Time, initiator store.User, initiatorFacts profile.Facts, candID string) (*store.Match, bool, error) {
	if matched, err := e.cfg.Store.HaveMatched(ctx, initiator.ID, candID); err != nil {
		return nil, false, fmt.Errorf("failed to check match history: %w", err)
	} else if matched {
		return nil, false, nil
	}

	candFacts, err := e.cfg.Profiles.Facts(ctx, candID)
	if err != nil {
		if errors.Is(err, profile.ErrUnknownUser) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to resolve candidate profile: %w", err)
	}
	if !compat.Compatible(initiatorFacts, candFacts) {
		return nil, false, nil
	}

	unlock, err := e.cfg.Store.TryLockUser(ctx, candID)
	if err != nil {
		if errors.Is(err, store.ErrLockBusy) {
			metrics.LockBusyTotal.WithLabelValues("formation_candidate").Inc()
			return nil, false, nil
		}
		return nil, false, err
	}
	defer unlock()

	// The initiator is pinned by our own lock, but the candidate snapshot
	// predates theirs. Re-read and re-check under both locks.
	cand, err := e.cfg.Store.GetUser(ctx, candID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if cand.State != store.UserWaiting || !e.eligible(now, cand) {
		return nil, false, nil
	}
	if matched, err := e.cfg.Store.HaveMatched(ctx, initiator.ID, candID); err != nil {
		return nil, false, fmt.Errorf("failed to re-check match history: %w", err)
	} else if matched {
		return nil, false, nil
	}

	u1, u2 := store.OrderPair(initiator.ID, candID)
	m := store.Match{
		ID:              uuid.NewString(),
		User1:           u1,
		User2:           u2,
		Status:          store.MatchPaired,
		WindowStartedAt: now,
		WindowExpiresAt: now.Add(e.cfg.VoteWindow),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	intoMatch(&initiator, m.ID, cand.ID, now)
	intoMatch(&cand, m.ID, initiator.ID, now)

	b := &store.Batch{}
	b.PutMatch(m)
	b.PutUser(initiator)
	b.PutUser(cand)
	if err := e.cfg.Store.Apply(ctx, b); err != nil {
		return nil, false, fmt.Errorf("failed to commit match: %w", err)
	}

	metrics.MatchesFormedTotal.Inc()
	e.log.Info("engine: match formed",
		"match", m.ID,
		"user1", m.User1,
		"user2", m.User2,
		"window_expires_at", m.WindowExpiresAt,
	)
	return &m, true, nil
}

// intoMatch moves a waiting user into a freshly formed match. Fairness rides
// along untouched: only the outcome resolver changes the score.
func intoMatch(u *store.User, matchID, partnerID string, now time.Time) {
	u.State = store.UserMatched
	u.MatchID = matchID
	u.PartnerID = partnerID
	u.WaitingSince = time.Time{}
	u.AcknowledgedAt = time.Time{}
	u.UpdatedAt = now
}

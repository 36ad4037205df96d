package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/spindate/matchd/pkg/fairness"
	"github.com/spindate/matchd/pkg/metrics"
	"github.com/spindate/matchd/pkg/store"
)

// RefreshFairness recomputes a waiting user's fairness from time waited.
// Stale waiters accrue too: they stay in the queue, merely ineligible until
// they check in again. The score only ever goes up and is capped; a fresh
// write happens only when the value actually changes.
func (e *Engine) RefreshFairness(ctx context.Context, userID string) error {
	unlock, err := e.cfg.Store.TryLockUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrLockBusy) {
			metrics.LockBusyTotal.WithLabelValues("refresh_fairness").Inc()
		}
		return err
	}
	defer unlock()

	now := e.now()
	u, err := e.cfg.Store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if u.State != store.UserWaiting {
		return nil
	}

	next := fairness.Refresh(u.Fairness, now.Sub(u.WaitingSince))
	if next == u.Fairness {
		return nil
	}
	u.Fairness = next
	u.UpdatedAt = now

	b := &store.Batch{}
	b.PutUser(u)
	if err := e.cfg.Store.Apply(ctx, b); err != nil {
		return fmt.Errorf("failed to refresh fairness: %w", err)
	}
	return nil
}

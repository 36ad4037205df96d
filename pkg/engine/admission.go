package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spindate/matchd/pkg/fairness"
	"github.com/spindate/matchd/pkg/metrics"
	"github.com/spindate/matchd/pkg/profile"
	"github.com/spindate/matchd/pkg/store"
)

// SpinResult reports what admission did with the user.
type SpinResult struct {
	State        store.UserState
	WaitingSince time.Time
	Fairness     int
}

// Spin admits the user to the waiting queue and immediately kicks pair
// formation. A repeat spin while already waiting refreshes liveness and
// keeps the original queue position. Spinning during a live match or a video
// date never clears the match: it degrades to a heartbeat, so a racing
// re-spin cannot destroy a pairing made milliseconds earlier.
func (e *Engine) Spin(ctx context.Context, userID string) (SpinResult, error) {
	res, waiting, err := e.admit(ctx, userID)
	if err != nil {
		return res, err
	}
	if waiting {
		// Kicked after the admitting commit and outside the user lock,
		// so the attempt sees the queue entry and can take the lock.
		e.kickFormation(userID)
	}
	return res, nil
}

func (e *Engine) admit(ctx context.Context, userID string) (SpinResult, bool, error) {
	if _, err := e.cfg.Profiles.Facts(ctx, userID); err != nil {
		if errors.Is(err, profile.ErrUnknownUser) {
			return SpinResult{}, false, fmt.Errorf("spin %s: %w", userID, ErrUnknownUser)
		}
		return SpinResult{}, false, fmt.Errorf("failed to resolve profile: %w", err)
	}

	unlock, err := e.cfg.Store.LockUser(ctx, userID)
	if err != nil {
		return SpinResult{}, false, fmt.Errorf("failed to lock user: %w", err)
	}
	defer unlock()

	now := e.now()
	u, err := e.cfg.Store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		u = store.User{ID: userID, State: store.UserIdle, CreatedAt: now}
	} else if err != nil {
		return SpinResult{}, false, err
	}

	u.LastActive = maxTime(now, u.LastActive)
	u.UpdatedAt = now

	admitted := false
	switch u.State {
	case store.UserIdle:
		u.State = store.UserWaiting
		u.WaitingSince = now
		u.Fairness = fairness.Clamp(u.Fairness)
		admitted = true
	case store.UserWaiting:
		// Queue position and accrued fairness survive a repeat spin.
	default:
		b := &store.Batch{}
		b.PutUser(u)
		if err := e.cfg.Store.Apply(ctx, b); err != nil {
			return SpinResult{}, false, fmt.Errorf("failed to record presence: %w", err)
		}
		metrics.SpinsTotal.WithLabelValues("presence").Inc()
		e.log.Debug("engine: spin during live match counts as presence", "user", userID, "state", u.State)
		return SpinResult{State: u.State}, false, nil
	}

	b := &store.Batch{}
	b.PutUser(u)
	if err := e.cfg.Store.Apply(ctx, b); err != nil {
		return SpinResult{}, false, fmt.Errorf("failed to admit user: %w", err)
	}

	if admitted {
		metrics.SpinsTotal.WithLabelValues("admitted").Inc()
	} else {
		metrics.SpinsTotal.WithLabelValues("requeued").Inc()
	}
	e.log.Debug("engine: user in queue", "user", userID, "fairness", u.Fairness, "waiting_since", u.WaitingSince)
	return SpinResult{State: u.State, WaitingSince: u.WaitingSince, Fairness: u.Fairness}, true, nil
}

// Heartbeat refreshes liveness without touching state. Status polls do not
// count as presence; only spins and heartbeats do.
func (e *Engine) Heartbeat(ctx context.Context, userID string) error {
	unlock, err := e.cfg.Store.LockUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	defer unlock()

	u, err := e.cfg.Store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("heartbeat %s: %w", userID, ErrUnknownUser)
	} else if err != nil {
		return err
	}

	now := e.now()
	u.LastActive = maxTime(now, u.LastActive)
	u.UpdatedAt = now

	b := &store.Batch{}
	b.PutUser(u)
	if err := e.cfg.Store.Apply(ctx, b); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	metrics.HeartbeatsTotal.Inc()
	return nil
}

// Leave withdraws a waiting user from the queue. Accrued fairness stays on
// the record and applies to their next spin.
func (e *Engine) Leave(ctx context.Context, userID string) error {
	unlock, err := e.cfg.Store.LockUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	defer unlock()

	u, err := e.cfg.Store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("leave %s: %w", userID, ErrUnknownUser)
	} else if err != nil {
		return err
	}
	if u.State != store.UserWaiting {
		return fmt.Errorf("leave %s in state %s: %w", userID, u.State, ErrBadState)
	}

	now := e.now()
	u.State = store.UserIdle
	u.WaitingSince = time.Time{}
	u.LastActive = maxTime(now, u.LastActive)
	u.UpdatedAt = now

	b := &store.Batch{}
	b.PutUser(u)
	if err := e.cfg.Store.Apply(ctx, b); err != nil {
		return fmt.Errorf("failed to leave queue: %w", err)
	}
	e.log.Debug("engine: user left queue", "user", userID, "fairness", u.Fairness)
	return nil
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/spindate/matchd/pkg/store"
)

// BeginVideoDate moves both participants of a mutual-yes match into the
// video_date state. The video collaborator calls this when the call starts;
// until then both users sit in idle and may not spin into new matches once
// the call begins.
func (e *Engine) BeginVideoDate(ctx context.Context, matchID string) error {
	unlockM, err := e.cfg.Store.LockMatch(ctx, matchID)
	if err != nil {
		return fmt.Errorf("failed to lock match: %w", err)
	}
	defer unlockM()

	m, err := e.cfg.Store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if m.Status != store.MatchEnded || m.Outcome != store.OutcomeBothYes {
		return fmt.Errorf("begin video date on %s (%s/%s): %w", matchID, m.Status, m.Outcome, ErrBadState)
	}

	unlockUsers, err := e.lockBothUsers(ctx, &m)
	if err != nil {
		return fmt.Errorf("failed to lock participants: %w", err)
	}
	defer unlockUsers()

	u1, u2, err := e.participants(ctx, &m)
	if err != nil {
		return err
	}
	if u1.State == store.UserVideoDate && u2.State == store.UserVideoDate &&
		u1.MatchID == m.ID && u2.MatchID == m.ID {
		return nil
	}
	if u1.State != store.UserIdle || u2.State != store.UserIdle {
		return fmt.Errorf("begin video date on %s with users %s/%s: %w", matchID, u1.State, u2.State, ErrBadState)
	}

	now := e.now()
	intoVideoDate(&u1, m.ID, m.User2, now)
	intoVideoDate(&u2, m.ID, m.User1, now)

	b := &store.Batch{}
	b.PutUser(u1)
	b.PutUser(u2)
	if err := e.cfg.Store.Apply(ctx, b); err != nil {
		return fmt.Errorf("failed to begin video date: %w", err)
	}
	e.log.Info("engine: video date started", "match", m.ID, "user1", m.User1, "user2", m.User2)
	return nil
}

// EndVideoDate returns both participants to idle when the call ends.
// Idempotent: ending a date that already ended is a no-op.
func (e *Engine) EndVideoDate(ctx context.Context, matchID string) error {
	unlockM, err := e.cfg.Store.LockMatch(ctx, matchID)
	if err != nil {
		return fmt.Errorf("failed to lock match: %w", err)
	}
	defer unlockM()

	m, err := e.cfg.Store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}

	unlockUsers, err := e.lockBothUsers(ctx, &m)
	if err != nil {
		return fmt.Errorf("failed to lock participants: %w", err)
	}
	defer unlockUsers()

	u1, u2, err := e.participants(ctx, &m)
	if err != nil {
		return err
	}
	inDate1 := u1.State == store.UserVideoDate && u1.MatchID == m.ID
	inDate2 := u2.State == store.UserVideoDate && u2.MatchID == m.ID
	if !inDate1 && !inDate2 {
		return nil
	}
	if !inDate1 || !inDate2 {
		e.reportInvariant("video date with one participant missing", "match", m.ID)
	}

	now := e.now()
	if inDate1 {
		clearToIdle(&u1, now)
	}
	if inDate2 {
		clearToIdle(&u2, now)
	}

	b := &store.Batch{}
	b.PutUser(u1)
	b.PutUser(u2)
	if err := e.cfg.Store.Apply(ctx, b); err != nil {
		return fmt.Errorf("failed to end video date: %w", err)
	}
	e.log.Info("engine: video date ended", "match", m.ID)
	return nil
}

func intoVideoDate(u *store.User, matchID, partnerID string, now time.Time) {
	u.State = store.UserVideoDate
	u.MatchID = matchID
	u.PartnerID = partnerID
	u.UpdatedAt = now
}

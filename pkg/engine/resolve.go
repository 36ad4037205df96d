package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spindate/matchd/pkg/fairness"
	"github.com/spindate/matchd/pkg/metrics"
	"github.com/spindate/matchd/pkg/store"
)

const (
	resolveSourceVote  = "vote"
	resolveSourceSweep = "sweep"
)

// classify derives the outcome from the recorded votes. A missing vote
// counts as silence, never as interest.
func classify(v1, v2 store.Vote) store.Outcome {
	switch {
	case v1 == store.VoteYes && v2 == store.VoteYes:
		return store.OutcomeBothYes
	case v1 == store.VoteYes || v2 == store.VoteYes:
		return store.OutcomeYesPass
	case v1 == store.VotePass || v2 == store.VotePass:
		return store.OutcomePassPass
	default:
		return store.OutcomeIdleIdle
	}
}

// resolveLocked ends a live match and applies the outcome to both users in
// one batch. The caller holds the match lock and both user locks. On mutual
// yes the returned video date is emitted by the caller after the commit.
func (e *Engine) resolveLocked(ctx context.Context, m *store.Match, u1, u2 *store.User, now time.Time, source string) (*VideoDate, error) {
	m.Status = store.MatchEnded
	m.Outcome = classify(m.User1Vote, m.User2Vote)
	m.EndedAt = now
	m.UpdatedAt = now

	var vd *VideoDate
	if m.Outcome == store.OutcomeBothYes {
		// Both users park in idle until the video collaborator picks the
		// pair up; the ended match carries the outcome for them to read.
		clearToIdle(u1, now)
		clearToIdle(u2, now)
		vd = &VideoDate{MatchID: m.ID, User1: m.User1, User2: m.User2, CreatedAt: now}
	} else {
		e.applyOutcome(u1, m.User1Vote, now)
		e.applyOutcome(u2, m.User2Vote, now)
	}

	b := &store.Batch{}
	b.PutMatch(*m)
	b.PutUser(*u1)
	b.PutUser(*u2)
	b.AddHistory(m.User1, m.User2, store.ReasonCompleted, now)
	if err := e.cfg.Store.Apply(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to commit resolution: %w", err)
	}

	metrics.MatchesResolvedTotal.WithLabelValues(string(m.Outcome), source).Inc()
	e.log.Info("engine: match resolved",
		"match", m.ID,
		"outcome", m.Outcome,
		"source", source,
		"user1", m.User1,
		"user2", m.User2,
	)
	e.kickRespun(u1, u2)
	return vd, nil
}

// kickRespun fires formation for every participant the resolution returned
// to the queue.
func (e *Engine) kickRespun(users ...*store.User) {
	for _, u := range users {
		if u.State == store.UserWaiting {
			e.kickFormation(u.ID)
		}
	}
}

// emitVideoDate hands a mutual-yes pair to the video collaborator. The
// resolution is already committed; a sink failure is logged and the pair is
// recovered later from the ended match record.
func (e *Engine) emitVideoDate(ctx context.Context, vd *VideoDate) {
	if vd == nil {
		return
	}
	if err := e.cfg.VideoDates.Create(ctx, *vd); err != nil {
		e.log.Error("engine: failed to emit video date", "match", vd.MatchID, "error", err)
		return
	}
	metrics.VideoDatesTotal.Inc()
}

// applyOutcome routes one participant out of a resolved match based on
// their own vote. An unreciprocated yes earns a boost and a respin, a pass
// respins at the current score, silence goes idle.
func (e *Engine) applyOutcome(u *store.User, vote store.Vote, now time.Time) {
	switch vote {
	case store.VoteYes:
		u.Fairness = fairness.Boost(u.Fairness, e.cfg.FairnessBoost)
		metrics.FairnessBoostsTotal.Inc()
		requeue(u, now)
	case store.VotePass:
		requeue(u, now)
	default:
		clearToIdle(u, now)
	}
}

// requeue is the auto-respin: straight back to waiting, committed inside the
// same batch that resolves the match.
func requeue(u *store.User, now time.Time) {
	u.State = store.UserWaiting
	u.MatchID = ""
	u.PartnerID = ""
	u.WaitingSince = now
	u.AcknowledgedAt = time.Time{}
	u.UpdatedAt = now
}

func clearToIdle(u *store.User, now time.Time) {
	u.State = store.UserIdle
	u.MatchID = ""
	u.PartnerID = ""
	u.WaitingSince = time.Time{}
	u.AcknowledgedAt = time.Time{}
	u.UpdatedAt = now
}

// ResolveExpired resolves a live match whose window has lapsed, classifying
// whatever votes were recorded. It is a no-op when the match is already
// resolved or the window is still open. ErrLockBusy flows out so the sweeper
// can retry with backoff.
func (e *Engine) ResolveExpired(ctx context.Context, matchID string) error {
	unlockM, err := e.cfg.Store.TryLockMatch(ctx, matchID)
	if err != nil {
		if errors.Is(err, store.ErrLockBusy) {
			metrics.LockBusyTotal.WithLabelValues("resolve_expired").Inc()
		}
		return err
	}
	defer unlockM()

	now := e.now()
	m, err := e.cfg.Store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if !m.Status.Live() || now.Before(m.WindowExpiresAt) {
		return nil
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

	vd, err := e.resolveLocked(ctx, &m, &u1, &u2, now, resolveSourceSweep)
	if err != nil {
		return err
	}
	e.emitVideoDate(ctx, vd)
	return nil
}

// CancelStale cancels a live match when a participant has gone stale before
// the window expires. Matches younger than MatchGrace are left alone so both
// sides get a chance to send their first heartbeat. A fresh side that
// already voted is requeued, boosted when the vote was yes; a fresh side
// that never voted and the stale side go idle. The pair still lands in
// history so they are never paired again.
func (e *Engine) CancelStale(ctx context.Context, matchID string) error {
	unlockM, err := e.cfg.Store.TryLockMatch(ctx, matchID)
	if err != nil {
		if errors.Is(err, store.ErrLockBusy) {
			metrics.LockBusyTotal.WithLabelValues("cancel_stale").Inc()
		}
		return err
	}
	defer unlockM()

	now := e.now()
	m, err := e.cfg.Store.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	if !m.Status.Live() || !now.Before(m.WindowExpiresAt) {
		return nil
	}
	if now.Sub(m.CreatedAt) < e.cfg.MatchGrace {
		return nil
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
	fresh1, fresh2 := e.fresh(now, u1), e.fresh(now, u2)
	if fresh1 && fresh2 {
		return nil
	}

	m.Status = store.MatchCancelled
	m.EndedAt = now
	m.UpdatedAt = now

	e.applyCancellation(&u1, m.User1Vote, fresh1, now)
	e.applyCancellation(&u2, m.User2Vote, fresh2, now)

	b := &store.Batch{}
	b.PutMatch(m)
	b.PutUser(u1)
	b.PutUser(u2)
	b.AddHistory(m.User1, m.User2, store.ReasonCancelled, now)
	if err := e.cfg.Store.Apply(ctx, b); err != nil {
		return fmt.Errorf("failed to commit cancellation: %w", err)
	}

	metrics.MatchesCancelledTotal.Inc()
	e.log.Info("engine: stale match cancelled",
		"match", m.ID,
		"user1", m.User1, "user1_fresh", fresh1,
		"user2", m.User2, "user2_fresh", fresh2,
	)
	e.kickRespun(&u1, &u2)
	return nil
}

// applyCancellation routes one participant out of a cancelled match. Only a
// fresh side with a recorded vote is requeued; a walked-away partner earns
// nothing, and a fresh side that never engaged is not forced to respin.
func (e *Engine) applyCancellation(u *store.User, vote store.Vote, fresh bool, now time.Time) {
	if !fresh || vote == store.VoteNone {
		clearToIdle(u, now)
		return
	}
	e.applyOutcome(u, vote, now)
}

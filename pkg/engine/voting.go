package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/spindate/matchd/pkg/metrics"
	"github.com/spindate/matchd/pkg/store"
)

// AckResult reports the window state after an acknowledgement.
type AckResult struct {
	ExpiresAt time.Time
	Remaining time.Duration
}

// Acknowledge records that the user has seen their match. The first
// participant interaction upgrades the match from paired to active; the
// user moves to vote_window. The window itself always runs from match
// creation, so acknowledging late buys no extra time. Repeat calls are
// no-ops.
func (e *Engine) Acknowledge(ctx context.Context, userID, matchID string) (AckResult, error) {
	unlockM, err := e.cfg.Store.LockMatch(ctx, matchID)
	if err != nil {
		return AckResult{}, fmt.Errorf("failed to lock match: %w", err)
	}
	defer unlockM()

	now := e.now()
	m, err := e.cfg.Store.GetMatch(ctx, matchID)
	if err != nil {
		return AckResult{}, err
	}
	if !m.HasParticipant(userID) {
		return AckResult{}, fmt.Errorf("acknowledge %s by %s: %w", matchID, userID, ErrNotParticipant)
	}
	if !m.Status.Live() || !now.Before(m.WindowExpiresAt) {
		return AckResult{}, fmt.Errorf("acknowledge %s: %w", matchID, ErrWindowClosed)
	}

	unlockU, err := e.cfg.Store.LockUser(ctx, userID)
	if err != nil {
		return AckResult{}, fmt.Errorf("failed to lock user: %w", err)
	}
	defer unlockU()

	u, err := e.cfg.Store.GetUser(ctx, userID)
	if err != nil {
		return AckResult{}, err
	}
	if u.MatchID != m.ID || !u.State.InLiveMatch() {
		e.reportInvariant("live match participant not in it", "match", m.ID, "user", userID, "state", u.State)
		return AckResult{}, fmt.Errorf("acknowledge %s by %s: %w", matchID, userID, ErrBadState)
	}

	b := &store.Batch{}
	if m.Status == store.MatchPaired {
		m.Status = store.MatchActive
		m.UpdatedAt = now
		b.PutMatch(m)
	}
	if u.AcknowledgedAt.IsZero() {
		u.AcknowledgedAt = now
	}
	if u.State == store.UserMatched {
		u.State = store.UserVoteWindow
	}
	u.LastActive = maxTime(now, u.LastActive)
	u.UpdatedAt = now
	b.PutUser(u)

	if err := e.cfg.Store.Apply(ctx, b); err != nil {
		return AckResult{}, fmt.Errorf("failed to record acknowledgement: %w", err)
	}
	e.log.Debug("engine: match acknowledged", "match", m.ID, "user", userID)
	return AckResult{ExpiresAt: m.WindowExpiresAt, Remaining: m.WindowExpiresAt.Sub(now)}, nil
}

// VoteResult reports what a vote did.
type VoteResult struct {
	Resolved          bool
	Outcome           store.Outcome
	WaitingForPartner bool
	ExpiresAt         time.Time
}

// RecordVote registers a yes or pass inside the window. Votes may be changed
// until the match resolves. A pass resolves immediately; a yes resolves only
// once the partner has also voted yes. Voting on a match that already
// resolved reports the outcome instead of an error, so a racing client gets
// a usable answer.
func (e *Engine) RecordVote(ctx context.Context, userID, matchID string, vote store.Vote) (VoteResult, error) {
	if vote != store.VoteYes && vote != store.VotePass {
		return VoteResult{}, fmt.Errorf("vote %q: %w", vote, ErrBadVote)
	}

	unlockM, err := e.cfg.Store.LockMatch(ctx, matchID)
	if err != nil {
		return VoteResult{}, fmt.Errorf("failed to lock match: %w", err)
	}
	defer unlockM()

	now := e.now()
	m, err := e.cfg.Store.GetMatch(ctx, matchID)
	if err != nil {
		return VoteResult{}, err
	}
	if !m.HasParticipant(userID) {
		return VoteResult{}, fmt.Errorf("vote on %s by %s: %w", matchID, userID, ErrNotParticipant)
	}
	if m.Status == store.MatchEnded {
		return VoteResult{Resolved: true, Outcome: m.Outcome}, nil
	}
	if m.Status == store.MatchCancelled {
		return VoteResult{}, fmt.Errorf("vote on cancelled %s: %w", matchID, ErrWindowClosed)
	}
	if !now.Before(m.WindowExpiresAt) {
		return VoteResult{}, fmt.Errorf("vote on %s: %w", matchID, ErrWindowClosed)
	}

	unlockUsers, err := e.lockBothUsers(ctx, &m)
	if err != nil {
		return VoteResult{}, fmt.Errorf("failed to lock participants: %w", err)
	}
	defer unlockUsers()

	u1, u2, err := e.participants(ctx, &m)
	if err != nil {
		return VoteResult{}, err
	}

	m.SetVote(userID, vote)
	if m.Status == store.MatchPaired {
		m.Status = store.MatchActive
	}
	m.UpdatedAt = now

	voter := &u1
	if userID == m.User2 {
		voter = &u2
	}
	voter.LastActive = maxTime(now, voter.LastActive)
	if voter.AcknowledgedAt.IsZero() {
		voter.AcknowledgedAt = now
	}
	if voter.State == store.UserMatched {
		voter.State = store.UserVoteWindow
	}
	voter.UpdatedAt = now

	metrics.VotesTotal.WithLabelValues(string(vote)).Inc()

	partnerVote := m.VoteOf(m.PartnerOf(userID))
	if vote == store.VotePass || partnerVote == store.VoteYes {
		vd, err := e.resolveLocked(ctx, &m, &u1, &u2, now, resolveSourceVote)
		if err != nil {
			return VoteResult{}, err
		}
		e.emitVideoDate(ctx, vd)
		return VoteResult{Resolved: true, Outcome: m.Outcome}, nil
	}

	b := &store.Batch{}
	b.PutMatch(m)
	b.PutUser(*voter)
	if err := e.cfg.Store.Apply(ctx, b); err != nil {
		return VoteResult{}, fmt.Errorf("failed to record vote: %w", err)
	}
	e.log.Debug("engine: vote recorded", "match", m.ID, "user", userID, "vote", vote)
	return VoteResult{WaitingForPartner: true, ExpiresAt: m.WindowExpiresAt}, nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spindate/matchd/pkg/profile"
	"github.com/spindate/matchd/pkg/store"
)

// Status is the read model clients poll. Reads take no locks and never count
// as presence.
type Status struct {
	UserID   string           `json:"user_id"`
	State    store.UserState  `json:"state"`
	Fairness int              `json:"fairness"`
	Waiting  time.Duration    `json:"waiting,omitempty"`
	Match    *MatchStatusView `json:"match,omitempty"`
}

// MatchStatusView is the match slice of a status response, present whenever
// the user is attached to a match.
type MatchStatusView struct {
	MatchID      string            `json:"match_id"`
	PartnerID    string            `json:"partner_id"`
	Status       store.MatchStatus `json:"status"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Remaining    time.Duration     `json:"remaining"`
	YourVote     store.Vote        `json:"your_vote,omitempty"`
	PartnerVoted bool              `json:"partner_voted"`
	Outcome      store.Outcome     `json:"outcome,omitempty"`
	Acknowledged bool              `json:"acknowledged"`
}

// Status reports the user's current view of the system. A user with a
// profile but no record yet reads as idle. Remaining is clamped at zero for
// an expired window the sweeper has not collected yet.
func (e *Engine) Status(ctx context.Context, userID string) (Status, error) {
	now := e.now()
	u, err := e.cfg.Store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		if _, perr := e.cfg.Profiles.Facts(ctx, userID); perr != nil {
			if errors.Is(perr, profile.ErrUnknownUser) {
				return Status{}, fmt.Errorf("status for %s: %w", userID, ErrUnknownUser)
			}
			return Status{}, fmt.Errorf("failed to resolve profile: %w", perr)
		}
		return Status{UserID: userID, State: store.UserIdle}, nil
	} else if err != nil {
		return Status{}, err
	}

	st := Status{UserID: userID, State: u.State, Fairness: u.Fairness}
	if u.State == store.UserWaiting {
		st.Waiting = now.Sub(u.WaitingSince)
	}
	if u.MatchID == "" {
		return st, nil
	}

	m, err := e.cfg.Store.GetMatch(ctx, u.MatchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.reportInvariant("user attached to missing match", "user", userID, "match", u.MatchID)
			return st, nil
		}
		return Status{}, err
	}

	partner := m.PartnerOf(userID)
	mv := &MatchStatusView{
		MatchID:      m.ID,
		PartnerID:    partner,
		Status:       m.Status,
		ExpiresAt:    m.WindowExpiresAt,
		YourVote:     m.VoteOf(userID),
		PartnerVoted: m.VoteOf(partner) != store.VoteNone,
		Outcome:      m.Outcome,
		Acknowledged: !u.AcknowledgedAt.IsZero(),
	}
	if m.Status.Live() {
		if rem := m.WindowExpiresAt.Sub(now); rem > 0 {
			mv.Remaining = rem
		}
	}
	st.Match = mv
	return st, nil
}

package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spindate/matchd/pkg/store"
)

const (
	userColumns  = `id, state, match_id, partner_id, fairness, waiting_since, last_active, acknowledged_at, created_at, updated_at`
	matchColumns = `id, user1, user2, status, window_started_at, window_expires_at, user1_vote, user2_vote, outcome, created_at, updated_at, ended_at`
)

func (p *PG) GetUser(ctx context.Context, userID string) (store.User, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.User{}, fmt.Errorf("user %q: %w", userID, store.ErrNotFound)
		}
		return store.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

func (p *PG) GetMatch(ctx context.Context, matchID string) (store.Match, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, matchID)
	m, err := scanMatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Match{}, fmt.Errorf("match %q: %w", matchID, store.ErrNotFound)
		}
		return store.Match{}, fmt.Errorf("failed to query match: %w", err)
	}
	return m, nil
}

func (p *PG) WaitingUsers(ctx context.Context) ([]store.User, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+userColumns+` FROM users WHERE state = 'waiting'`)
	if err != nil {
		return nil, fmt.Errorf("failed to query waiting users: %w", err)
	}
	defer rows.Close()

	var out []store.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan waiting user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate waiting users: %w", err)
	}
	return out, nil
}

func (p *PG) LiveMatches(ctx context.Context) ([]store.Match, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+matchColumns+` FROM matches WHERE status IN ('paired', 'active')`)
	if err != nil {
		return nil, fmt.Errorf("failed to query live matches: %w", err)
	}
	defer rows.Close()

	var out []store.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan live match: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate live matches: %w", err)
	}
	return out, nil
}

func (p *PG) HaveMatched(ctx context.Context, a, b string) (bool, error) {
	u1, u2 := store.OrderPair(a, b)
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM match_history WHERE user1 = $1 AND user2 = $2)
	`, u1, u2).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query match history: %w", err)
	}
	return exists, nil
}

func (p *PG) Apply(ctx context.Context, b *store.Batch) error {
	if b.Empty() {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			p.log.Error("pgstore: failed to rollback transaction", "error", err)
		}
	}()

	for _, u := range b.Users {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (`+userColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				state = EXCLUDED.state,
				match_id = EXCLUDED.match_id,
				partner_id = EXCLUDED.partner_id,
				fairness = EXCLUDED.fairness,
				waiting_since = EXCLUDED.waiting_since,
				last_active = EXCLUDED.last_active,
				acknowledged_at = EXCLUDED.acknowledged_at,
				updated_at = EXCLUDED.updated_at
		`, u.ID, string(u.State), nullStr(u.MatchID), nullStr(u.PartnerID), u.Fairness,
			nullTime(u.WaitingSince), nullTime(u.LastActive), nullTime(u.AcknowledgedAt),
			u.CreatedAt, u.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert user %q: %w", u.ID, err)
		}
	}

	for _, m := range b.Matches {
		_, err := tx.Exec(ctx, `
			INSERT INTO matches (`+matchColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				user1_vote = EXCLUDED.user1_vote,
				user2_vote = EXCLUDED.user2_vote,
				outcome = EXCLUDED.outcome,
				updated_at = EXCLUDED.updated_at,
				ended_at = EXCLUDED.ended_at
		`, m.ID, m.User1, m.User2, string(m.Status), m.WindowStartedAt, m.WindowExpiresAt,
			nullStr(string(m.User1Vote)), nullStr(string(m.User2Vote)), nullStr(string(m.Outcome)),
			m.CreatedAt, m.UpdatedAt, nullTime(m.EndedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert match %q: %w", m.ID, err)
		}
	}

	for _, h := range b.History {
		_, err := tx.Exec(ctx, `
			INSERT INTO match_history (user1, user2, reason, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user1, user2) DO NOTHING
		`, h.User1, h.User2, string(h.Reason), h.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert history for %q/%q: %w", h.User1, h.User2, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (store.User, error) {
	var u store.User
	var state string
	var matchID, partnerID *string
	var waitingSince, lastActive, acknowledgedAt *time.Time
	err := row.Scan(&u.ID, &state, &matchID, &partnerID, &u.Fairness,
		&waitingSince, &lastActive, &acknowledgedAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return store.User{}, err
	}
	u.State = store.UserState(state)
	u.MatchID = strOrEmpty(matchID)
	u.PartnerID = strOrEmpty(partnerID)
	u.WaitingSince = timeOrZero(waitingSince)
	u.LastActive = timeOrZero(lastActive)
	u.AcknowledgedAt = timeOrZero(acknowledgedAt)
	return u, nil
}

func scanMatch(row pgx.Row) (store.Match, error) {
	var m store.Match
	var status string
	var user1Vote, user2Vote, outcome *string
	var endedAt *time.Time
	err := row.Scan(&m.ID, &m.User1, &m.User2, &status, &m.WindowStartedAt, &m.WindowExpiresAt,
		&user1Vote, &user2Vote, &outcome, &m.CreatedAt, &m.UpdatedAt, &endedAt)
	if err != nil {
		return store.Match{}, err
	}
	m.Status = store.MatchStatus(status)
	m.User1Vote = store.Vote(strOrEmpty(user1Vote))
	m.User2Vote = store.Vote(strOrEmpty(user2Vote))
	m.Outcome = store.Outcome(strOrEmpty(outcome))
	m.EndedAt = timeOrZero(endedAt)
	return m, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func strOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func timeOrZero(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return *p
}

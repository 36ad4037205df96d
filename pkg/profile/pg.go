package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is a Directory backed by the profiles table. The table is seeded by the
// profile service (or matchd-admin for dev); matchd never writes it.
type PG struct {
	pool *pgxpool.Pool
}

func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

func (p *PG) Facts(ctx context.Context, userID string) (Facts, error) {
	var f Facts
	err := p.pool.QueryRow(ctx, `
		SELECT user_id, gender, age, age_min, age_max, cities, gender_preference
		FROM profiles
		WHERE user_id = $1
	`, userID).Scan(&f.UserID, &f.Gender, &f.Age, &f.AgeMin, &f.AgeMax, &f.Cities, &f.Preference)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Facts{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
		}
		return Facts{}, fmt.Errorf("failed to query profile: %w", err)
	}
	return f, nil
}

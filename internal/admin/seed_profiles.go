package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spindate/matchd/pkg/profile"
	"github.com/spindate/matchd/pkg/store/pgstore"
)

// SeedProfiles upserts a JSON array of profile facts into the profiles table.
// Dev convenience only; in production the profile service owns that table.
func SeedProfiles(log *slog.Logger, connStr, path string, dryRun bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read profiles file: %w", err)
	}
	var facts []profile.Facts
	if err := json.Unmarshal(data, &facts); err != nil {
		return fmt.Errorf("failed to parse profiles file: %w", err)
	}
	for i, f := range facts {
		if f.UserID == "" {
			return fmt.Errorf("profiles file entry %d missing user_id", i)
		}
	}

	if dryRun {
		fmt.Printf("[DRY RUN] Would upsert %d profile(s) from %s\n", len(facts), path)
		return nil
	}

	ctx := context.Background()
	pool, err := pgstore.Connect(ctx, connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	for _, f := range facts {
		_, err := pool.Exec(ctx, `
			INSERT INTO profiles (user_id, gender, age, age_min, age_max, cities, gender_preference)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id) DO UPDATE SET
				gender = EXCLUDED.gender,
				age = EXCLUDED.age,
				age_min = EXCLUDED.age_min,
				age_max = EXCLUDED.age_max,
				cities = EXCLUDED.cities,
				gender_preference = EXCLUDED.gender_preference
		`, f.UserID, f.Gender, f.Age, f.AgeMin, f.AgeMax, f.Cities, f.Preference)
		if err != nil {
			return fmt.Errorf("failed to upsert profile %s: %w", f.UserID, err)
		}
	}

	log.Info("admin: profiles seeded", "count", len(facts), "path", path)
	return nil
}

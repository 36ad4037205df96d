package pgstore_test

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/spindate/matchd/pkg/store"
	"github.com/spindate/matchd/pkg/store/pgstore"
	"github.com/spindate/matchd/pkg/store/storetest"
	matchdtesting "github.com/spindate/matchd/utils/pkg/testing"
)

func truncateAll(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(t.Context(), `TRUNCATE users, matches, match_history, profiles`)
	require.NoError(t, err)
}

func TestMatchd_Store_PG_Conformance(t *testing.T) {
	log := matchdtesting.NewLogger()
	pool := matchdtesting.SetupPool(t, testPG, pgstore.Migrate)

	storetest.Run(t, func(t *testing.T) store.Store {
		truncateAll(t, pool)
		return pgstore.New(log, pool)
	})
}

func TestMatchd_Store_PG_LocksSpanConnections(t *testing.T) {
	log := matchdtesting.NewLogger()

	// Two pools simulate two processes sharing the database: a lock taken
	// through one must be visible to the other.
	poolA := matchdtesting.SetupPool(t, testPG, pgstore.Migrate)
	poolB := matchdtesting.SetupPool(t, testPG, pgstore.Migrate)
	storeA := pgstore.New(log, poolA)
	storeB := pgstore.New(log, poolB)

	unlock, err := storeA.TryLockUser(t.Context(), "alice")
	require.NoError(t, err)

	_, err = storeB.TryLockUser(t.Context(), "alice")
	require.ErrorIs(t, err, store.ErrLockBusy)

	unlock()

	unlockB, err := storeB.TryLockUser(t.Context(), "alice")
	require.NoError(t, err)
	unlockB()
}

func TestMatchd_Store_PG_MigrateIsIdempotent(t *testing.T) {
	// SetupPool migrates once; a second run must be a no-op.
	pool := matchdtesting.SetupPool(t, testPG, pgstore.Migrate)
	require.NoError(t, pgstore.MigrateConnStr(testPG.ConnStr()))

	var n int
	err := pool.QueryRow(t.Context(), `SELECT COUNT(*) FROM goose_db_version`).Scan(&n)
	require.NoError(t, err)
	require.Positive(t, n)
}

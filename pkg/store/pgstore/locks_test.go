package pgstore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchd_PGStore_LockKey_SeparatesClassesAndIDs(t *testing.T) {
	t.Parallel()

	require.Equal(t, lockKey(lockClassUser, "alice"), lockKey(lockClassUser, "alice"), "keys are stable")
	require.NotEqual(t, lockKey(lockClassUser, "alice"), lockKey(lockClassMatch, "alice"),
		"a user and a match with the same id never share a lock")

	// Both participant locks are held at once during formation, on separate
	// sessions; colliding keys there would deadlock. Check a realistic id
	// population stays collision-free.
	seen := map[int64]string{}
	for i := 0; i < 100_000; i++ {
		id := fmt.Sprintf("user-%06d", i)
		key := lockKey(lockClassUser, id)
		if prev, ok := seen[key]; ok {
			t.Fatalf("ids %q and %q share lock key %d", prev, id, key)
		}
		seen[key] = id
	}
}

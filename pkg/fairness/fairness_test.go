package fairness_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spindate/matchd/pkg/fairness"
)

func TestMatchd_Fairness_Score_StepBoundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		waited time.Duration
		want   int
	}{
		{0, 0},
		{19 * time.Second, 0},
		{20 * time.Second, 5},
		{59 * time.Second, 5},
		{time.Minute, 10},
		{2*time.Minute - time.Second, 10},
		{2 * time.Minute, 15},
		{5*time.Minute - time.Second, 15},
		{5 * time.Minute, 20},
		{time.Hour, 20},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("waited %s", tt.waited), func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, fairness.Score(tt.waited))
		})
	}
}

func TestMatchd_Fairness_Refresh_NeverLowers(t *testing.T) {
	t.Parallel()

	// A short wait would score 0, but an earlier boost survives.
	require.Equal(t, 10, fairness.Refresh(10, 5*time.Second))

	// A long wait raises the score past the current value.
	require.Equal(t, 20, fairness.Refresh(10, 5*time.Minute))

	// Out-of-range inputs are clamped on the way through.
	require.Equal(t, fairness.Cap, fairness.Refresh(99, 0))
	require.Equal(t, 0, fairness.Refresh(-3, 0))
}

func TestMatchd_Fairness_Boost_ClampsAtCap(t *testing.T) {
	t.Parallel()

	require.Equal(t, 10, fairness.Boost(0, 10))
	require.Equal(t, fairness.Cap, fairness.Boost(15, 10))
	require.Equal(t, 0, fairness.Boost(5, -10))
}

func TestMatchd_Fairness_Clamp(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, fairness.Clamp(-1))
	require.Equal(t, 7, fairness.Clamp(7))
	require.Equal(t, fairness.Cap, fairness.Clamp(fairness.Cap))
	require.Equal(t, fairness.Cap, fairness.Clamp(fairness.Cap+1))
}

// Package fairness scores queue wait so long-waiting users are matched first.
package fairness

import "time"

// Cap is the hard ceiling on a fairness score.
const Cap = 20

// steps maps time waited to the score it earns, highest threshold first.
var steps = []struct {
	waited time.Duration
	score  int
}{
	{5 * time.Minute, 20},
	{2 * time.Minute, 15},
	{1 * time.Minute, 10},
	{20 * time.Second, 5},
}

// Score returns the step-function score for a wait duration.
func Score(waited time.Duration) int {
	for _, s := range steps {
		if waited >= s.waited {
			return s.score
		}
	}
	return 0
}

// Refresh recomputes a score from the current wait without ever lowering it,
// so boosts granted on match outcomes survive periodic recomputation.
func Refresh(current int, waited time.Duration) int {
	return Clamp(max(current, Score(waited)))
}

// Boost adds delta to current, clamped to Cap.
func Boost(current, delta int) int {
	return Clamp(current + delta)
}

// Clamp bounds a score to [0, Cap].
func Clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > Cap {
		return Cap
	}
	return v
}

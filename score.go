package main

import "math"

// Score bounds and damping for the community safety score
const (
	MaxScore     = 255.0
	MinScore     = -255.0
	ScoreDamping = 0.2
)

// NextScore moves the score a damped step towards the bound in the vote's
// direction. Repeated votes in one direction converge geometrically on the
// bound with ratio (1 - ScoreDamping) and never reach it.
func NextScore(current float64, vote VoteDirection) float64 {
	current = clampScore(current)

	var next float64
	switch vote {
	case VoteUp:
		next = current + ScoreDamping*(MaxScore-current)
	case VoteDown:
		next = current - ScoreDamping*(current-MinScore)
	default:
		next = current
	}

	return clampScore(next)
}

// InitialScore is the score of a location after its first vote
func InitialScore(vote VoteDirection) float64 {
	return NextScore(0, vote)
}

func clampScore(s float64) float64 {
	if math.IsNaN(s) {
		return 0
	}
	return math.Max(MinScore, math.Min(MaxScore, s))
}

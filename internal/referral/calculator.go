package referral

import (
	"math"

	"queuetrack/internal/queue"
)

// DefaultBoostPerReferral is the number of places each referral moves a user up
const DefaultBoostPerReferral = 5

// Tier is a display band for an absolute queue position
type Tier struct {
	Name  string `json:"name"`
	Label string `json:"label"`
	Order int    `json:"order"`
	// inclusive upper bound, 0 for the open-ended last band
	MaxPosition int `json:"maxPosition"`
}

var (
	TierVeryClose  = Tier{Name: "very_close", Label: "Very close", Order: 1, MaxPosition: 50}
	TierComingSoon = Tier{Name: "coming_soon", Label: "Coming soon", Order: 2, MaxPosition: 200}
	TierInProgress = Tier{Name: "in_progress", Label: "In progress", Order: 3, MaxPosition: 500}
	TierQueued     = Tier{Name: "queued", Label: "In the queue", Order: 4}
)

// Tiers lists every band in order
func Tiers() []Tier {
	return []Tier{TierVeryClose, TierComingSoon, TierInProgress, TierQueued}
}

// PositionBoost returns how many places referrals are worth, never moving
// the user above position 1. Negative inputs count as zero.
func PositionBoost(referralCount, currentPosition, boostPerReferral int) int {
	if referralCount < 0 {
		referralCount = 0
	}
	if boostPerReferral < 0 {
		boostPerReferral = 0
	}
	maxBoost := currentPosition - 1
	if maxBoost < 0 {
		maxBoost = 0
	}

	// compare before multiplying so huge counts cannot overflow
	if boostPerReferral > 0 && referralCount > maxBoost/boostPerReferral {
		return maxBoost
	}
	return referralCount * boostPerReferral
}

// ProjectedPosition applies a boost, bottoming out at 1
func ProjectedPosition(position, boost int) int {
	projected := position - boost
	if projected < 1 {
		return 1
	}
	return projected
}

// StatusTier maps a position to its band. Positions below 1 fall in the
// first band.
func StatusTier(position int) Tier {
	switch {
	case position <= TierVeryClose.MaxPosition:
		return TierVeryClose
	case position <= TierComingSoon.MaxPosition:
		return TierComingSoon
	case position <= TierInProgress.MaxPosition:
		return TierInProgress
	default:
		return TierQueued
	}
}

// QueueSize picks the denominator for progress: total when known, else waiting
func QueueSize(stats queue.QueueStats) int {
	if stats.Total > 0 {
		return stats.Total
	}
	return stats.Waiting
}

// ProgressPercentage is the share of the queue ahead of which the user sits,
// clamped to [0, 100]. An empty queue reports 0.
func ProgressPercentage(position, totalInQueue int) float64 {
	if totalInQueue <= 0 {
		return 0
	}
	pct := float64(totalInQueue-position) / float64(totalInQueue) * 100
	return math.Max(0, math.Min(100, pct))
}

package referral

import (
	"math"
	"testing"

	"queuetrack/internal/queue"

	"github.com/stretchr/testify/assert"
)

func TestPositionBoost(t *testing.T) {
	cases := []struct {
		name                       string
		referrals, position, boost int
		want                       int
	}{
		{"scenario referrals", 4, 30, DefaultBoostPerReferral, 20},
		{"capped at first place", 100, 30, DefaultBoostPerReferral, 29},
		{"already first", 3, 1, DefaultBoostPerReferral, 0},
		{"no referrals", 0, 500, DefaultBoostPerReferral, 0},
		{"negative referrals", -2, 500, DefaultBoostPerReferral, 0},
		{"negative boost", 3, 500, -5, 0},
		{"position zero", 3, 0, DefaultBoostPerReferral, 0},
		{"count near max int", math.MaxInt / 4, 100, DefaultBoostPerReferral, 99},
		{"count and boost near max int", math.MaxInt, math.MaxInt, math.MaxInt, math.MaxInt - 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, PositionBoost(tc.referrals, tc.position, tc.boost))
		})
	}
}

func TestPositionBoostBounds(t *testing.T) {
	for pos := 1; pos <= 600; pos += 7 {
		for refs := 0; refs <= 200; refs += 13 {
			b := PositionBoost(refs, pos, DefaultBoostPerReferral)
			assert.GreaterOrEqual(t, b, 0)
			assert.GreaterOrEqual(t, pos-b, 1)
			assert.Equal(t, pos-b, ProjectedPosition(pos, b))
		}
	}

	for _, refs := range []int{math.MaxInt, math.MaxInt / 2, math.MaxInt / 5, math.MaxInt/5 + 1} {
		b := PositionBoost(refs, 100, DefaultBoostPerReferral)
		assert.Equal(t, 99, b, "referrals %d", refs)
	}
}

func TestStatusTierBoundaries(t *testing.T) {
	assert.Equal(t, TierVeryClose, StatusTier(1))
	assert.Equal(t, TierVeryClose, StatusTier(50))
	assert.Equal(t, TierComingSoon, StatusTier(51))
	assert.Equal(t, TierComingSoon, StatusTier(200))
	assert.Equal(t, TierInProgress, StatusTier(201))
	assert.Equal(t, TierInProgress, StatusTier(500))
	assert.Equal(t, TierQueued, StatusTier(501))
	assert.Equal(t, TierQueued, StatusTier(1_000_000))
}

func TestStatusTierIsMonotonic(t *testing.T) {
	prev := StatusTier(1).Order
	for pos := 2; pos <= 2000; pos++ {
		order := StatusTier(pos).Order
		assert.GreaterOrEqual(t, order, prev)
		prev = order
	}

	for i, tier := range Tiers() {
		assert.Equal(t, i+1, tier.Order)
		assert.NotEmpty(t, tier.Label)
	}
}

func TestProgressPercentage(t *testing.T) {
	assert.InDelta(t, 40.0, ProgressPercentage(600, 1000), 1e-9)
	assert.Equal(t, 0.0, ProgressPercentage(10, 0))
	assert.Equal(t, 0.0, ProgressPercentage(10, -3))
	assert.Equal(t, 0.0, ProgressPercentage(2000, 1000))
	assert.Equal(t, 100.0, ProgressPercentage(-5, 10))
	assert.InDelta(t, 99.9, ProgressPercentage(1, 1000), 1e-9)
}

func TestQueueSizePrefersTotal(t *testing.T) {
	stats := queue.QueueStats{Total: 1000, Waiting: 600}
	assert.Equal(t, 1000, QueueSize(stats))
	assert.InDelta(t, 40.0, ProgressPercentage(600, QueueSize(stats)), 1e-9)

	assert.Equal(t, 600, QueueSize(queue.QueueStats{Waiting: 600}))
	assert.Equal(t, 0, QueueSize(queue.QueueStats{}))
}

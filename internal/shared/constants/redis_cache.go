package constants

import (
	"time"
)

// Cache keys and TTLs for the tracker.
// Keys are stored under the store namespace, e.g. queuetrack:waitlist_status_cache,
// with the write time beside them at <key>_timestamp.

// ================== CACHE TTL DURATIONS ==================

const (
	TTL_NONE           = 0                // manual invalidation only
	TTL_DYNAMIC_QUICK  = 2 * time.Minute  // system status
	TTL_DYNAMIC_MEDIUM = 10 * time.Minute // referral aggregates
)

// ================== REDIS KEY PREFIXES ==================

const (
	CACHE_NAMESPACE = "queuetrack"
)

// ================== WAITLIST MODULE ==================

// Waitlist Cache Keys
const (
	CACHE_KEY_WAITLIST_STATUS        = "waitlist_status_cache"
	CACHE_KEY_WAITLIST_ENTRY         = "waitlist_entry_cache:" // + normalized email
	CACHE_KEY_WAITLIST_CURRENT_EMAIL = "waitlist_current_email"
	CACHE_KEY_WAITLIST_REFERRAL      = "waitlist_referral_cache:" // + referral code
	CACHE_KEY_WAITLIST_LEADERBOARD   = "waitlist_leaderboard_cache"
)

// Waitlist Cache TTLs
const (
	TTL_WAITLIST_STATUS      = TTL_DYNAMIC_QUICK  // 2 minutes
	TTL_WAITLIST_ENTRY       = TTL_NONE           // until logout or refresh
	TTL_WAITLIST_REFERRAL    = TTL_DYNAMIC_MEDIUM // 10 minutes
	TTL_WAITLIST_LEADERBOARD = TTL_DYNAMIC_MEDIUM // 10 minutes
)

// ================== CACHE INVALIDATION PATTERNS ==================

const (
	PATTERN_INVALIDATE_WAITLIST_ENTRIES   = CACHE_KEY_WAITLIST_ENTRY
	PATTERN_INVALIDATE_WAITLIST_REFERRALS = CACHE_KEY_WAITLIST_REFERRAL
)

// ================== HELPER FUNCTIONS ==================

// BuildWaitlistEntryKey expects an already normalized email
func BuildWaitlistEntryKey(email string) string {
	return CACHE_KEY_WAITLIST_ENTRY + email
}

func BuildWaitlistReferralKey(code string) string {
	return CACHE_KEY_WAITLIST_REFERRAL + code
}

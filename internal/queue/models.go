package queue

import (
	"strings"
	"time"
)

// EntryStatus represents where an account is in the onboarding funnel
type EntryStatus string

const (
	StatusWaiting   EntryStatus = "waiting"
	StatusInvited   EntryStatus = "invited"
	StatusOnboarded EntryStatus = "onboarded"
)

// Rank orders statuses along the one-directional funnel. Unknown statuses rank 0.
func (s EntryStatus) Rank() int {
	switch s {
	case StatusWaiting:
		return 1
	case StatusInvited:
		return 2
	case StatusOnboarded:
		return 3
	default:
		return 0
	}
}

// QueueEntry is one account's record in the waitlist
type QueueEntry struct {
	Email         string      `json:"email"`
	Position      int         `json:"position"`
	ReferralCode  string      `json:"referralCode"`
	ReferralCount int         `json:"referralCount"`
	Status        EntryStatus `json:"status"`
	JoinedAt      time.Time   `json:"joinedAt"`

	// Derived locally from Position, never taken from the server
	EstimatedInviteDate *time.Time `json:"estimatedInviteDate,omitempty"`
}

// QueueStats is the aggregate view of the whole waitlist
type QueueStats struct {
	Total     int `json:"total"`
	Waiting   int `json:"waiting"`
	Invited   int `json:"invited"`
	Onboarded int `json:"onboarded"`
	Active    int `json:"active"`
	Referrals int `json:"referrals"`
}

// SystemStatus is the feature flag plus aggregate stats
type SystemStatus struct {
	Enabled bool       `json:"waitlistEnabled"`
	Stats   QueueStats `json:"stats"`
}

// User is the account object returned by verify and carried on auth events
type User struct {
	ID        string      `json:"id"`
	Email     string      `json:"email"`
	FirstName string      `json:"firstName,omitempty"`
	LastName  string      `json:"lastName,omitempty"`
	Status    EntryStatus `json:"status,omitempty"`
	Onboarded bool        `json:"onboarded"`
}

// IsOnboarded reports whether queue tracking should hand off to the session
func (u User) IsOnboarded() bool {
	return u.Onboarded || u.Status == StatusOnboarded
}

// AccessGrant is the result of redeeming a single-use access token
type AccessGrant struct {
	AccessToken string     `json:"accessToken"`
	User        User       `json:"user"`
	Subject     string     `json:"-"`
	ExpiresAt   *time.Time `json:"-"`
}

// ShareResult carries the generated share link
type ShareResult struct {
	ShareURL string `json:"shareUrl"`
}

// ReferralSummary aggregates referrals made with one code
type ReferralSummary struct {
	ReferralCode  string   `json:"referralCode"`
	ReferralCount int      `json:"referralCount"`
	Position      int      `json:"position,omitempty"`
	Referred      []string `json:"referred,omitempty"`
}

// LeaderboardEntry is one row of the referral leaderboard
type LeaderboardEntry struct {
	Rank          int    `json:"rank"`
	DisplayName   string `json:"displayName"`
	ReferralCount int    `json:"referralCount"`
}

// Leaderboard is the top referrers list
type Leaderboard struct {
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// NormalizeEmail returns the identity form of an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

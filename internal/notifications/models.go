package notifications

import (
	"encoding/json"
	"time"

	"queuetrack/internal/queue"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationTypePositionChanged NotificationType = "WAITLIST_POSITION_CHANGED"
	NotificationTypeStatusChanged   NotificationType = "WAITLIST_STATUS_CHANGED"
)

// WaitlistNotification describes a change to a tracked queue entry
type WaitlistNotification struct {
	ID   uuid.UUID        `json:"id"`
	Type NotificationType `json:"type"`

	Email         string            `json:"email"`
	Position      int               `json:"position"`
	Status        queue.EntryStatus `json:"status"`
	Tier          string            `json:"tier,omitempty"`
	ReferralCount int               `json:"referral_count"`

	PreviousPosition int               `json:"previous_position"`
	PreviousStatus   queue.EntryStatus `json:"previous_status"`
	PreviousTier     string            `json:"previous_tier,omitempty"`

	ProjectedPosition int        `json:"projected_position,omitempty"`
	EstimatedInvite   *time.Time `json:"estimated_invite,omitempty"`
	EstimateText      string     `json:"estimate_text,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// GetPartitionKey keeps every message for one user on one partition
func (n *WaitlistNotification) GetPartitionKey() string {
	return n.Email
}

func (n *WaitlistNotification) ToJSON() ([]byte, error) {
	return json.Marshal(n)
}

// observation is the last published view of one email
type observation struct {
	position int
	status   queue.EntryStatus
	tier     string
}

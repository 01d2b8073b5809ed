// Package estimate turns a queue position into an expected invite date.
// Every function is pure in (position, approvalsPerWeek, now).
package estimate

import (
	"fmt"
	"math"
	"time"
)

const (
	DefaultApprovalsPerWeek = 300
	bufferDays              = 2
)

// BucketTier names a coarse time-to-access band
type BucketTier string

const (
	BucketSoon  BucketTier = "soon"
	BucketNear  BucketTier = "near"
	BucketLater BucketTier = "later"
)

// Bucket is the human description of an invite date
type Bucket struct {
	Text  string     `json:"text"`
	Tier  BucketTier `json:"tier"`
	Color string     `json:"color"`
}

// WeeksToAccess is ceil(position / approvalsPerWeek)
func WeeksToAccess(position, approvalsPerWeek int) int {
	if approvalsPerWeek <= 0 {
		approvalsPerWeek = 1
	}
	if position < 1 {
		position = 1
	}
	return int(math.Ceil(float64(position) / float64(approvalsPerWeek)))
}

// InviteDate is the start of now's day plus the weeks to access and a
// two day buffer
func InviteDate(position, approvalsPerWeek int, now time.Time) time.Time {
	weeks := WeeksToAccess(position, approvalsPerWeek)
	return startOfDay(now).AddDate(0, 0, weeks*7+bufferDays)
}

// DaysUntil counts whole calendar days from now's day to date's day
func DaysUntil(date, now time.Time) int {
	d := startOfDay(date.In(now.Location())).Sub(startOfDay(now))
	return int(math.Round(d.Hours() / 24))
}

// BucketFor describes date relative to now
func BucketFor(date, now time.Time) Bucket {
	days := DaysUntil(date, now)
	switch {
	case days <= 7:
		text := "Within a week"
		if days <= 1 {
			text = "Any day now"
		}
		return Bucket{Text: text, Tier: BucketSoon, Color: "green"}
	case days <= 30:
		weeks := int(math.Ceil(float64(days) / 7))
		return Bucket{Text: fmt.Sprintf("In about %d weeks", weeks), Tier: BucketNear, Color: "amber"}
	default:
		months := int(math.Round(float64(days) / 30))
		if months <= 1 {
			return Bucket{Text: "In about a month", Tier: BucketLater, Color: "slate"}
		}
		return Bucket{Text: fmt.Sprintf("In about %d months", months), Tier: BucketLater, Color: "slate"}
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

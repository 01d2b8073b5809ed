package waitlist

import (
	"errors"
	"time"

	"queuetrack/internal/estimate"
	"queuetrack/internal/queue"
	"queuetrack/internal/referral"
)

// ErrNotInQueue is returned by CheckPosition when the server has no entry
// for the email. The engine treats it as a normal outcome.
var ErrNotInQueue = errors.New("email is not in the waitlist")

var errSuperseded = errors.New("submission superseded by a newer request")

// State represents the reconciliation lifecycle
type State string

const (
	StateIdle       State = "idle"
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateRefreshing State = "refreshing"
	StateError      State = "error"
)

// Insights are the user-facing figures derived from an entry
type Insights struct {
	PositionBoost     int             `json:"positionBoost"`
	ProjectedPosition int             `json:"projectedPosition"`
	Tier              referral.Tier   `json:"tier"`
	Progress          float64         `json:"progress"`
	WeeksToAccess     int             `json:"weeksToAccess"`
	InviteDate        time.Time       `json:"inviteDate"`
	Bucket            estimate.Bucket `json:"bucket"`
}

// PendingSubmission is published while a submit is in flight
type PendingSubmission struct {
	Email       string    `json:"email"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// ErrorInfo is the last failure kept on the snapshot
type ErrorInfo struct {
	Kind         queue.Kind        `json:"kind"`
	Message      string            `json:"message"`
	Fields       map[string]string `json:"fields,omitempty"`
	RetryAfterMs int64             `json:"retryAfterMs,omitempty"`
	Retryable    bool              `json:"retryable"`
}

// Snapshot is the engine's view of one user's queue state
type Snapshot struct {
	State   State  `json:"state"`
	Enabled bool   `json:"enabled"`
	Email   string `json:"email,omitempty"`

	Entry    *queue.QueueEntry  `json:"entry,omitempty"`
	Pending  *PendingSubmission `json:"pending,omitempty"`
	Insights *Insights          `json:"insights,omitempty"`

	Stats          *queue.QueueStats `json:"stats,omitempty"`
	StatsProjected bool              `json:"statsProjected"`

	// Set while the data came from a restored cache and has not been revalidated
	Stale bool `json:"stale"`

	LastError *ErrorInfo `json:"lastError,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Copy returns a deep copy safe to hand to other goroutines
func (s Snapshot) Copy() Snapshot {
	out := s
	if s.Entry != nil {
		e := *s.Entry
		if s.Entry.EstimatedInviteDate != nil {
			d := *s.Entry.EstimatedInviteDate
			e.EstimatedInviteDate = &d
		}
		out.Entry = &e
	}
	if s.Pending != nil {
		p := *s.Pending
		out.Pending = &p
	}
	if s.Insights != nil {
		i := *s.Insights
		out.Insights = &i
	}
	if s.Stats != nil {
		st := *s.Stats
		out.Stats = &st
	}
	if s.LastError != nil {
		le := *s.LastError
		if s.LastError.Fields != nil {
			le.Fields = make(map[string]string, len(s.LastError.Fields))
			for k, v := range s.LastError.Fields {
				le.Fields[k] = v
			}
		}
		out.LastError = &le
	}
	return out
}

func errorInfo(err error) *ErrorInfo {
	if qe, ok := queue.AsError(err); ok {
		return &ErrorInfo{
			Kind:         qe.Kind,
			Message:      qe.Message,
			Fields:       qe.Fields,
			RetryAfterMs: qe.RetryAfter.Milliseconds(),
			Retryable:    qe.Retryable(),
		}
	}
	return &ErrorInfo{Kind: queue.KindServer, Message: err.Error(), Retryable: true}
}

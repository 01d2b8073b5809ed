package queue

import (
	"encoding/json"
	"net/http"
	"time"
)

// entryResponse mirrors the server payload. Position is a pointer so a
// missing field can be told apart from zero.
type entryResponse struct {
	Email         string      `json:"email"`
	Position      *int        `json:"position"`
	ReferralCode  string      `json:"referralCode"`
	ReferralCount int         `json:"referralCount"`
	Status        EntryStatus `json:"status"`
	JoinedAt      time.Time   `json:"joinedAt"`

	// Server estimate, ignored in favour of the local computation
	EstimatedInviteDate *time.Time `json:"estimatedInviteDate"`
}

// malformed reports a 2xx payload without a usable position. Positions are 1-based.
func (r *entryResponse) malformed() *Error {
	if r.Position == nil {
		return newError(KindServer, http.StatusOK, "malformed response: missing position")
	}
	if *r.Position < 1 {
		return newError(KindServer, http.StatusOK, "malformed response: position %d", *r.Position)
	}
	return nil
}

func (r *entryResponse) toEntry(requestedEmail string) *QueueEntry {
	email := NormalizeEmail(r.Email)
	if email == "" {
		email = NormalizeEmail(requestedEmail)
	}
	status := r.Status
	if status == "" {
		status = StatusWaiting
	}
	return &QueueEntry{
		Email:         email,
		Position:      *r.Position,
		ReferralCode:  r.ReferralCode,
		ReferralCount: r.ReferralCount,
		Status:        status,
		JoinedAt:      r.JoinedAt,
	}
}

type verifyResponse struct {
	AccessToken string `json:"accessToken"`
	User        User   `json:"user"`
}

// errorResponse covers the error body shapes the API emits
type errorResponse struct {
	Message    string          `json:"message"`
	Error      string          `json:"error"`
	Errors     json.RawMessage `json:"errors"`
	RetryAfter *float64        `json:"retryAfter"`
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// fields flattens either {"field": "msg"} or [{"field","message"}]
func (r *errorResponse) fields() map[string]string {
	if len(r.Errors) == 0 {
		return nil
	}

	var asMap map[string]string
	if err := json.Unmarshal(r.Errors, &asMap); err == nil && len(asMap) > 0 {
		return asMap
	}

	var asList []fieldError
	if err := json.Unmarshal(r.Errors, &asList); err == nil && len(asList) > 0 {
		out := make(map[string]string, len(asList))
		for _, fe := range asList {
			if fe.Field == "" {
				continue
			}
			out[fe.Field] = fe.Message
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func (r *errorResponse) message() string {
	if r.Message != "" {
		return r.Message
	}
	return r.Error
}

package tracker

import (
	"context"
	"errors"
	"net/http"

	"queuetrack/internal/bus"
	"queuetrack/internal/queue"
	"queuetrack/internal/scheduler"
	"queuetrack/internal/shared/middleware"
	"queuetrack/internal/shared/utils/response"
	"queuetrack/internal/waitlist"

	"github.com/gin-gonic/gin"
)

// Tracker is what the controller needs from the service
type Tracker interface {
	Submit(ctx context.Context, req queue.SubmissionRequest) (*queue.QueueEntry, error)
	CheckPosition(ctx context.Context, email string) (*queue.QueueEntry, error)
	RefreshStatus(ctx context.Context, force bool) error
	Share(ctx context.Context, req queue.ShareRequest) (*queue.ShareResult, error)
	VerifyAccess(ctx context.Context, token string) (*queue.AccessGrant, error)
	Referral(ctx context.Context, code string) (*queue.ReferralSummary, error)
	Leaderboard(ctx context.Context) (*queue.Leaderboard, error)
	Snapshot() waitlist.Snapshot
	PublishEvent(ctx context.Context, ev bus.Event) error
}

type Controller interface {
	GetSnapshot(c *gin.Context)
	Submit(c *gin.Context)
	CheckPosition(c *gin.Context)
	Refresh(c *gin.Context)
	Share(c *gin.Context)
	Verify(c *gin.Context)
	GetReferral(c *gin.Context)
	GetLeaderboard(c *gin.Context)
	PublishEvent(c *gin.Context)
}

type controller struct {
	tracker Tracker
}

func NewController(tracker Tracker) Controller {
	return &controller{tracker: tracker}
}

type positionRequest struct {
	Email string `json:"email"`
}

type refreshRequest struct {
	Force bool `json:"force"`
}

type verifyRequest struct {
	Token string `json:"token"`
}

func (ctrl *controller) GetSnapshot(c *gin.Context) {
	response.RespondJSON(c, "success", http.StatusOK, "Snapshot retrieved successfully", ctrl.tracker.Snapshot(), nil)
}

func (ctrl *controller) Submit(c *gin.Context) {
	var req queue.SubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondJSON(c, "error", http.StatusBadRequest, "Invalid request body", nil, err.Error())
		return
	}

	entry, err := ctrl.tracker.Submit(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	response.RespondJSON(c, "success", http.StatusCreated, "Joined the waitlist", entry, nil)
}

func (ctrl *controller) CheckPosition(c *gin.Context) {
	var req positionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondJSON(c, "error", http.StatusBadRequest, "Invalid request body", nil, err.Error())
		return
	}

	entry, err := ctrl.tracker.CheckPosition(c.Request.Context(), req.Email)
	if err != nil {
		respondError(c, err)
		return
	}

	response.RespondJSON(c, "success", http.StatusOK, "Position retrieved successfully", entry, nil)
}

func (ctrl *controller) Refresh(c *gin.Context) {
	var req refreshRequest
	// an empty body means a non-forced refresh
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.RespondJSON(c, "error", http.StatusBadRequest, "Invalid request body", nil, err.Error())
			return
		}
	}

	if err := ctrl.tracker.RefreshStatus(c.Request.Context(), req.Force); err != nil {
		respondError(c, err)
		return
	}

	response.RespondJSON(c, "success", http.StatusOK, "Status refreshed", ctrl.tracker.Snapshot(), nil)
}

func (ctrl *controller) Share(c *gin.Context) {
	var req queue.ShareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondJSON(c, "error", http.StatusBadRequest, "Invalid request body", nil, err.Error())
		return
	}

	result, err := ctrl.tracker.Share(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	response.RespondJSON(c, "success", http.StatusOK, "Share link generated", result, nil)
}

func (ctrl *controller) Verify(c *gin.Context) {
	var req verifyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.RespondJSON(c, "error", http.StatusBadRequest, "Invalid request body", nil, err.Error())
			return
		}
	}
	if req.Token == "" {
		req.Token = c.GetString(middleware.ContextAccessToken)
	}
	if req.Token == "" {
		response.RespondJSON(c, "error", http.StatusBadRequest, "A token is required", nil, map[string]string{"token": "required"})
		return
	}

	grant, err := ctrl.tracker.VerifyAccess(c.Request.Context(), req.Token)
	if err != nil {
		respondError(c, err)
		return
	}

	response.RespondJSON(c, "success", http.StatusOK, "Access granted", grant, nil)
}

func (ctrl *controller) GetReferral(c *gin.Context) {
	summary, err := ctrl.tracker.Referral(c.Request.Context(), c.Query("code"))
	if err != nil {
		respondError(c, err)
		return
	}

	response.RespondJSON(c, "success", http.StatusOK, "Referral summary retrieved successfully", summary, nil)
}

func (ctrl *controller) GetLeaderboard(c *gin.Context) {
	board, err := ctrl.tracker.Leaderboard(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	response.RespondJSON(c, "success", http.StatusOK, "Leaderboard retrieved successfully", board, nil)
}

func (ctrl *controller) PublishEvent(c *gin.Context) {
	var ev bus.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		response.RespondJSON(c, "error", http.StatusBadRequest, "Invalid request body", nil, err.Error())
		return
	}

	if err := ctrl.tracker.PublishEvent(c.Request.Context(), ev); err != nil {
		respondError(c, err)
		return
	}

	response.RespondJSON(c, "success", http.StatusAccepted, "Event published", gin.H{"type": ev.Type}, nil)
}

// respondError maps domain errors onto the response envelope
func respondError(c *gin.Context, err error) {
	if qe, ok := queue.AsError(err); ok {
		msg := qe.Message
		if msg == "" {
			msg = qe.Error()
		}
		switch qe.Kind {
		case queue.KindValidation:
			var details interface{}
			if len(qe.Fields) > 0 {
				details = qe.Fields
			}
			response.RespondJSON(c, "error", http.StatusBadRequest, msg, nil, details)
		case queue.KindNotFound:
			response.RespondJSON(c, "error", http.StatusNotFound, msg, nil, nil)
		case queue.KindUnauthorized:
			response.RespondJSON(c, "error", http.StatusUnauthorized, msg, nil, nil)
		case queue.KindRateLimited:
			response.RespondTooManyRequests(c, msg, qe.RetryAfter, gin.H{
				"retry_after_ms": qe.RetryAfter.Milliseconds(),
			})
		default:
			response.RespondJSON(c, "error", http.StatusServiceUnavailable, msg, nil, gin.H{
				"kind":      qe.Kind,
				"retryable": true,
			})
		}
		return
	}

	switch {
	case errors.Is(err, waitlist.ErrNotInQueue):
		response.RespondJSON(c, "error", http.StatusNotFound, err.Error(), nil, nil)
	case errors.Is(err, ErrNoReferralCode):
		response.RespondJSON(c, "error", http.StatusBadRequest, err.Error(), nil, nil)
	case errors.Is(err, bus.ErrUnknownEvent), errors.Is(err, bus.ErrInvalidPayload):
		response.RespondJSON(c, "error", http.StatusBadRequest, err.Error(), nil, nil)
	case errors.Is(err, scheduler.ErrCanceled), errors.Is(err, bus.ErrClosed),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		response.RespondJSON(c, "error", http.StatusServiceUnavailable, err.Error(), nil, gin.H{"retryable": true})
	default:
		response.RespondJSON(c, "error", http.StatusInternalServerError, "Internal server error", nil, err.Error())
	}
}

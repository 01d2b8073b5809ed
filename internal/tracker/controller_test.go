package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"queuetrack/internal/bus"
	"queuetrack/internal/queue"
	"queuetrack/internal/scheduler"
	"queuetrack/internal/waitlist"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTracker struct {
	err         error
	entry       *queue.QueueEntry
	grant       *queue.AccessGrant
	snapshot    waitlist.Snapshot
	lastToken   string
	lastForce   bool
	lastCode    string
	lastEvent   bus.Event
	lastRequest queue.SubmissionRequest
}

func (f *fakeTracker) Submit(_ context.Context, req queue.SubmissionRequest) (*queue.QueueEntry, error) {
	f.lastRequest = req
	return f.entry, f.err
}

func (f *fakeTracker) CheckPosition(context.Context, string) (*queue.QueueEntry, error) {
	return f.entry, f.err
}

func (f *fakeTracker) RefreshStatus(_ context.Context, force bool) error {
	f.lastForce = force
	return f.err
}

func (f *fakeTracker) Share(context.Context, queue.ShareRequest) (*queue.ShareResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &queue.ShareResult{ShareURL: "https://example.com/r/ADA42"}, nil
}

func (f *fakeTracker) VerifyAccess(_ context.Context, token string) (*queue.AccessGrant, error) {
	f.lastToken = token
	return f.grant, f.err
}

func (f *fakeTracker) Referral(_ context.Context, code string) (*queue.ReferralSummary, error) {
	f.lastCode = code
	if f.err != nil {
		return nil, f.err
	}
	return &queue.ReferralSummary{ReferralCode: code, ReferralCount: 2}, nil
}

func (f *fakeTracker) Leaderboard(context.Context) (*queue.Leaderboard, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &queue.Leaderboard{}, nil
}

func (f *fakeTracker) Snapshot() waitlist.Snapshot {
	return f.snapshot
}

func (f *fakeTracker) PublishEvent(_ context.Context, ev bus.Event) error {
	f.lastEvent = ev
	if f.err != nil {
		return f.err
	}
	return ev.Validate()
}

type envelope struct {
	Status     string          `json:"status"`
	StatusCode int             `json:"status_code"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
	Errors     json.RawMessage `json:"errors"`
}

func newRouter(tr Tracker) *gin.Engine {
	r := gin.New()
	SetupTrackerRoutes(r.Group("/api/v1"), NewController(tr), nil)
	return r
}

func do(t *testing.T, r *gin.Engine, method, path, body string, header ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func TestController_Submit(t *testing.T) {
	tr := &fakeTracker{entry: &queue.QueueEntry{Email: "ada@example.com", Position: 42}}
	r := newRouter(tr)

	w, env := do(t, r, http.MethodPost, "/api/v1/tracker/submit",
		`{"email":"ada@example.com","firstName":"Ada","role":"engineer"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "success", env.Status)
	assert.Contains(t, string(env.Data), `"position":42`)
	assert.Equal(t, "Ada", tr.lastRequest.FirstName)

	w, _ = do(t, r, http.MethodPost, "/api/v1/tracker/submit", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestController_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantErrors string
	}{
		{
			name:       "validation",
			err:        &queue.Error{Kind: queue.KindValidation, Message: "invalid", Fields: map[string]string{"email": "invalid"}},
			wantStatus: http.StatusBadRequest,
			wantErrors: `{"email":"invalid"}`,
		},
		{
			name:       "not found",
			err:        &queue.Error{Kind: queue.KindNotFound, Message: "missing"},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unauthorized",
			err:        &queue.Error{Kind: queue.KindUnauthorized},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "network",
			err:        &queue.Error{Kind: queue.KindNetwork, Message: "dial failed"},
			wantStatus: http.StatusServiceUnavailable,
			wantErrors: `{"kind":"network","retryable":true}`,
		},
		{
			name:       "not in queue",
			err:        waitlist.ErrNotInQueue,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "wrapped cancel",
			err:        fmt.Errorf("submit: %w", scheduler.ErrCanceled),
			wantStatus: http.StatusServiceUnavailable,
			wantErrors: `{"retryable":true}`,
		},
		{
			name:       "unexpected",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantErrors: `"boom"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(&fakeTracker{err: tt.err})

			w, env := do(t, r, http.MethodPost, "/api/v1/tracker/position", `{"email":"ada@example.com"}`)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "error", env.Status)
			assert.NotEmpty(t, env.Message)
			if tt.wantErrors != "" {
				assert.JSONEq(t, tt.wantErrors, string(env.Errors))
			}
		})
	}
}

func TestController_RateLimitedSetsRetryAfter(t *testing.T) {
	r := newRouter(&fakeTracker{err: &queue.Error{Kind: queue.KindRateLimited, RetryAfter: 1500 * time.Millisecond}})

	w, env := do(t, r, http.MethodGet, "/api/v1/tracker/leaderboard", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"retry_after_ms":1500}`, string(env.Errors))
	assert.Contains(t, env.Message, "rate_limited")
}

func TestController_Refresh(t *testing.T) {
	tr := &fakeTracker{snapshot: waitlist.Snapshot{State: waitlist.StateReady, Enabled: true}}
	r := newRouter(tr)

	w, env := do(t, r, http.MethodPost, "/api/v1/tracker/refresh", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, tr.lastForce)
	assert.Contains(t, string(env.Data), `"state":"ready"`)

	w, _ = do(t, r, http.MethodPost, "/api/v1/tracker/refresh", `{"force":true}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, tr.lastForce)
}

func TestController_Verify(t *testing.T) {
	tr := &fakeTracker{grant: &queue.AccessGrant{AccessToken: "session", User: queue.User{Email: "ada@example.com"}}}
	r := newRouter(tr)

	w, _ := do(t, r, http.MethodPost, "/api/v1/tracker/verify", `{"token":"from-body"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "from-body", tr.lastToken)

	w, env := do(t, r, http.MethodPost, "/api/v1/tracker/verify", "", "Authorization", "Bearer from-header")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "from-header", tr.lastToken)
	assert.Contains(t, string(env.Data), `"accessToken":"session"`)

	w, env = do(t, r, http.MethodPost, "/api/v1/tracker/verify", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"token":"required"}`, string(env.Errors))
}

func TestController_Referral(t *testing.T) {
	tr := &fakeTracker{}
	r := newRouter(tr)

	w, env := do(t, r, http.MethodGet, "/api/v1/tracker/referral?code=ADA42", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ADA42", tr.lastCode)
	assert.Contains(t, string(env.Data), `"referralCount":2`)

	r = newRouter(&fakeTracker{err: ErrNoReferralCode})
	w, _ = do(t, r, http.MethodGet, "/api/v1/tracker/referral", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestController_PublishEvent(t *testing.T) {
	tr := &fakeTracker{}
	r := newRouter(tr)

	w, env := do(t, r, http.MethodPost, "/api/v1/tracker/events", `{"type":"waitlist:toggle","payload":{"enabled":false}}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"type":"waitlist:toggle"}`, string(env.Data))
	require.NotNil(t, tr.lastEvent.Payload.Enabled)
	assert.False(t, *tr.lastEvent.Payload.Enabled)

	w, _ = do(t, r, http.MethodPost, "/api/v1/tracker/events", `{"type":"waitlist:toggle","payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, r, http.MethodPost, "/api/v1/tracker/events", `{"type":"calendar:sync"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

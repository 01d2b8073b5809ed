package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"queuetrack/pkg/logger"
	"queuetrack/pkg/ratelimit"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	server *httptest.Server
	calls  atomic.Int32
}

func newFakeAPI(t *testing.T, handler http.HandlerFunc) *fakeAPI {
	t.Helper()
	api := &fakeAPI{}
	api.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(api.server.Close)
	return api
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newTestClient(api *fakeAPI, opts ...Option) *Client {
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	return NewClient(Config{BaseURL: api.server.URL + "/api", RequestTimeout: time.Second}, opts...)
}

func validSubmission() SubmissionRequest {
	return SubmissionRequest{
		Email:     "  Ada@Example.COM ",
		FirstName: "Ada",
		Role:      "engineer",
	}
}

func TestClient_SubmitSuccess(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/waitlist/submit", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ada@example.com", body["email"])
		assert.Equal(t, map[string]interface{}{}, body["meta"])

		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"position":            42,
			"referralCode":        "ADA42",
			"status":              "waiting",
			"referralCount":       1,
			"joinedAt":            "2026-01-02T03:04:05Z",
			"estimatedInviteDate": "2020-01-01T00:00:00Z",
		})
	})
	c := newTestClient(api, WithTokenSource(TokenSourceFunc(func(context.Context) (string, error) {
		return "tok-1", nil
	})))

	entry, err := c.Submit(context.Background(), validSubmission())
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", entry.Email)
	assert.Equal(t, 42, entry.Position)
	assert.Equal(t, "ADA42", entry.ReferralCode)
	assert.Equal(t, 1, entry.ReferralCount)
	assert.Equal(t, StatusWaiting, entry.Status)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), entry.JoinedAt.UTC())
	assert.Nil(t, entry.EstimatedInviteDate, "server estimate is never taken as truth")
}

func TestClient_SubmitWithoutPositionIsServerError(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"referralCode": "X"})
	})
	c := newTestClient(api)

	_, err := c.Submit(context.Background(), validSubmission())
	require.Error(t, err)
	qe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindServer, qe.Kind)
	assert.True(t, qe.Retryable())
}

func TestClient_NonPositivePositionIsServerError(t *testing.T) {
	for _, pos := range []int{0, -3} {
		api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"email": "ada@example.com", "position": pos})
		})
		c := newTestClient(api)

		_, err := c.Submit(context.Background(), validSubmission())
		assert.True(t, IsKind(err, KindServer), "submit position %d", pos)

		_, err = c.CheckPosition(context.Background(), "ada@example.com")
		require.Error(t, err)
		qe, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, KindServer, qe.Kind)
		assert.Contains(t, qe.Message, "malformed response")
	}
}

func TestClient_SubmitValidatesBeforeNetwork(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	c := newTestClient(api)

	_, err := c.Submit(context.Background(), SubmissionRequest{Email: "not-an-email", Role: "x"})
	require.Error(t, err)
	qe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindValidation, qe.Kind)
	assert.Equal(t, "email", qe.Fields["email"])
	assert.Equal(t, "required", qe.Fields["firstName"])
	assert.False(t, qe.Retryable())
	assert.Zero(t, api.calls.Load())
}

func TestClient_ServerFieldErrors(t *testing.T) {
	cases := map[string]interface{}{
		"map":  map[string]interface{}{"message": "bad input", "errors": map[string]string{"role": "unknown role"}},
		"list": map[string]interface{}{"message": "bad input", "errors": []map[string]string{{"field": "role", "message": "unknown role"}}},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusUnprocessableEntity, body)
			})
			_, err := newTestClient(api).Submit(context.Background(), validSubmission())

			qe, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, KindValidation, qe.Kind)
			assert.Equal(t, "bad input", qe.Message)
			assert.Equal(t, map[string]string{"role": "unknown role"}, qe.Fields)
		})
	}
}

func TestClient_CheckPositionNotFound(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/waitlist/position", r.URL.Path)
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not in queue"})
	})

	_, err := newTestClient(api).CheckPosition(context.Background(), "ada@example.com")
	assert.True(t, IsKind(err, KindNotFound))
	qe, _ := AsError(err)
	assert.Equal(t, "not in queue", qe.Message)
	assert.Equal(t, http.StatusNotFound, qe.Status)
}

func TestClient_StatusMapping(t *testing.T) {
	cases := []struct {
		status    int
		kind      Kind
		retryable bool
	}{
		{http.StatusUnauthorized, KindUnauthorized, false},
		{http.StatusForbidden, KindUnauthorized, false},
		{http.StatusBadRequest, KindValidation, false},
		{http.StatusConflict, KindValidation, false},
		{http.StatusInternalServerError, KindServer, true},
		{http.StatusBadGateway, KindServer, true},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})
			_, err := newTestClient(api).FetchSystemStatus(context.Background())
			qe, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, tc.kind, qe.Kind)
			assert.Equal(t, tc.retryable, qe.Retryable())
		})
	}
}

func TestClient_FetchSystemStatus(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"waitlistEnabled": true,
			"stats":           map[string]int{"total": 1000, "waiting": 600, "invited": 300, "onboarded": 100},
		})
	})

	status, err := newTestClient(api).FetchSystemStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.Equal(t, QueueStats{Total: 1000, Waiting: 600, Invited: 300, Onboarded: 100}, status.Stats)
}

func TestClient_RateLimitedHeaderThenLocalCooldown(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"message": "slow down"})
	})
	limiter := ratelimit.NewRateLimiter(&ratelimit.Config{Enabled: false})
	c := newTestClient(api, WithRateLimiter(limiter))

	_, err := c.CheckPosition(context.Background(), "ada@example.com")
	qe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindRateLimited, qe.Kind)
	assert.Equal(t, 30*time.Second, qe.RetryAfter)
	assert.True(t, qe.Retryable())

	// cooling down: no request leaves the client
	_, err = c.CheckPosition(context.Background(), "ada@example.com")
	qe, ok = AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindRateLimited, qe.Kind)
	assert.Greater(t, qe.RetryAfter, 29*time.Second)
	assert.Equal(t, int32(1), api.calls.Load())

	// other operations are not blocked
	_, _ = c.FetchSystemStatus(context.Background())
	assert.Equal(t, int32(2), api.calls.Load())
}

func TestClient_RetryAfterSources(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("http date", func(t *testing.T) {
		api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", now.Add(90*time.Second).Format(http.TimeFormat))
			w.WriteHeader(http.StatusTooManyRequests)
		})
		_, err := newTestClient(api, WithClock(func() time.Time { return now })).FetchSystemStatus(context.Background())
		qe, _ := AsError(err)
		require.NotNil(t, qe)
		assert.Equal(t, 90*time.Second, qe.RetryAfter)
	})

	t.Run("body", func(t *testing.T) {
		api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"retryAfter": 12})
		})
		_, err := newTestClient(api).FetchSystemStatus(context.Background())
		qe, _ := AsError(err)
		require.NotNil(t, qe)
		assert.Equal(t, 12*time.Second, qe.RetryAfter)
	})

	t.Run("missing", func(t *testing.T) {
		api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
		_, err := newTestClient(api).FetchSystemStatus(context.Background())
		qe, _ := AsError(err)
		require.NotNil(t, qe)
		assert.Equal(t, DefaultRetryAfter, qe.RetryAfter)
	})
}

func TestClient_TimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	c := NewClient(Config{BaseURL: api.server.URL, RequestTimeout: 20 * time.Millisecond}, WithLogger(logger.Discard()))
	_, err := c.FetchSystemStatus(context.Background())
	qe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindNetwork, qe.Kind)
	assert.True(t, qe.Timeout)
	assert.True(t, qe.Retryable())
}

func TestClient_TransportFailureIsNetworkError(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {})
	api.server.Close()

	_, err := newTestClient(api).FetchSystemStatus(context.Background())
	qe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindNetwork, qe.Kind)
	assert.False(t, qe.Timeout)
}

func signedToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestClient_VerifyAccessTokenIsSingleUse(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	access := signedToken(t, "user-1", now.Add(time.Hour))

	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "magic-link", body["token"])
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"accessToken": access,
			"user":        map[string]interface{}{"id": "user-1", "email": "ada@example.com"},
		})
	})
	c := newTestClient(api, WithClock(func() time.Time { return now }))

	grant, err := c.VerifyAccessToken(context.Background(), "magic-link")
	require.NoError(t, err)
	assert.Equal(t, access, grant.AccessToken)
	assert.Equal(t, "user-1", grant.Subject)
	require.NotNil(t, grant.ExpiresAt)
	assert.Equal(t, now.Add(time.Hour).Unix(), grant.ExpiresAt.Unix())
	assert.Equal(t, "ada@example.com", grant.User.Email)

	_, err = c.VerifyAccessToken(context.Background(), "magic-link")
	assert.True(t, IsKind(err, KindUnauthorized))
	assert.Equal(t, int32(1), api.calls.Load(), "reuse must not reach the network")
}

func TestClient_VerifyAccessTokenExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expired := signedToken(t, "user-1", now.Add(-time.Minute))
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"accessToken": expired})
	})

	_, err := newTestClient(api, WithClock(func() time.Time { return now })).VerifyAccessToken(context.Background(), "t")
	assert.True(t, IsKind(err, KindUnauthorized))
}

func TestClient_VerifyAccessTokenNetworkFailureAllowsRetry(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"accessToken": "opaque"})
	})
	c := newTestClient(api)

	_, err := c.VerifyAccessToken(context.Background(), "t")
	assert.True(t, IsKind(err, KindRateLimited))

	fail.Store(false)
	grant, err := c.VerifyAccessToken(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, "opaque", grant.AccessToken)
	assert.Empty(t, grant.Subject)
}

func TestClient_Share(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		var body ShareRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, PlatformLinkedIn, body.Platform)
		writeJSON(w, http.StatusOK, map[string]string{"shareUrl": "https://example.com/r/ADA42"})
	})
	c := newTestClient(api)

	res, err := c.Share(context.Background(), ShareRequest{ReferralCode: "ADA42", Platform: "LinkedIn"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/r/ADA42", res.ShareURL)

	_, err = c.Share(context.Background(), ShareRequest{ReferralCode: "ADA42", Platform: "myspace"})
	qe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindValidation, qe.Kind)
	assert.Equal(t, "oneof", qe.Fields["platform"])
	assert.Equal(t, int32(1), api.calls.Load())
}

func TestClient_ReferralAndLeaderboard(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/waitlist/referral":
			assert.Equal(t, "ADA42", r.URL.Query().Get("code"))
			writeJSON(w, http.StatusOK, map[string]interface{}{"referralCount": 3})
		case "/api/waitlist/leaderboard":
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"entries": []map[string]interface{}{{"rank": 1, "displayName": "Ada", "referralCount": 9}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	c := newTestClient(api)

	summary, err := c.Referral(context.Background(), " ADA42 ")
	require.NoError(t, err)
	assert.Equal(t, "ADA42", summary.ReferralCode)
	assert.Equal(t, 3, summary.ReferralCount)

	board, err := c.Leaderboard(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, board.Entries, 1)
	assert.Equal(t, "Ada", board.Entries[0].DisplayName)

	_, err = c.Referral(context.Background(), "")
	assert.True(t, IsKind(err, KindValidation))
}

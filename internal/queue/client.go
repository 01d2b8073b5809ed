package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"queuetrack/pkg/logger"
	"queuetrack/pkg/ratelimit"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	// used when a 429 carries no usable retry hint
	DefaultRetryAfter = 60 * time.Second
	maxResponseBytes  = 1 << 20
)

// Operation names, also used as rate limiter keys
const (
	OpSubmit      = "submit"
	OpPosition    = "position"
	OpStatus      = "status"
	OpVerify      = "verify"
	OpShare       = "share"
	OpReferral    = "referral"
	OpLeaderboard = "leaderboard"
)

// TokenSource supplies the bearer token for outbound calls. An empty token
// sends no Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Config for the queue API client
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	UserAgent      string
}

// Client talks to the remote waitlist API. It holds no queue state besides
// the digests of redeemed access tokens.
type Client struct {
	baseURL   string
	timeout   time.Duration
	userAgent string

	httpClient *http.Client
	tokens     TokenSource
	limiter    *ratelimit.RateLimiter
	validate   *validator.Validate
	log        *logger.Logger
	now        func() time.Time

	usedMu     sync.Mutex
	usedTokens map[[32]byte]struct{}
}

// Option customizes a Client
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

func WithRateLimiter(rl *ratelimit.RateLimiter) Option {
	return func(c *Client) { c.limiter = rl }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a queue API client
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	v := validator.New()
	// report json field names instead of Go struct field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    timeout,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{},
		validate:   v,
		log:        logger.GetDefault(),
		now:        time.Now,
		usedTokens: make(map[[32]byte]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		c.limiter = ratelimit.NewRateLimiter(&ratelimit.Config{Enabled: false})
	}
	return c
}

// Submit joins the waitlist. The server deduplicates by email.
func (c *Client) Submit(ctx context.Context, req SubmissionRequest) (*QueueEntry, error) {
	req.Email = NormalizeEmail(req.Email)
	req.ReferralCode = strings.TrimSpace(req.ReferralCode)
	if req.Meta == nil {
		req.Meta = map[string]interface{}{}
	}
	if err := c.validateRequest(req); err != nil {
		return nil, err
	}

	var resp entryResponse
	if err := c.do(ctx, OpSubmit, http.MethodPost, "/waitlist/submit", nil, req, &resp); err != nil {
		return nil, err
	}
	if merr := resp.malformed(); merr != nil {
		return nil, merr
	}
	return resp.toEntry(req.Email), nil
}

// CheckPosition looks up the entry for email. A 404 is KindNotFound.
func (c *Client) CheckPosition(ctx context.Context, email string) (*QueueEntry, error) {
	req := positionRequest{Email: NormalizeEmail(email)}
	if err := c.validateRequest(req); err != nil {
		return nil, err
	}

	var resp entryResponse
	if err := c.do(ctx, OpPosition, http.MethodPost, "/waitlist/position", nil, req, &resp); err != nil {
		return nil, err
	}
	if merr := resp.malformed(); merr != nil {
		return nil, merr
	}
	return resp.toEntry(req.Email), nil
}

// FetchSystemStatus returns the feature flag and aggregate stats
func (c *Client) FetchSystemStatus(ctx context.Context) (*SystemStatus, error) {
	var status SystemStatus
	if err := c.do(ctx, OpStatus, http.MethodGet, "/waitlist/status", nil, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// VerifyAccessToken redeems a single-use token. Reusing a token fails
// locally with KindUnauthorized.
func (c *Client) VerifyAccessToken(ctx context.Context, token string) (*AccessGrant, error) {
	token = strings.TrimSpace(token)
	if err := c.validateRequest(verifyRequest{Token: token}); err != nil {
		return nil, err
	}

	digest := blake2b.Sum256([]byte(token))
	c.usedMu.Lock()
	if _, seen := c.usedTokens[digest]; seen {
		c.usedMu.Unlock()
		return nil, newError(KindUnauthorized, 0, "access token already used")
	}
	c.usedTokens[digest] = struct{}{}
	c.usedMu.Unlock()

	var resp verifyResponse
	err := c.do(ctx, OpVerify, http.MethodPost, "/waitlist/verify", nil, verifyRequest{Token: token}, &resp)
	if err != nil {
		// the server never saw the token, so it may be presented again
		if qe, ok := AsError(err); ok && (qe.Kind == KindNetwork || qe.Kind == KindRateLimited) {
			c.forgetToken(digest)
		}
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, newError(KindServer, http.StatusOK, "malformed response: missing accessToken")
	}

	grant := &AccessGrant{AccessToken: resp.AccessToken, User: resp.User}
	if err := c.decodeClaims(grant); err != nil {
		return nil, err
	}
	return grant, nil
}

// Share creates a share link for a referral code
func (c *Client) Share(ctx context.Context, req ShareRequest) (*ShareResult, error) {
	req.ReferralCode = strings.TrimSpace(req.ReferralCode)
	req.Platform = SharePlatform(strings.ToLower(strings.TrimSpace(string(req.Platform))))
	if err := c.validateRequest(req); err != nil {
		return nil, err
	}

	var result ShareResult
	if err := c.do(ctx, OpShare, http.MethodPost, "/waitlist/share", nil, req, &result); err != nil {
		return nil, err
	}
	if result.ShareURL == "" {
		return nil, newError(KindServer, http.StatusOK, "malformed response: missing shareUrl")
	}
	return &result, nil
}

// Referral returns the referral summary for a code
func (c *Client) Referral(ctx context.Context, referralCode string) (*ReferralSummary, error) {
	referralCode = strings.TrimSpace(referralCode)
	if referralCode == "" {
		return nil, &Error{
			Kind:    KindValidation,
			Message: "referral code is required",
			Fields:  map[string]string{"code": "required"},
		}
	}

	var summary ReferralSummary
	query := url.Values{"code": []string{referralCode}}
	if err := c.do(ctx, OpReferral, http.MethodGet, "/waitlist/referral", query, nil, &summary); err != nil {
		return nil, err
	}
	if summary.ReferralCode == "" {
		summary.ReferralCode = referralCode
	}
	return &summary, nil
}

// Leaderboard returns the top referrers. limit <= 0 uses the server default.
func (c *Client) Leaderboard(ctx context.Context, limit int) (*Leaderboard, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": []string{strconv.Itoa(limit)}}
	}

	var board Leaderboard
	if err := c.do(ctx, OpLeaderboard, http.MethodGet, "/waitlist/leaderboard", query, nil, &board); err != nil {
		return nil, err
	}
	return &board, nil
}

func (c *Client) forgetToken(digest [32]byte) {
	c.usedMu.Lock()
	delete(c.usedTokens, digest)
	c.usedMu.Unlock()
}

// decodeClaims reads sub and exp without verifying the signature. Opaque
// tokens are accepted as-is.
func (c *Client) decodeClaims(grant *AccessGrant) error {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(grant.AccessToken, claims); err != nil {
		return nil
	}

	grant.Subject = claims.Subject
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		grant.ExpiresAt = &exp
		if !exp.After(c.now()) {
			return newError(KindUnauthorized, 0, "access token expired")
		}
	}
	return nil
}

func (c *Client) validateRequest(req interface{}) error {
	err := c.validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Kind: KindValidation, Message: err.Error(), Err: err}
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return &Error{Kind: KindValidation, Message: "invalid request", Fields: fields, Err: err}
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	res, err := c.limiter.Wait(ctx, op)
	if err != nil {
		return &Error{Kind: KindNetwork, Message: "request canceled", Err: err}
	}
	if !res.Allowed {
		c.log.LogRateLimited(ctx, op, res.RetryAfter)
		return &Error{
			Kind:       KindRateLimited,
			Message:    "too many requests",
			RetryAfter: res.RetryAfter,
			Status:     http.StatusTooManyRequests,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	requestID := uuid.New().String()
	start := time.Now()
	status, err := c.roundTrip(ctx, requestID, method, path, query, body, out)
	c.log.LogQueueRequest(ctx, op, requestID, status, time.Since(start), err)

	if qe, ok := AsError(err); ok && qe.Kind == KindRateLimited {
		c.limiter.Block(op, qe.RetryAfter)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, requestID, method, path string, query url.Values, body, out interface{}) (int, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, &Error{Kind: KindValidation, Message: "failed to encode request", Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, &Error{Kind: KindNetwork, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return 0, &Error{Kind: KindUnauthorized, Message: "failed to obtain access token", Err: err}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, networkError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, networkError(ctx, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return resp.StatusCode, nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, &Error{
				Kind:    KindServer,
				Status:  resp.StatusCode,
				Message: "malformed response",
				Err:     err,
			}
		}
		return resp.StatusCode, nil
	}

	return resp.StatusCode, c.statusError(resp, raw)
}

func (c *Client) statusError(resp *http.Response, raw []byte) *Error {
	var body errorResponse
	_ = json.Unmarshal(raw, &body)

	msg := body.message()
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	qe := &Error{Status: resp.StatusCode, Message: msg}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		qe.Kind = KindRateLimited
		qe.RetryAfter = c.retryAfter(resp.Header.Get("Retry-After"), body.RetryAfter)
	case resp.StatusCode == http.StatusNotFound:
		qe.Kind = KindNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		qe.Kind = KindUnauthorized
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		qe.Kind = KindValidation
		qe.Fields = body.fields()
	default:
		qe.Kind = KindServer
	}
	return qe
}

// retryAfter reads the header as seconds or an HTTP date, then the body hint
func (c *Client) retryAfter(header string, bodySeconds *float64) time.Duration {
	header = strings.TrimSpace(header)
	if header != "" {
		if secs, err := strconv.ParseFloat(header, 64); err == nil && secs >= 0 {
			return secondsToDuration(secs)
		}
		if at, err := http.ParseTime(header); err == nil {
			if d := at.Sub(c.now()); d > 0 {
				return d.Round(time.Second)
			}
			return 0
		}
	}
	if bodySeconds != nil && *bodySeconds >= 0 {
		return secondsToDuration(*bodySeconds)
	}
	return DefaultRetryAfter
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(math.Ceil(secs*1000)) * time.Millisecond
}

func networkError(ctx context.Context, err error) *Error {
	qe := &Error{Kind: KindNetwork, Message: "request failed", Err: err}

	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		qe.Timeout = true
		qe.Message = "request timed out"
	case errors.As(err, &netErr) && netErr.Timeout():
		qe.Timeout = true
		qe.Message = "request timed out"
	case errors.Is(err, context.Canceled):
		qe.Message = "request canceled"
	}
	return qe
}

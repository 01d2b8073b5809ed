package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"queuetrack/internal/bus"
	"queuetrack/internal/queue"
	"queuetrack/internal/scheduler"
	"queuetrack/internal/shared/constants"
	"queuetrack/internal/waitlist"
	"queuetrack/pkg/logger"
)

// ErrNoReferralCode is returned when no code was given and no entry is tracked
var ErrNoReferralCode = errors.New("no referral code available")

// QueueAPI is the queue client surface the tracker uses
type QueueAPI interface {
	waitlist.QueueAPI
	VerifyAccessToken(ctx context.Context, token string) (*queue.AccessGrant, error)
	Share(ctx context.Context, req queue.ShareRequest) (*queue.ShareResult, error)
	Referral(ctx context.Context, referralCode string) (*queue.ReferralSummary, error)
	Leaderboard(ctx context.Context, limit int) (*queue.Leaderboard, error)
}

// Cache is the status cache surface the tracker uses
type Cache interface {
	waitlist.Cache
	Restore(ctx context.Context) (int, error)
}

// Config wires the tracker's schedulers
type Config struct {
	// Email tracked at startup when nothing was restored
	Email string

	PollInterval        time.Duration
	DebounceDelay       time.Duration
	HousekeepingSpec    string
	HousekeepingTimeout time.Duration
	LeaderboardLimit    int

	Engine *waitlist.Config
}

func DefaultConfig() *Config {
	return &Config{
		PollInterval:        scheduler.DefaultPollInterval,
		DebounceDelay:       scheduler.DefaultDebounceDelay,
		HousekeepingSpec:    scheduler.DefaultHousekeepingSpec,
		HousekeepingTimeout: 30 * time.Second,
		LeaderboardLimit:    10,
		Engine:              waitlist.DefaultConfig(),
	}
}

// Service composes the engine with its schedulers and the event bus
type Service struct {
	api    QueueAPI
	cache  Cache
	bus    *bus.Bus
	engine *waitlist.Engine
	config *Config
	log    *logger.Logger

	submits     *scheduler.Debouncer[*queue.QueueEntry]
	positions   *scheduler.Debouncer[*queue.QueueEntry]
	poller      *scheduler.Poller
	housekeeper *scheduler.Housekeeper
	dispatcher  *bus.Dispatcher

	mu          sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	unsubscribe func()
	sub         *bus.Subscription
	workers     sync.WaitGroup
}

// NewService builds the tracker. Nothing runs until Start.
func NewService(api QueueAPI, cache Cache, b *bus.Bus, config *Config, log *logger.Logger) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Engine == nil {
		config.Engine = waitlist.DefaultConfig()
	}
	if config.LeaderboardLimit <= 0 {
		config.LeaderboardLimit = 10
	}
	if config.HousekeepingSpec == "" {
		config.HousekeepingSpec = scheduler.DefaultHousekeepingSpec
	}
	if log == nil {
		log = logger.GetDefault()
	}
	if b == nil {
		b = bus.New()
	}

	s := &Service{
		api:       api,
		cache:     cache,
		bus:       b,
		config:    config,
		log:       log.WithComponent("tracker"),
		submits:   scheduler.NewDebouncer[*queue.QueueEntry](config.DebounceDelay),
		positions: scheduler.NewDebouncer[*queue.QueueEntry](config.DebounceDelay),
	}
	s.engine = waitlist.NewEngine(api, cache, config.Engine, waitlist.WithLogger(log))
	s.poller = scheduler.NewPoller(func(ctx context.Context) error {
		return s.engine.RefreshStatus(ctx, false)
	}, &scheduler.PollerConfig{Interval: config.PollInterval}, log)
	s.housekeeper = scheduler.NewHousekeeper(log, config.HousekeepingTimeout)
	s.dispatcher = bus.NewDispatcher(s.engine, log)
	return s
}

// Start restores persisted state, performs the first refresh and launches
// the poller, dispatcher and housekeeping jobs. A stopped service cannot be
// restarted.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	if err := s.housekeeper.Add("leaderboard", s.config.HousekeepingSpec, s.refreshLeaderboard); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.housekeeper.Add("referral", s.config.HousekeepingSpec, s.refreshReferral); err != nil {
		s.mu.Unlock()
		return err
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.unsubscribe = s.engine.Subscribe(s.followSnapshot)
	s.sub = s.bus.Subscribe(16)
	s.mu.Unlock()

	if _, err := s.cache.Restore(ctx); err != nil {
		s.log.WithError(err).Warn("Failed to restore status cache, starting cold")
	}
	restored := s.engine.Restore(ctx)

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.dispatcher.Run(runCtx, s.sub)
	}()
	s.poller.Start(runCtx)
	s.housekeeper.Start()

	var err error
	if !restored && s.config.Email != "" {
		err = s.engine.UserUpdated(ctx, queue.User{Email: s.config.Email})
	} else {
		err = s.engine.RefreshStatus(ctx, false)
	}
	if err != nil {
		// the poller retries on its cadence
		s.log.WithError(err).Warn("Initial refresh failed")
	}
	return nil
}

// Stop shuts down the schedulers and drops pending debounced calls
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.stopped = true
	cancel, unsubscribe, sub := s.cancel, s.unsubscribe, s.sub
	s.mu.Unlock()

	unsubscribe()
	s.submits.Stop()
	s.positions.Stop()
	s.poller.Stop()
	sub.Close()
	cancel()
	s.workers.Wait()

	if err := s.housekeeper.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop tracker: %w", err)
	}
	s.log.Info("Tracker stopped")
	return nil
}

func (s *Service) followSnapshot(snap waitlist.Snapshot) {
	s.poller.SetEnabled(snap.Enabled)
}

// Submit joins the waitlist. Rapid repeats for one email collapse into the last.
func (s *Service) Submit(ctx context.Context, req queue.SubmissionRequest) (*queue.QueueEntry, error) {
	key := queue.NormalizeEmail(req.Email)
	return s.submits.Do(ctx, key, func(ctx context.Context) (*queue.QueueEntry, error) {
		return s.engine.Submit(ctx, req)
	})
}

// CheckPosition looks up an email. Rapid repeats collapse into one lookup.
func (s *Service) CheckPosition(ctx context.Context, email string) (*queue.QueueEntry, error) {
	key := queue.NormalizeEmail(email)
	return s.positions.Do(ctx, key, func(ctx context.Context) (*queue.QueueEntry, error) {
		return s.engine.CheckPosition(ctx, key)
	})
}

func (s *Service) RefreshStatus(ctx context.Context, force bool) error {
	return s.engine.RefreshStatus(ctx, force)
}

// Share generates a share link, defaulting to the tracked referral code
func (s *Service) Share(ctx context.Context, req queue.ShareRequest) (*queue.ShareResult, error) {
	if req.ReferralCode == "" {
		code, err := s.trackedReferralCode()
		if err != nil {
			return nil, err
		}
		req.ReferralCode = code
	}
	return s.api.Share(ctx, req)
}

// VerifyAccess redeems a magic-link token. A successful grant is published
// as a token refresh so the engine sees the user's onboarding state.
func (s *Service) VerifyAccess(ctx context.Context, token string) (*queue.AccessGrant, error) {
	grant, err := s.api.VerifyAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.bus.Publish(ctx, bus.TokenRefreshed(grant.AccessToken, grant.User)); err != nil {
		s.log.WithError(err).Warn("Failed to publish token refresh")
	}
	return grant, nil
}

// Referral returns the referral summary, cached per code
func (s *Service) Referral(ctx context.Context, code string) (*queue.ReferralSummary, error) {
	if code == "" {
		var err error
		if code, err = s.trackedReferralCode(); err != nil {
			return nil, err
		}
	}

	var cached queue.ReferralSummary
	if found, stale, _ := s.cache.Get(constants.BuildWaitlistReferralKey(code), &cached, false); found && !stale {
		return &cached, nil
	}
	return s.fetchReferral(ctx, code)
}

// Leaderboard returns the referral leaderboard, cached
func (s *Service) Leaderboard(ctx context.Context) (*queue.Leaderboard, error) {
	var cached queue.Leaderboard
	if found, stale, _ := s.cache.Get(constants.CACHE_KEY_WAITLIST_LEADERBOARD, &cached, false); found && !stale {
		return &cached, nil
	}
	return s.fetchLeaderboard(ctx)
}

func (s *Service) Snapshot() waitlist.Snapshot {
	return s.engine.Snapshot()
}

// Subscribe registers a snapshot listener. fn must not block.
func (s *Service) Subscribe(fn func(waitlist.Snapshot)) (unsubscribe func()) {
	return s.engine.Subscribe(fn)
}

// PublishEvent injects an event onto the bus
func (s *Service) PublishEvent(ctx context.Context, ev bus.Event) error {
	return s.bus.Publish(ctx, ev)
}

func (s *Service) trackedReferralCode() (string, error) {
	snap := s.engine.Snapshot()
	if snap.Entry == nil || snap.Entry.ReferralCode == "" {
		return "", ErrNoReferralCode
	}
	return snap.Entry.ReferralCode, nil
}

func (s *Service) fetchReferral(ctx context.Context, code string) (*queue.ReferralSummary, error) {
	summary, err := s.api.Referral(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(constants.BuildWaitlistReferralKey(code), summary, constants.TTL_WAITLIST_REFERRAL); err != nil {
		s.log.WithError(err).Warn("Failed to cache referral summary")
	}
	return summary, nil
}

func (s *Service) fetchLeaderboard(ctx context.Context) (*queue.Leaderboard, error) {
	board, err := s.api.Leaderboard(ctx, s.config.LeaderboardLimit)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(constants.CACHE_KEY_WAITLIST_LEADERBOARD, board, constants.TTL_WAITLIST_LEADERBOARD); err != nil {
		s.log.WithError(err).Warn("Failed to cache leaderboard")
	}
	return board, nil
}

func (s *Service) refreshLeaderboard(ctx context.Context) error {
	_, err := s.fetchLeaderboard(ctx)
	return err
}

// refreshReferral drops cached summaries and re-warms the tracked one
func (s *Service) refreshReferral(ctx context.Context) error {
	if err := s.cache.InvalidatePrefix(constants.PATTERN_INVALIDATE_WAITLIST_REFERRALS); err != nil {
		return err
	}
	code, err := s.trackedReferralCode()
	if err != nil {
		return nil
	}
	_, err = s.fetchReferral(ctx, code)
	return err
}

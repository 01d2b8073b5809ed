package waitlist

import (
	"context"
	"errors"
	"sync"
	"time"

	"queuetrack/internal/estimate"
	"queuetrack/internal/queue"
	"queuetrack/internal/referral"
	"queuetrack/internal/shared/constants"
	"queuetrack/pkg/logger"

	"golang.org/x/sync/singleflight"
)

// QueueAPI is the subset of the queue client the engine drives
type QueueAPI interface {
	Submit(ctx context.Context, req queue.SubmissionRequest) (*queue.QueueEntry, error)
	CheckPosition(ctx context.Context, email string) (*queue.QueueEntry, error)
	FetchSystemStatus(ctx context.Context) (*queue.SystemStatus, error)
}

// Cache is the subset of the status cache the engine uses
type Cache interface {
	Get(key string, dest interface{}, allowStale bool) (found, stale bool, err error)
	Set(key string, value interface{}, ttl time.Duration) error
	Invalidate(key string) error
	InvalidatePrefix(prefix string) error
}

// Config tunes the derived figures and cache lifetimes
type Config struct {
	BoostPerReferral int
	ApprovalsPerWeek int
	StatusTTL        time.Duration
}

// DefaultConfig returns the stock tuning
func DefaultConfig() *Config {
	return &Config{
		BoostPerReferral: referral.DefaultBoostPerReferral,
		ApprovalsPerWeek: estimate.DefaultApprovalsPerWeek,
		StatusTTL:        constants.TTL_WAITLIST_STATUS,
	}
}

type resource string

const (
	resourceEntry  resource = "entry"
	resourceStatus resource = "status"
)

// Engine owns the snapshot of one user's queue state and reconciles it
// with server responses. The snapshot lock is never held across I/O.
type Engine struct {
	api    QueueAPI
	cache  Cache
	config *Config
	log    *logger.Logger
	now    func() time.Time

	submits singleflight.Group

	mu        sync.Mutex
	snap      Snapshot
	issued    map[resource]uint64
	applied   map[resource]uint64
	submitted map[string]bool

	notifyMu     sync.Mutex
	listenerMu   sync.Mutex
	listeners    map[int]func(Snapshot)
	nextListener int
}

// Option customizes an Engine
type Option func(*Engine)

func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine in the idle state
func NewEngine(api QueueAPI, cache Cache, config *Config, opts ...Option) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	e := &Engine{
		api:       api,
		cache:     cache,
		config:    config,
		log:       logger.GetDefault(),
		now:       time.Now,
		snap:      Snapshot{State: StateIdle},
		issued:    make(map[resource]uint64),
		applied:   make(map[resource]uint64),
		submitted: make(map[string]bool),
		listeners: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Snapshot returns a copy of the current state
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.Copy()
}

// Subscribe registers fn to receive a snapshot after every change
func (e *Engine) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	e.listenerMu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	e.listenerMu.Unlock()

	return func() {
		e.listenerMu.Lock()
		delete(e.listeners, id)
		e.listenerMu.Unlock()
	}
}

// Submit joins the waitlist. Concurrent submits for one email share a call.
func (e *Engine) Submit(ctx context.Context, req queue.SubmissionRequest) (*queue.QueueEntry, error) {
	email := queue.NormalizeEmail(req.Email)

	v, err, _ := e.submits.Do(email, func() (interface{}, error) {
		return e.submit(ctx, email, req)
	})
	if err != nil {
		return nil, err
	}
	held, _ := v.(*queue.QueueEntry)
	if held == nil {
		return nil, errSuperseded
	}
	entry := *held
	return &entry, nil
}

func (e *Engine) submit(ctx context.Context, email string, req queue.SubmissionRequest) (*queue.QueueEntry, error) {
	e.mu.Lock()
	seq := e.beginLocked(ctx, resourceEntry)
	e.snap.Pending = &PendingSubmission{Email: email, SubmittedAt: e.now()}
	e.mu.Unlock()
	e.notify()

	entry, err := e.api.Submit(ctx, req)

	e.mu.Lock()
	if !e.acceptLocked(ctx, resourceEntry, seq) {
		if e.snap.Pending != nil && e.snap.Pending.Email == email {
			e.snap.Pending = nil
		}
		e.settleLocked(ctx, false)
		e.mu.Unlock()
		e.notify()
		return e.withInviteDate(entry), err
	}
	e.snap.Pending = nil
	if err != nil {
		e.failLocked(ctx, err)
		e.mu.Unlock()
		e.notify()
		return nil, err
	}

	applied := e.applyEntryLocked(ctx, entry)
	if applied && !e.submitted[entry.Email] {
		e.submitted[entry.Email] = true
		if e.snap.Stats != nil {
			e.snap.Stats.Waiting++
			e.snap.StatsProjected = true
			e.decorateLocked()
		}
	}
	result := e.snap.Entry
	if result != nil {
		cp := *result
		result = &cp
	}
	e.readyLocked(ctx)
	e.mu.Unlock()

	if applied {
		e.persistEntry(ctx, result)
	}
	e.notify()
	return result, nil
}

// CheckPosition fetches the entry for email and, once the server answers,
// makes it the tracked one. A failed call keeps the previous entry. A
// missing entry returns ErrNotInQueue.
func (e *Engine) CheckPosition(ctx context.Context, email string) (*queue.QueueEntry, error) {
	email = queue.NormalizeEmail(email)
	if email == "" {
		return nil, &queue.Error{
			Kind:    queue.KindValidation,
			Message: "email is required",
			Fields:  map[string]string{"email": "required"},
		}
	}

	var cached queue.QueueEntry
	found, _, _ := e.cache.Get(constants.BuildWaitlistEntryKey(email), &cached, true)

	e.mu.Lock()
	seq := e.beginLocked(ctx, resourceEntry)
	// the held entry stays until the server answers for the new email
	if e.snap.Entry == nil && found && (e.snap.Email == "" || e.snap.Email == email) {
		e.snap.Email = email
		e.snap.Entry = &cached
		e.snap.Stale = true
		e.decorateLocked()
	}
	e.mu.Unlock()
	e.notify()

	entry, err := e.api.CheckPosition(ctx, email)
	return e.finishEntryFetch(ctx, email, seq, entry, err)
}

// RefreshStatus reloads the system status, from cache unless force is set
// or the record is stale, then re-fetches the tracked entry.
func (e *Engine) RefreshStatus(ctx context.Context, force bool) error {
	e.mu.Lock()
	seq := e.beginLocked(ctx, resourceStatus)
	e.mu.Unlock()
	e.notify()

	var (
		status *queue.SystemStatus
		err    error
	)
	if !force {
		var cached queue.SystemStatus
		if found, stale, _ := e.cache.Get(constants.CACHE_KEY_WAITLIST_STATUS, &cached, false); found && !stale {
			status = &cached
		}
	}
	if status == nil {
		status, err = e.api.FetchSystemStatus(ctx)
		if err == nil {
			if cerr := e.cache.Set(constants.CACHE_KEY_WAITLIST_STATUS, status, e.config.StatusTTL); cerr != nil {
				e.log.WithError(cerr).Warn("Failed to persist waitlist status")
			}
		}
	}

	e.mu.Lock()
	if e.acceptLocked(ctx, resourceStatus, seq) {
		if err != nil {
			e.failLocked(ctx, err)
		} else {
			stats := status.Stats
			e.snap.Enabled = status.Enabled
			e.snap.Stats = &stats
			e.snap.StatsProjected = false
			e.decorateLocked()
			e.readyLocked(ctx)
		}
	} else {
		e.settleLocked(ctx, false)
	}
	email := e.snap.Email
	enabled := e.snap.Enabled
	e.mu.Unlock()
	e.notify()

	if err != nil {
		return err
	}
	if email == "" || !enabled {
		return nil
	}

	e.mu.Lock()
	entrySeq := e.beginLocked(ctx, resourceEntry)
	e.mu.Unlock()

	entry, err := e.api.CheckPosition(ctx, email)
	if _, err := e.finishEntryFetch(ctx, email, entrySeq, entry, err); err != nil && !errors.Is(err, ErrNotInQueue) {
		return err
	}
	return nil
}

// SetEnabled applies a pushed feature toggle. It supersedes any status
// fetch already in flight.
func (e *Engine) SetEnabled(ctx context.Context, enabled bool) {
	e.mu.Lock()
	e.supersedeLocked(resourceStatus)
	changed := e.snap.Enabled != enabled
	e.snap.Enabled = enabled
	e.snap.UpdatedAt = e.now()
	e.settleLocked(ctx, true)
	e.mu.Unlock()

	if changed {
		if err := e.cache.Invalidate(constants.CACHE_KEY_WAITLIST_STATUS); err != nil {
			e.log.WithError(err).Warn("Failed to invalidate waitlist status cache")
		}
		e.log.InfoWithContext(ctx, "Waitlist toggled", map[string]interface{}{"enabled": enabled})
	}
	e.notify()
}

// UserUpdated reacts to an account change. Onboarded users are handed off
// to the session system, anyone else becomes the tracked email.
func (e *Engine) UserUpdated(ctx context.Context, user queue.User) error {
	if user.IsOnboarded() {
		e.mu.Lock()
		email := e.snap.Email
		e.supersedeLocked(resourceEntry)
		e.clearEntryLocked()
		e.snap.Email = ""
		e.snap.UpdatedAt = e.now()
		e.settleLocked(ctx, false)
		e.mu.Unlock()

		e.dropPersistedEntries()
		e.log.InfoWithContext(ctx, "User onboarded, queue tracking handed off", map[string]interface{}{"email": email})
		e.notify()
		return nil
	}

	email := queue.NormalizeEmail(user.Email)
	if email == "" {
		return nil
	}

	e.mu.Lock()
	e.trackLocked(email)
	e.mu.Unlock()

	if err := e.cache.Set(constants.CACHE_KEY_WAITLIST_CURRENT_EMAIL, email, constants.TTL_WAITLIST_ENTRY); err != nil {
		e.log.WithError(err).Warn("Failed to persist tracked email")
	}
	return e.RefreshStatus(ctx, true)
}

// Logout drops every in-flight response and clears all user state
func (e *Engine) Logout(ctx context.Context) {
	e.mu.Lock()
	from := e.snap.State
	e.supersedeLocked(resourceEntry)
	e.supersedeLocked(resourceStatus)
	e.snap = Snapshot{State: StateIdle, UpdatedAt: e.now()}
	e.submitted = make(map[string]bool)
	e.mu.Unlock()

	e.dropPersistedEntries()
	e.log.LogStateTransition(ctx, string(from), string(StateIdle))
	e.notify()
}

// Restore seeds the snapshot from the persisted cache. The result is marked
// stale until the next authoritative response.
func (e *Engine) Restore(ctx context.Context) bool {
	var (
		email  string
		status queue.SystemStatus
		entry  queue.QueueEntry
	)
	emailFound, _, _ := e.cache.Get(constants.CACHE_KEY_WAITLIST_CURRENT_EMAIL, &email, true)
	statusFound, _, _ := e.cache.Get(constants.CACHE_KEY_WAITLIST_STATUS, &status, true)
	entryFound := false
	if emailFound && email != "" {
		entryFound, _, _ = e.cache.Get(constants.BuildWaitlistEntryKey(email), &entry, true)
	}
	if !emailFound && !statusFound {
		return false
	}

	e.mu.Lock()
	// anything applied since start wins over the restored copy
	if e.applied[resourceEntry] > 0 || e.applied[resourceStatus] > 0 || e.snap.Email != "" {
		e.mu.Unlock()
		return false
	}
	if emailFound {
		e.snap.Email = email
	}
	if entryFound {
		e.snap.Entry = &entry
	}
	if statusFound {
		stats := status.Stats
		e.snap.Enabled = status.Enabled
		e.snap.Stats = &stats
	}
	e.snap.Stale = true
	e.snap.UpdatedAt = e.now()
	e.decorateLocked()
	e.mu.Unlock()

	e.log.InfoWithContext(ctx, "Restored waitlist state from cache", map[string]interface{}{
		"email":  email,
		"entry":  entryFound,
		"status": statusFound,
	})
	e.notify()
	return true
}

func (e *Engine) finishEntryFetch(ctx context.Context, email string, seq uint64, entry *queue.QueueEntry, err error) (*queue.QueueEntry, error) {
	e.mu.Lock()
	if !e.acceptLocked(ctx, resourceEntry, seq) {
		settled := e.settleLocked(ctx, false)
		e.mu.Unlock()
		if settled {
			e.notify()
		}
		if queue.IsKind(err, queue.KindNotFound) {
			return nil, ErrNotInQueue
		}
		return e.withInviteDate(entry), err
	}

	if queue.IsKind(err, queue.KindNotFound) {
		// the server says the email is not queued: track it with no entry
		e.trackLocked(email)
		e.clearEntryLocked()
		e.readyLocked(ctx)
		e.mu.Unlock()

		if cerr := e.cache.Invalidate(constants.BuildWaitlistEntryKey(email)); cerr != nil {
			e.log.WithError(cerr).Warn("Failed to invalidate waitlist entry")
		}
		e.notify()
		return nil, ErrNotInQueue
	}
	if err != nil {
		e.failLocked(ctx, err)
		e.mu.Unlock()
		e.notify()
		return nil, err
	}

	e.trackLocked(email)
	applied := e.applyEntryLocked(ctx, entry)
	result := e.snap.Entry
	if result != nil {
		cp := *result
		result = &cp
	}
	e.readyLocked(ctx)
	e.mu.Unlock()

	if applied {
		e.persistEntry(ctx, result)
	}
	e.notify()
	return result, nil
}

// applyEntryLocked replaces the held entry wholesale. A response that
// would move the status backwards for the same email is a stale read.
func (e *Engine) applyEntryLocked(ctx context.Context, entry *queue.QueueEntry) bool {
	if entry == nil {
		return false
	}
	held := e.snap.Entry
	if held != nil && held.Email == entry.Email && entry.Status.Rank() < held.Status.Rank() {
		e.log.WarnContext(ctx, "Dropping entry with regressed status",
			"email", entry.Email, "held", string(held.Status), "received", string(entry.Status))
		return false
	}

	next := *e.withInviteDate(entry)

	if held != nil && held.Email == next.Email && held.Position != next.Position {
		e.log.LogPositionChanged(ctx, next.Email, held.Position, next.Position)
	}

	e.snap.Entry = &next
	e.snap.Email = next.Email
	e.snap.Stale = false
	e.decorateLocked()
	return true
}

// withInviteDate returns a copy of entry carrying the locally computed
// invite date. Nil stays nil.
func (e *Engine) withInviteDate(entry *queue.QueueEntry) *queue.QueueEntry {
	if entry == nil {
		return nil
	}
	next := *entry
	date := estimate.InviteDate(next.Position, e.config.ApprovalsPerWeek, e.now())
	next.EstimatedInviteDate = &date
	return &next
}

func (e *Engine) decorateLocked() {
	entry := e.snap.Entry
	if entry == nil {
		e.snap.Insights = nil
		return
	}

	now := e.now()
	if entry.EstimatedInviteDate == nil {
		date := estimate.InviteDate(entry.Position, e.config.ApprovalsPerWeek, now)
		entry.EstimatedInviteDate = &date
	}

	total := 0
	if e.snap.Stats != nil {
		total = referral.QueueSize(*e.snap.Stats)
	}
	boost := referral.PositionBoost(entry.ReferralCount, entry.Position, e.config.BoostPerReferral)
	e.snap.Insights = &Insights{
		PositionBoost:     boost,
		ProjectedPosition: referral.ProjectedPosition(entry.Position, boost),
		Tier:              referral.StatusTier(entry.Position),
		Progress:          referral.ProgressPercentage(entry.Position, total),
		WeeksToAccess:     estimate.WeeksToAccess(entry.Position, e.config.ApprovalsPerWeek),
		InviteDate:        *entry.EstimatedInviteDate,
		Bucket:            estimate.BucketFor(*entry.EstimatedInviteDate, now),
	}
}

func (e *Engine) trackLocked(email string) {
	if e.snap.Email == email {
		return
	}
	e.snap.Email = email
	if e.snap.Entry != nil && e.snap.Entry.Email != email {
		e.clearEntryLocked()
	}
}

func (e *Engine) clearEntryLocked() {
	e.snap.Entry = nil
	e.snap.Pending = nil
	e.snap.Insights = nil
}

// beginLocked issues the next sequence for r and moves into a busy state.
// Leaving the error state passes through idle.
func (e *Engine) beginLocked(ctx context.Context, r resource) uint64 {
	e.issued[r]++

	from := e.snap.State
	if from == StateError {
		e.log.LogStateTransition(ctx, string(StateError), string(StateIdle))
		from = StateIdle
		e.snap.State = StateIdle
		e.snap.LastError = nil
	}

	to := StateLoading
	if from == StateReady || from == StateRefreshing {
		to = StateRefreshing
	}
	if to != e.snap.State {
		e.log.LogStateTransition(ctx, string(e.snap.State), string(to))
		e.snap.State = to
	}
	return e.issued[r]
}

// acceptLocked reports whether a response carrying seq may be applied
func (e *Engine) acceptLocked(ctx context.Context, r resource, seq uint64) bool {
	if seq <= e.applied[r] {
		e.log.LogStaleResponseDropped(ctx, string(r), seq, e.applied[r])
		return false
	}
	e.applied[r] = seq
	return true
}

// supersedeLocked makes every request issued so far for r unappliable
func (e *Engine) supersedeLocked(r resource) {
	e.issued[r]++
	e.applied[r] = e.issued[r]
}

func (e *Engine) readyLocked(ctx context.Context) {
	if e.snap.State != StateReady {
		e.log.LogStateTransition(ctx, string(e.snap.State), string(StateReady))
	}
	e.snap.State = StateReady
	e.snap.LastError = nil
	e.snap.UpdatedAt = e.now()
}

// settleLocked leaves loading/refreshing once nothing issued can still
// apply. known marks the snapshot as holding authoritative data even when
// it has no entry or stats, otherwise an empty snapshot settles to idle.
func (e *Engine) settleLocked(ctx context.Context, known bool) bool {
	if e.snap.State != StateLoading && e.snap.State != StateRefreshing {
		return false
	}
	for r, n := range e.issued {
		if n > e.applied[r] {
			return false
		}
	}
	if known || e.snap.Entry != nil || e.snap.Stats != nil {
		e.readyLocked(ctx)
		return true
	}
	e.log.LogStateTransition(ctx, string(e.snap.State), string(StateIdle))
	e.snap.State = StateIdle
	e.snap.UpdatedAt = e.now()
	return true
}

// failLocked records err and keeps the previous data
func (e *Engine) failLocked(ctx context.Context, err error) {
	if e.snap.State != StateError {
		e.log.LogStateTransition(ctx, string(e.snap.State), string(StateError))
	}
	e.snap.State = StateError
	e.snap.LastError = errorInfo(err)
	e.snap.UpdatedAt = e.now()
}

func (e *Engine) persistEntry(ctx context.Context, entry *queue.QueueEntry) {
	if entry == nil {
		return
	}
	if err := e.cache.Set(constants.BuildWaitlistEntryKey(entry.Email), entry, constants.TTL_WAITLIST_ENTRY); err != nil {
		e.log.ErrorWithContext(ctx, "Failed to persist waitlist entry", err, map[string]interface{}{"email": entry.Email})
	}
	if err := e.cache.Set(constants.CACHE_KEY_WAITLIST_CURRENT_EMAIL, entry.Email, constants.TTL_WAITLIST_ENTRY); err != nil {
		e.log.ErrorWithContext(ctx, "Failed to persist tracked email", err, nil)
	}
}

func (e *Engine) dropPersistedEntries() {
	if err := e.cache.InvalidatePrefix(constants.PATTERN_INVALIDATE_WAITLIST_ENTRIES); err != nil {
		e.log.WithError(err).Warn("Failed to invalidate waitlist entries")
	}
	if err := e.cache.Invalidate(constants.CACHE_KEY_WAITLIST_CURRENT_EMAIL); err != nil {
		e.log.WithError(err).Warn("Failed to invalidate tracked email")
	}
}

// notify delivers the latest snapshot to every listener. Deliveries are
// serialized so listeners observe changes in order.
func (e *Engine) notify() {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	snap := e.Snapshot()

	e.listenerMu.Lock()
	fns := make([]func(Snapshot), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.listenerMu.Unlock()

	for _, fn := range fns {
		fn(snap.Copy())
	}
}

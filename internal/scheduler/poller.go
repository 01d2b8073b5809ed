package scheduler

import (
	"context"
	"sync"
	"time"

	"queuetrack/pkg/logger"
)

// DefaultPollInterval is the background refresh cadence
const DefaultPollInterval = 120 * time.Second

// RefreshFunc is invoked on every poll tick
type RefreshFunc func(ctx context.Context) error

// PollerConfig contains configuration for background polling
type PollerConfig struct {
	Interval time.Duration
}

// DefaultPollerConfig returns default polling configuration
func DefaultPollerConfig() *PollerConfig {
	return &PollerConfig{Interval: DefaultPollInterval}
}

// Poller refreshes on a fixed interval while enabled. No timer is armed
// while it is disabled.
type Poller struct {
	refresh RefreshFunc
	config  *PollerConfig
	log     *logger.Logger

	mu      sync.Mutex
	parent  context.Context
	enabled bool
	stopped bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
}

// NewPoller creates a poller. It does nothing until Start.
func NewPoller(refresh RefreshFunc, config *PollerConfig, log *logger.Logger) *Poller {
	if config == nil {
		config = DefaultPollerConfig()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultPollInterval
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &Poller{
		refresh: refresh,
		config:  config,
		log:     log.WithComponent("poller"),
	}
}

// Start binds the poller to ctx and arms it if already enabled
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || p.parent != nil {
		return
	}
	p.parent = ctx
	if p.enabled {
		p.armLocked()
	}
}

// SetEnabled arms or disarms the interval. It never waits for a running
// refresh, so it is safe to call from inside one.
func (p *Poller) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.enabled == enabled {
		return
	}
	p.enabled = enabled

	if !enabled {
		p.disarmLocked()
		p.log.Info("Polling paused")
		return
	}
	if p.parent != nil && !p.stopped {
		p.armLocked()
	}
}

// Enabled reports whether polling is currently requested
func (p *Poller) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Stop cancels the interval and waits for the loop to exit
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.disarmLocked()
	p.mu.Unlock()

	p.loops.Wait()
	p.log.Info("Poller stopped")
}

func (p *Poller) armLocked() {
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(p.parent)
	p.cancel = cancel

	p.loops.Add(1)
	go p.loop(ctx)
	p.log.Info("Polling started", "interval", p.config.Interval)
}

func (p *Poller) disarmLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer p.loops.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			p.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	if err := p.refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.log.ErrorWithContext(ctx, "Background refresh failed", err, nil)
	}
}

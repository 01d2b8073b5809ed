package scheduler

import (
	"context"
	"fmt"
	"time"

	"queuetrack/pkg/logger"

	"github.com/robfig/cron/v3"
)

// DefaultHousekeepingSpec runs every ten minutes on the minute
const DefaultHousekeepingSpec = "0 */10 * * * *"

// Housekeeper runs periodic maintenance jobs on cron specs with seconds
type Housekeeper struct {
	cron    *cron.Cron
	log     *logger.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHousekeeper creates a housekeeper. Each job run is bounded by timeout.
func NewHousekeeper(log *logger.Logger, timeout time.Duration) *Housekeeper {
	if log == nil {
		log = logger.GetDefault()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Housekeeper{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		log:     log.WithComponent("housekeeper"),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a job under spec
func (h *Housekeeper) Add(name, spec string, job func(ctx context.Context) error) error {
	_, err := h.cron.AddFunc(spec, func() { h.run(name, job) })
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	h.log.Info("Housekeeping job scheduled", "job", name, "spec", spec)
	return nil
}

// Jobs returns the number of registered jobs
func (h *Housekeeper) Jobs() int {
	return len(h.cron.Entries())
}

// Start begins running jobs in the background
func (h *Housekeeper) Start() {
	h.cron.Start()
}

// Stop prevents new runs, cancels running ones and waits for them or ctx
func (h *Housekeeper) Stop(ctx context.Context) error {
	done := h.cron.Stop()
	h.cancel()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("housekeeper stop: %w", ctx.Err())
	}
}

func (h *Housekeeper) run(name string, job func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	defer cancel()

	start := time.Now()
	if err := job(ctx); err != nil {
		h.log.ErrorWithContext(ctx, "Housekeeping job failed", err, map[string]interface{}{"job": name})
		return
	}
	h.log.DebugWithContext(ctx, "Housekeeping job finished", map[string]interface{}{
		"job":      name,
		"duration": time.Since(start),
	})
}

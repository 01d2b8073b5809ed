package bus

import (
	"context"

	"queuetrack/internal/queue"
	"queuetrack/pkg/logger"
)

// Handler receives the state transitions driven by bus events
type Handler interface {
	SetEnabled(ctx context.Context, enabled bool)
	UserUpdated(ctx context.Context, user queue.User) error
	Logout(ctx context.Context)
}

// Dispatcher maps bus events onto a Handler
type Dispatcher struct {
	handler Handler
	log     *logger.Logger
}

func NewDispatcher(handler Handler, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.GetDefault()
	}
	return &Dispatcher{handler: handler, log: log.WithComponent("dispatcher")}
}

// Run consumes sub until ctx is done or the subscription closes
func (d *Dispatcher) Run(ctx context.Context, sub *Subscription) {
	for {
		select {
		case ev := <-sub.C():
			if err := d.Dispatch(ctx, ev); err != nil {
				d.log.ErrorWithContext(ctx, "Bus event handling failed", err, map[string]interface{}{
					"event": string(ev.Type),
				})
			}
		case <-sub.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// Dispatch applies a single event
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	d.log.DebugWithContext(ctx, "Dispatching bus event", map[string]interface{}{"event": string(ev.Type)})

	switch ev.Type {
	case EventWaitlistToggle:
		d.handler.SetEnabled(ctx, *ev.Payload.Enabled)
	case EventUserUpdated, EventTokenRefreshed:
		return d.handler.UserUpdated(ctx, *ev.Payload.User)
	case EventLogout:
		d.handler.Logout(ctx)
	}
	return nil
}

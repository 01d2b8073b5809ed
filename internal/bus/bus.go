package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"queuetrack/internal/queue"
)

// EventType names one of the fixed messages carried on the bus
type EventType string

const (
	EventWaitlistToggle EventType = "waitlist:toggle"
	EventUserUpdated    EventType = "auth:user-updated"
	EventTokenRefreshed EventType = "auth:token-refreshed"
	EventLogout         EventType = "auth:logout"
)

var (
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrInvalidPayload = errors.New("invalid event payload")
	ErrClosed         = errors.New("bus closed")
)

// Payload holds the fields used by the different event types
type Payload struct {
	Enabled     *bool       `json:"enabled,omitempty"`
	User        *queue.User `json:"user,omitempty"`
	AccessToken string      `json:"accessToken,omitempty"`
}

// Event is the wire and in-process form: {"type": "...", "payload": {...}}
type Event struct {
	Type    EventType `json:"type"`
	Payload Payload   `json:"payload"`
}

func Toggle(enabled bool) Event {
	return Event{Type: EventWaitlistToggle, Payload: Payload{Enabled: &enabled}}
}

func UserUpdated(user queue.User) Event {
	return Event{Type: EventUserUpdated, Payload: Payload{User: &user}}
}

func TokenRefreshed(accessToken string, user queue.User) Event {
	return Event{Type: EventTokenRefreshed, Payload: Payload{AccessToken: accessToken, User: &user}}
}

func Logout() Event {
	return Event{Type: EventLogout}
}

// Validate checks the type is known and its payload is complete
func (e Event) Validate() error {
	switch e.Type {
	case EventWaitlistToggle:
		if e.Payload.Enabled == nil {
			return fmt.Errorf("%w: %s requires enabled", ErrInvalidPayload, e.Type)
		}
	case EventUserUpdated:
		if e.Payload.User == nil {
			return fmt.Errorf("%w: %s requires user", ErrInvalidPayload, e.Type)
		}
	case EventTokenRefreshed:
		if e.Payload.User == nil || e.Payload.AccessToken == "" {
			return fmt.Errorf("%w: %s requires accessToken and user", ErrInvalidPayload, e.Type)
		}
	case EventLogout:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, e.Type)
	}
	return nil
}

// Decode parses and validates a JSON encoded event
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Bus fans each published event out to every open subscription
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish delivers ev to each subscriber in turn. It blocks while a
// subscriber's buffer is full and gives up when ctx is done.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe opens a subscription with the given channel buffer
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	s := &Subscription{
		bus:  b,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.done)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Subscribers returns the number of open subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription and rejects further publishes
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for s := range subs {
		s.closeDone()
	}
}

// Subscription receives events until closed. C is never closed; select on
// Done to notice shutdown.
type Subscription struct {
	bus  *Bus
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.closeDone()
}

func (s *Subscription) closeDone() {
	s.once.Do(func() { close(s.done) })
}

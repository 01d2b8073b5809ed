package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"queuetrack/internal/queue"
	"queuetrack/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    EventType
		wantErr error
	}{
		{"toggle", `{"type":"waitlist:toggle","payload":{"enabled":false}}`, EventWaitlistToggle, nil},
		{"user updated", `{"type":"auth:user-updated","payload":{"user":{"id":"u1","email":"a@b.co","onboarded":true}}}`, EventUserUpdated, nil},
		{"token refreshed", `{"type":"auth:token-refreshed","payload":{"accessToken":"t","user":{"id":"u1","email":"a@b.co"}}}`, EventTokenRefreshed, nil},
		{"logout", `{"type":"auth:logout","payload":{}}`, EventLogout, nil},
		{"logout without payload", `{"type":"auth:logout"}`, EventLogout, nil},
		{"unknown", `{"type":"billing:charged","payload":{}}`, "", ErrUnknownEvent},
		{"toggle missing enabled", `{"type":"waitlist:toggle","payload":{}}`, "", ErrInvalidPayload},
		{"token missing token", `{"type":"auth:token-refreshed","payload":{"user":{"id":"u1"}}}`, "", ErrInvalidPayload},
		{"garbage", `{not json`, "", ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.raw))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Type)
		})
	}
}

func TestBus_FansOutToEverySubscriber(t *testing.T) {
	b := New()
	first := b.Subscribe(1)
	second := b.Subscribe(1)
	assert.Equal(t, 2, b.Subscribers())

	require.NoError(t, b.Publish(context.Background(), Toggle(true)))

	for _, sub := range []*Subscription{first, second} {
		ev := <-sub.C()
		assert.Equal(t, EventWaitlistToggle, ev.Type)
		assert.True(t, *ev.Payload.Enabled)
	}
}

func TestBus_PublishRejectsInvalidEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)

	err := b.Publish(context.Background(), Event{Type: "nope"})
	assert.ErrorIs(t, err, ErrUnknownEvent)
	assert.Empty(t, sub.C())
}

func TestBus_PublishHonoursContextWhenSubscriberIsFull(t *testing.T) {
	b := New()
	b.Subscribe(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Publish(ctx, Logout()), context.DeadlineExceeded)
}

func TestBus_ClosedSubscriptionDoesNotBlockPublishers(t *testing.T) {
	b := New()
	sub := b.Subscribe(0)
	sub.Close()
	sub.Close()

	assert.Zero(t, b.Subscribers())
	assert.NoError(t, b.Publish(context.Background(), Logout()))
}

func TestBus_Close(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	b.Close()

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription should be closed with the bus")
	}
	assert.ErrorIs(t, b.Publish(context.Background(), Logout()), ErrClosed)

	late := b.Subscribe(1)
	select {
	case <-late.Done():
	default:
		t.Fatal("subscribing to a closed bus should yield a closed subscription")
	}
}

type fakeHandler struct {
	mu      sync.Mutex
	enabled []bool
	users   []queue.User
	logouts int
}

func (h *fakeHandler) SetEnabled(_ context.Context, enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = append(h.enabled, enabled)
}

func (h *fakeHandler) UserUpdated(_ context.Context, user queue.User) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.users = append(h.users, user)
	return nil
}

func (h *fakeHandler) Logout(context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logouts++
}

func (h *fakeHandler) counts() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.enabled), len(h.users), h.logouts
}

func TestDispatcher_MapsEventsToTransitions(t *testing.T) {
	h := &fakeHandler{}
	d := NewDispatcher(h, logger.Discard())
	ctx := context.Background()

	user := queue.User{ID: "u1", Email: "ada@example.com"}
	require.NoError(t, d.Dispatch(ctx, Toggle(false)))
	require.NoError(t, d.Dispatch(ctx, UserUpdated(user)))
	require.NoError(t, d.Dispatch(ctx, TokenRefreshed("tok", user)))
	require.NoError(t, d.Dispatch(ctx, Logout()))

	assert.Equal(t, []bool{false}, h.enabled)
	assert.Equal(t, []queue.User{user, user}, h.users)
	assert.Equal(t, 1, h.logouts)

	assert.ErrorIs(t, d.Dispatch(ctx, Event{Type: EventUserUpdated}), ErrInvalidPayload)
}

func TestDispatcher_RunConsumesUntilSubscriptionCloses(t *testing.T) {
	b := New()
	h := &fakeHandler{}
	d := NewDispatcher(h, logger.Discard())
	sub := b.Subscribe(4)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), sub)
		close(done)
	}()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, Toggle(true)))
	require.NoError(t, b.Publish(ctx, UserUpdated(queue.User{ID: "u1", Email: "ada@example.com"})))
	require.NoError(t, b.Publish(ctx, Logout()))

	assert.Eventually(t, func() bool {
		e, u, l := h.counts()
		return e == 1 && u == 1 && l == 1
	}, time.Second, 5*time.Millisecond)

	sub.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

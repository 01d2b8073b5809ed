package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"queuetrack/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoller_DisabledArmsNoTimer(t *testing.T) {
	var calls atomic.Int32
	p := NewPoller(func(context.Context) error {
		calls.Add(1)
		return nil
	}, &PollerConfig{Interval: 5 * time.Millisecond}, logger.Discard())

	p.Start(context.Background())
	time.Sleep(40 * time.Millisecond)
	p.Stop()

	assert.Zero(t, calls.Load())
}

func TestPoller_RefreshesWhileEnabled(t *testing.T) {
	var calls atomic.Int32
	p := NewPoller(func(context.Context) error {
		calls.Add(1)
		return errors.New("transient")
	}, &PollerConfig{Interval: 5 * time.Millisecond}, logger.Discard())

	p.SetEnabled(true)
	p.Start(context.Background())

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond,
		"errors must not stop the cadence")

	p.SetEnabled(false)
	time.Sleep(20 * time.Millisecond)
	paused := calls.Load()
	time.Sleep(40 * time.Millisecond)
	assert.LessOrEqual(t, calls.Load(), paused+1)

	p.Stop()
}

func TestPoller_DisableFromInsideRefresh(t *testing.T) {
	var calls atomic.Int32
	var p *Poller
	p = NewPoller(func(context.Context) error {
		calls.Add(1)
		p.SetEnabled(false)
		return nil
	}, &PollerConfig{Interval: 5 * time.Millisecond}, logger.Discard())

	p.SetEnabled(true)
	p.Start(context.Background())

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, p.Enabled())

	p.Stop()
}

func TestPoller_NothingFiresAfterStop(t *testing.T) {
	var calls atomic.Int32
	p := NewPoller(func(context.Context) error {
		calls.Add(1)
		return nil
	}, &PollerConfig{Interval: 5 * time.Millisecond}, logger.Discard())

	p.SetEnabled(true)
	p.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	p.Stop()
	after := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, calls.Load())

	// re-enabling a stopped poller stays inert
	p.SetEnabled(false)
	p.SetEnabled(true)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestDebouncer_CollapsesBurstIntoOneCall(t *testing.T) {
	d := NewDebouncer[int](80 * time.Millisecond)
	var calls atomic.Int32

	var wg sync.WaitGroup
	results := make([]int, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			v, err := d.Do(context.Background(), "ada@example.com", func(context.Context) (int, error) {
				calls.Add(1)
				return 42, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}()
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []int{42, 42, 42, 42, 42}, results)
	assert.Zero(t, d.Pending())
}

func TestDebouncer_TrailingCallWins(t *testing.T) {
	d := NewDebouncer[string](20 * time.Millisecond)

	first := make(chan string, 1)
	go func() {
		v, _ := d.Do(context.Background(), "k", func(context.Context) (string, error) { return "first", nil })
		first <- v
	}()
	require.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, time.Millisecond)

	v, err := d.Do(context.Background(), "k", func(context.Context) (string, error) { return "second", nil })
	require.NoError(t, err)
	assert.Equal(t, "second", v)
	assert.Equal(t, "second", <-first)
}

func TestDebouncer_KeysAreIndependent(t *testing.T) {
	d := NewDebouncer[string](10 * time.Millisecond)
	var calls atomic.Int32

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		wg.Add(1)
		key := key
		go func() {
			defer wg.Done()
			v, err := d.Do(context.Background(), key, func(context.Context) (string, error) {
				calls.Add(1)
				return key, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, key, v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3), calls.Load())
}

func TestDebouncer_FlushFiresImmediately(t *testing.T) {
	d := NewDebouncer[int](time.Hour)

	done := make(chan int, 1)
	go func() {
		v, _ := d.Do(context.Background(), "k", func(context.Context) (int, error) { return 7, nil })
		done <- v
	}()
	require.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, time.Millisecond)

	d.Flush()
	select {
	case v := <-done:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("flush did not deliver")
	}
}

func TestDebouncer_CancelDropsPendingCalls(t *testing.T) {
	d := NewDebouncer[int](20 * time.Millisecond)
	var calls atomic.Int32

	errs := make(chan error, 1)
	go func() {
		_, err := d.Do(context.Background(), "k", func(context.Context) (int, error) {
			calls.Add(1)
			return 1, nil
		})
		errs <- err
	}()
	require.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, time.Millisecond)

	d.Cancel()
	assert.ErrorIs(t, <-errs, ErrCanceled)

	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, calls.Load(), "no timer may fire after cancel")
}

func TestDebouncer_StopRejectsNewCalls(t *testing.T) {
	d := NewDebouncer[int](time.Millisecond)
	d.Stop()

	_, err := d.Do(context.Background(), "k", func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestDebouncer_CallerContext(t *testing.T) {
	d := NewDebouncer[int](time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := d.Do(ctx, "k", func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	d.Stop()
}

func TestHousekeeper_RejectsBadSpec(t *testing.T) {
	h := NewHousekeeper(logger.Discard(), time.Second)
	err := h.Add("bad", "not a spec", func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Zero(t, h.Jobs())
}

func TestHousekeeper_RunsScheduledJobs(t *testing.T) {
	h := NewHousekeeper(logger.Discard(), time.Second)
	var runs atomic.Int32
	require.NoError(t, h.Add("tick", "* * * * * *", func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		runs.Add(1)
		return nil
	}))
	assert.Equal(t, 1, h.Jobs())

	h.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Stop(ctx))
}

func TestHousekeeper_StopCancelsRunningJob(t *testing.T) {
	h := NewHousekeeper(logger.Discard(), time.Minute)

	started := make(chan struct{})
	finished := make(chan error, 1)
	go h.run("slow", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		finished <- ctx.Err()
		return fmt.Errorf("slow: %w", ctx.Err())
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Stop(ctx))
	assert.ErrorIs(t, <-finished, context.Canceled)
}

package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedTicker struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int) (*Report, error)
}

func (s *scriptedTicker) Tick(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	if s.fn == nil {
		return &Report{}, nil
	}
	return s.fn(ctx, call)
}

func (s *scriptedTicker) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func runLoop(t *testing.T, loop *Loop, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	return done
}

func TestLoopTicksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := &scriptedTicker{fn: func(_ context.Context, call int) (*Report, error) {
		if call == 3 {
			cancel()
		}
		return &Report{}, nil
	}}
	loop := NewLoop(ticker, LoopOptions{Interval: time.Millisecond, Logger: discardLogger()})

	select {
	case err := <-runLoop(t, loop, ctx):
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, 3, ticker.count())
}

func TestLoopTickCompletesAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tickErr error
	ticker := &scriptedTicker{fn: func(tickCtx context.Context, _ int) (*Report, error) {
		cancel()
		tickErr = tickCtx.Err()
		return &Report{}, nil
	}}
	loop := NewLoop(ticker, LoopOptions{Interval: time.Hour, Logger: discardLogger()})

	require.NoError(t, loop.Run(ctx))
	assert.NoError(t, tickErr, "a started tick is not cancelled")
	assert.Equal(t, 1, ticker.count())
}

func TestLoopDoesNotStartWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ticker := &scriptedTicker{}
	require.NoError(t, NewLoop(ticker, LoopOptions{Logger: discardLogger()}).Run(ctx))
	assert.Zero(t, ticker.count())
}

func TestLoopSurvivesErrorsAndPanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var errs []error
	ticker := &scriptedTicker{fn: func(_ context.Context, call int) (*Report, error) {
		switch call {
		case 1:
			return &Report{TickID: "one"}, newTickError(KindRender, "one", errors.New("bad template"))
		case 2:
			panic("nil map write")
		default:
			cancel()
			return &Report{}, nil
		}
	}}
	loop := NewLoop(ticker, LoopOptions{
		Interval: time.Millisecond,
		Logger:   discardLogger(),
		AfterTick: func(_ *Report, err error) {
			mu.Lock()
			defer mu.Unlock()
			errs = append(errs, err)
		},
	})

	select {
	case err := <-runLoop(t, loop, ctx):
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 3)
	assert.ErrorIs(t, errs[0], ErrRender)
	assert.ErrorIs(t, errs[1], ErrPanic)
	assert.ErrorContains(t, errs[1], "nil map write")
	assert.NoError(t, errs[2])
}

func TestLoopWakeTicksEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wake := make(chan struct{}, 1)
	ticked := make(chan int, 10)
	ticker := &scriptedTicker{fn: func(_ context.Context, call int) (*Report, error) {
		ticked <- call
		return &Report{}, nil
	}}
	loop := NewLoop(ticker, LoopOptions{Interval: time.Hour, Wake: wake, Logger: discardLogger()})
	done := runLoop(t, loop, ctx)

	require.Equal(t, 1, <-ticked)
	wake <- struct{}{}

	select {
	case call := <-ticked:
		assert.Equal(t, 2, call)
	case <-time.After(5 * time.Second):
		t.Fatal("wake did not trigger a tick")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestLoopClosedWakeChannelKeepsInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wake := make(chan struct{})
	close(wake)
	ticker := &scriptedTicker{fn: func(_ context.Context, _ int) (*Report, error) {
		return &Report{}, nil
	}}
	loop := NewLoop(ticker, LoopOptions{Interval: time.Hour, Wake: wake, Logger: discardLogger()})

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
	assert.Equal(t, 1, ticker.count(), "a closed wake channel must not trigger an extra tick")
}

func TestTickErrorFormatting(t *testing.T) {
	err := newTickError(KindWrite, "abc", errors.New("disk full")).
		WithContext("pass", 2).
		WithContext("path", "/etc/nginx/conf.d/nginx.conf")

	assert.Equal(t, "[write] tick abc | context: pass=2, path=/etc/nginx/conf.d/nginx.conf | cause: disk full", err.Error())
	assert.ErrorIs(t, err, ErrWrite)
	assert.NotErrorIs(t, err, ErrReload)
	assert.Equal(t, KindWrite, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Ticker runs one reconciliation. *Reconciler implements it.
type Ticker interface {
	Tick(ctx context.Context) (*Report, error)
}

// LoopOptions configures a Loop.
type LoopOptions struct {
	Interval time.Duration
	// Wake, when it receives, cuts the current sleep short.
	Wake   <-chan struct{}
	Logger *slog.Logger
	// AfterTick is called after every tick, including failed ones.
	AfterTick func(*Report, error)
}

// Loop runs ticks forever with a fixed sleep between them. Cancellation is
// only observed between ticks: a started tick always runs to completion.
type Loop struct {
	ticker Ticker
	opts   LoopOptions
	logger *slog.Logger
}

// NewLoop returns a loop driving ticker.
func NewLoop(ticker Ticker, opts LoopOptions) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{ticker: ticker, opts: opts, logger: logger}
}

// Run ticks immediately and then after every interval until ctx is done.
// Tick failures are logged and never end the loop. Run returns nil once ctx
// is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("Reconciliation loop started", "interval", l.opts.Interval)
	wake := l.opts.Wake

	for {
		if ctx.Err() != nil {
			l.logger.Info("Reconciliation loop stopped")
			return nil
		}

		report, err := l.runTick(context.WithoutCancel(ctx))
		if l.opts.AfterTick != nil {
			l.opts.AfterTick(report, err)
		}

		wake = l.wait(ctx, wake)
	}
}

// wait sleeps for one interval or until wake fires. A closed wake channel is
// dropped and the sleep continues; the returned channel replaces wake.
func (l *Loop) wait(ctx context.Context, wake <-chan struct{}) <-chan struct{} {
	timer := time.NewTimer(l.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return wake
		case <-timer.C:
			return wake
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			l.logger.Info("Configuration changed, reconciling early")
			return wake
		}
	}
}

// runTick runs a single tick, converting a panic into a TickError.
func (l *Loop) runTick(ctx context.Context) (report *Report, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			tickID := ""
			if report != nil {
				tickID = report.TickID
			}
			err = newTickError(KindPanic, tickID, fmt.Errorf("%v", recovered))
			l.logger.Error("Tick panicked", "panic", recovered, "stack", string(debug.Stack()))
		}
	}()
	return l.ticker.Tick(ctx)
}

package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultClearingInterval is how often the Timer runs the scheduler.
const DefaultClearingInterval = time.Hour

// Timer runs the clearing scheduler on a fixed interval.
type Timer struct {
	scheduler *Scheduler
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
}

// NewTimer creates a clearing timer. A non-positive interval uses
// DefaultClearingInterval.
func NewTimer(scheduler *Scheduler, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultClearingInterval
	}
	return &Timer{
		scheduler: scheduler,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the clearing loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once and
// while a run is in progress.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in clearing timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.scheduler.RunOnce(ctx); err != nil {
		t.logger.Warn("clearing run failed", "error", err)
	}
}

package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer runs Sweep periodically.
type Timer struct {
	reaper   *Reaper
	opts     Options
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a reaper timer. opts.DryRun is ignored.
func NewTimer(reaper *Reaper, opts Options, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	opts.DryRun = false
	return &Timer{
		reaper:   reaper,
		opts:     opts,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
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
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reaper timer", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.reaper.Sweep(ctx, t.opts)
	if err != nil {
		t.logger.Warn("reaper sweep failed", "error", err)
		return
	}
	if report.Cancelled > 0 || report.Failed > 0 {
		t.logger.Info("reaper sweep complete",
			"cancelled", report.Cancelled, "skipped", report.Skipped, "failed", report.Failed)
	}
}

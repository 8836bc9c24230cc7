package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/accountbazaar/escrowd/internal/trade"
)

// Timer pulls the status of payments that have waited too long for a webhook,
// so a lost callback is recovered before the reaper cancels the purchase.
type Timer struct {
	reconciler  *Reconciler
	store       trade.Store
	interval    time.Duration
	verifyAfter time.Duration
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewTimer creates a verification timer for payments pending longer than verifyAfter.
func NewTimer(reconciler *Reconciler, store trade.Store, interval, verifyAfter time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		reconciler:  reconciler,
		store:       store,
		interval:    interval,
		verifyAfter: verifyAfter,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the verification loop. Call in a goroutine.
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
			t.safeVerifyStale(ctx)
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

func (t *Timer) safeVerifyStale(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in gateway timer", "panic", fmt.Sprint(r))
		}
	}()
	t.VerifyStale(ctx)
}

// VerifyStale checks one batch of stale pending payments and returns how many
// were moved. It stops early when the provider is unavailable.
func (t *Timer) VerifyStale(ctx context.Context) int {
	const batchSize = 100

	stale, err := t.store.ListPendingPayments(ctx, time.Now().Add(-t.verifyAfter), batchSize)
	if err != nil {
		t.logger.Warn("failed to list pending payments", "error", err)
		return 0
	}

	applied := 0
	for _, p := range stale {
		res, err := t.reconciler.Verify(ctx, p.ExternalID)
		if errors.Is(err, ErrUnavailable) {
			t.logger.Warn("provider unavailable, skipping verification sweep", "error", err)
			break
		}
		if err != nil {
			t.logger.Warn("failed to verify pending payment",
				"external_id", p.ExternalID, "transaction_id", p.TransactionID, "error", err)
			continue
		}
		if res.Outcome == OutcomeApplied {
			applied++
			t.logger.Info("recovered payment by verification",
				"external_id", p.ExternalID, "transaction_id", p.TransactionID, "status", res.PaymentStatus)
		}
	}

	if applied > 0 {
		t.logger.Info("gateway verification sweep complete", "applied", applied, "checked", len(stale))
	}
	return applied
}

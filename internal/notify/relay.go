package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/accountbazaar/escrowd/internal/apperr"
	"github.com/accountbazaar/escrowd/internal/retry"
)

var (
	outboxDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "outbox",
		Name:      "deliveries_total",
		Help:      "Outbox delivery attempts by topic and result.",
	}, []string{"topic", "result"})

	outboxBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "outbox",
		Name:      "backlog",
		Help:      "Pending outbox events seen in the last relay pass.",
	})
)

func init() {
	prometheus.MustRegister(outboxDeliveries, outboxBacklog)
}

// Relay delivers pending outbox events on an interval.
type Relay struct {
	store       OutboxStore
	publisher   Publisher
	logger      *slog.Logger
	interval    time.Duration
	maxAttempts int
	batchSize   int
	stop        chan struct{}
	running     atomic.Bool
	now         func() time.Time
}

// NewRelay creates a relay. Events that fail maxAttempts relay passes are marked failed.
func NewRelay(store OutboxStore, publisher Publisher, interval time.Duration, maxAttempts int, logger *slog.Logger) *Relay {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Relay{
		store:       store,
		publisher:   publisher,
		logger:      logger,
		interval:    interval,
		maxAttempts: maxAttempts,
		batchSize:   100,
		stop:        make(chan struct{}),
		now:         time.Now,
	}
}

// Running reports whether the relay loop is actively running.
func (r *Relay) Running() bool {
	return r.running.Load()
}

// Start begins the relay loop. Call in a goroutine.
func (r *Relay) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeFlush(ctx)
		}
	}
}

// Stop signals the relay to stop.
func (r *Relay) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Relay) safeFlush(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in outbox relay", "panic", fmt.Sprint(p))
		}
	}()
	if _, err := r.Flush(ctx); err != nil {
		r.logger.Warn("outbox relay pass failed", "error", err)
	}
}

// Flush delivers one batch of pending events and returns how many were delivered.
// Individual delivery failures are recorded on the event, not returned.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := r.store.PendingEvents(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("load pending events: %w", err)
	}
	outboxBacklog.Set(float64(len(events)))

	delivered := 0
	for _, e := range events {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		pubErr := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
			return r.publisher.Publish(ctx, e)
		})
		if pubErr == nil {
			if err := r.store.MarkDelivered(ctx, e.ID, r.now()); err != nil {
				return delivered, fmt.Errorf("mark event %s delivered: %w", e.ID, err)
			}
			outboxDeliveries.WithLabelValues(string(e.Topic), "delivered").Inc()
			delivered++
			continue
		}

		failed := e.Attempts+1 >= r.maxAttempts
		result := "retry"
		if failed {
			result = "failed"
		}
		outboxDeliveries.WithLabelValues(string(e.Topic), result).Inc()
		r.logger.Warn("outbox delivery failed",
			"event_id", e.ID, "topic", e.Topic, "type", e.Type, "attempt", e.Attempts+1,
			"gave_up", failed, "error", apperr.PartialFailure("notify.Relay", pubErr))
		if err := r.store.MarkAttempt(ctx, e.ID, pubErr.Error(), failed); err != nil {
			return delivered, fmt.Errorf("record attempt for event %s: %w", e.ID, err)
		}
	}
	return delivered, nil
}

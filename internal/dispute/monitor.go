package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	disputesOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "dispute",
		Name:      "opened_total",
		Help:      "Total disputes opened.",
	})

	disputesResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "dispute",
		Name:      "resolved_total",
		Help:      "Total disputes resolved by resolution.",
	}, []string{"resolution"})

	disputesOverdue = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "dispute",
		Name:      "overdue",
		Help:      "Open disputes past their resolution deadline at the last check.",
	})
)

func init() {
	prometheus.MustRegister(disputesOpened, disputesResolved, disputesOverdue)
}

// Monitor periodically reports overdue disputes. It never resolves anything;
// deadlines are advisory.
type Monitor struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewMonitor creates an overdue-dispute monitor.
func NewMonitor(service *Service, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Monitor{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the monitor loop is actively running.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Start begins the monitor loop. Call in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeCheck(ctx)
		}
	}
}

// Stop signals the monitor to stop.
func (m *Monitor) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

func (m *Monitor) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in dispute monitor", "panic", fmt.Sprint(r))
		}
	}()
	m.Check(ctx)
}

// Check updates the overdue gauge and logs each overdue dispute.
func (m *Monitor) Check(ctx context.Context) int {
	overdue, err := m.service.ListOverdue(ctx, 500)
	if err != nil {
		m.logger.Warn("failed to list overdue disputes", "error", err)
		return 0
	}
	disputesOverdue.Set(float64(len(overdue)))
	for _, d := range overdue {
		m.logger.Warn("dispute overdue",
			"dispute_id", d.ID, "transaction_id", d.TransactionID,
			"status", d.Status, "deadline", d.Deadline)
	}
	return len(overdue)
}

// Package reaper cancels purchases that were abandoned before settlement.
//
// A sweep has two halves. Plan is a pure function that picks, from a snapshot
// of candidates, the transactions that should be cancelled. Sweep then applies
// each intent in its own unit of work, re-planning against the locked row so a
// concurrent sweep or a late webhook that got there first wins and the row is
// skipped.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/accountbazaar/escrowd/internal/apperr"
	"github.com/accountbazaar/escrowd/internal/traces"
	"github.com/accountbazaar/escrowd/internal/trade"
)

// Defaults for Options.
const (
	DefaultPendingTimeout    = 30 * time.Minute
	DefaultProcessingTimeout = 2 * time.Hour
	DefaultLimit             = 500
)

var reaperCancelled = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "reaper",
	Name:      "cancelled_total",
	Help:      "Transactions cancelled by the reaper, by reason.",
}, []string{"reason"})

func init() {
	prometheus.MustRegister(reaperCancelled)
}

// Options controls one sweep.
type Options struct {
	DryRun            bool
	PendingTimeout    time.Duration
	ProcessingTimeout time.Duration
	Limit             int
}

func (o Options) withDefaults() Options {
	if o.PendingTimeout <= 0 {
		o.PendingTimeout = DefaultPendingTimeout
	}
	if o.ProcessingTimeout <= 0 {
		o.ProcessingTimeout = DefaultProcessingTimeout
	}
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	return o
}

// Candidate is a transaction and its payment, if any.
type Candidate struct {
	Transaction *trade.Transaction
	Payment     *trade.PaymentRecord
}

// Intent is a planned cancellation.
type Intent struct {
	TransactionID string        `json:"transactionId"`
	From          trade.Status  `json:"from"`
	Reason        string        `json:"reason"`
	Age           time.Duration `json:"age"`
}

// Plan selects the candidates that are due for cancellation at now:
// pending ones older than PendingTimeout, and processing ones older than
// ProcessingTimeout whose payment never reached a validated status.
func Plan(now time.Time, opts Options, candidates []Candidate) []Intent {
	opts = opts.withDefaults()
	var intents []Intent
	for _, c := range candidates {
		t := c.Transaction
		age := now.Sub(t.CreatedAt)
		switch t.Status {
		case trade.StatusPending:
			if age > opts.PendingTimeout {
				intents = append(intents, Intent{TransactionID: t.ID, From: t.Status, Reason: trade.CancelPaymentTimeout, Age: age})
			}
		case trade.StatusProcessing:
			validated := c.Payment != nil && c.Payment.Status.IsValidated()
			if !validated && age > opts.ProcessingTimeout {
				intents = append(intents, Intent{TransactionID: t.ID, From: t.Status, Reason: trade.CancelProcessingTimeout, Age: age})
			}
		}
	}
	return intents
}

// Report is the result of a sweep.
type Report struct {
	DryRun     bool     `json:"dryRun"`
	Candidates []Intent `json:"candidates"`
	Cancelled  int      `json:"cancelled"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
}

// Affected is the number of transactions the sweep acted on, or would have
// acted on in a dry run.
func (r *Report) Affected() int {
	if r.DryRun {
		return len(r.Candidates)
	}
	return r.Cancelled
}

// Reaper applies sweep plans.
type Reaper struct {
	store  trade.Store
	sm     *trade.StateMachine
	logger *slog.Logger
	now    func() time.Time
}

// New creates a reaper.
func New(store trade.Store, sm *trade.StateMachine, logger *slog.Logger) *Reaper {
	return &Reaper{store: store, sm: sm, logger: logger, now: time.Now}
}

// Sweep cancels abandoned transactions. Per-row failures are logged and
// counted in the report; an error is returned only if candidates cannot be read.
func (r *Reaper) Sweep(ctx context.Context, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	ctx, span := traces.StartSpan(ctx, "reaper.Sweep", traces.DryRun(opts.DryRun))
	defer span.End()

	now := r.now()
	candidates, err := r.candidates(ctx, now, opts)
	if err != nil {
		traces.SetError(span, err)
		return nil, err
	}

	report := &Report{DryRun: opts.DryRun, Candidates: Plan(now, opts, candidates)}
	if report.Candidates == nil {
		report.Candidates = []Intent{}
	}
	if opts.DryRun {
		return report, nil
	}

	for _, in := range report.Candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		done, err := r.cancel(ctx, in, opts)
		switch {
		case err != nil:
			report.Failed++
			r.logger.Warn("reaper: failed to cancel transaction", "transaction_id", in.TransactionID, "error", err)
		case !done:
			report.Skipped++
		default:
			report.Cancelled++
			r.logger.Info("reaper: cancelled abandoned transaction",
				"transaction_id", in.TransactionID, "from", in.From, "reason", in.Reason, "age", in.Age.Round(time.Second))
		}
	}
	return report, nil
}

func (r *Reaper) candidates(ctx context.Context, now time.Time, opts Options) ([]Candidate, error) {
	pending, err := r.store.ListStale(ctx, trade.StatusPending, now.Add(-opts.PendingTimeout), opts.Limit)
	if err != nil {
		return nil, err
	}
	processing, err := r.store.ListStale(ctx, trade.StatusProcessing, now.Add(-opts.ProcessingTimeout), opts.Limit)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(pending)+len(processing))
	for _, t := range append(pending, processing...) {
		p, err := r.store.GetPayment(ctx, t.ID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		out = append(out, Candidate{Transaction: t, Payment: p})
	}
	return out, nil
}

// cancel applies one intent. It reports false when the locked row no longer
// qualifies.
func (r *Reaper) cancel(ctx context.Context, in Intent, opts Options) (bool, error) {
	done := false
	err := r.store.WithTx(ctx, func(tx trade.Tx) error {
		t, err := tx.GetTransaction(ctx, in.TransactionID)
		if err != nil {
			return err
		}
		p, err := tx.GetPayment(ctx, t.ID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		now := r.now()
		again := Plan(now, opts, []Candidate{{Transaction: t, Payment: p}})
		if len(again) == 0 {
			return nil
		}

		if p != nil && !p.Status.IsValidated() && !p.Status.IsClosed() {
			p.Status = trade.PaymentCancelled
			p.UpdatedAt = now
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return err
			}
		}
		if err := r.sm.Transition(ctx, tx, t, trade.StatusCancelled, trade.TransitionOptions{CancelReason: again[0].Reason}); err != nil {
			return err
		}
		reason := again[0].Reason
		tx.AfterCommit(func() { reaperCancelled.WithLabelValues(reason).Inc() })
		done = true
		return nil
	})
	return done, err
}

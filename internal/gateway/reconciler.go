package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/accountbazaar/escrowd/internal/apperr"
	"github.com/accountbazaar/escrowd/internal/escrow"
	"github.com/accountbazaar/escrowd/internal/money"
	"github.com/accountbazaar/escrowd/internal/traces"
	"github.com/accountbazaar/escrowd/internal/trade"
)

// Outcome describes what Apply did with a notification.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"   // Payment and transaction moved
	OutcomeDuplicate Outcome = "duplicate" // Already applied; nothing changed
	OutcomeRecorded  Outcome = "recorded"  // Provider status stored, no transition
)

// Result is the effect of one Apply call.
type Result struct {
	Outcome       Outcome             `json:"outcome"`
	Event         Event               `json:"event"`
	TransactionID string              `json:"transactionId"`
	PaymentStatus trade.PaymentStatus `json:"paymentStatus"`
	Status        trade.Status        `json:"transactionStatus"`
}

// Reconciler applies provider notifications to payments and transactions.
type Reconciler struct {
	store  trade.Store
	sm     *trade.StateMachine
	ledger *escrow.Ledger
	client StatusChecker
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler creates a reconciler. client may be nil when pull
// verification is not configured.
func NewReconciler(store trade.Store, sm *trade.StateMachine, ledger *escrow.Ledger, client StatusChecker, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		sm:     sm,
		ledger: ledger,
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// Apply is the single entry point for provider statuses. It is idempotent per
// external ID: re-delivering a status that was already applied changes nothing.
//
// Errors: Validation for malformed input or an amount mismatch, NotFound for
// an unknown external ID, Conflict when the status contradicts the payment's
// current state (a late acceptance for a cancelled purchase, for example).
func (r *Reconciler) Apply(ctx context.Context, n Notification) (*Result, error) {
	const op = "gateway.Apply"
	ctx, span := traces.StartSpan(ctx, "gateway.Apply", traces.ExternalID(n.ExternalID))
	defer span.End()

	if err := n.Validate(); err != nil {
		return nil, err
	}
	event := Classify(n.StatusCode)
	status := strings.ToUpper(strings.TrimSpace(n.StatusCode))

	ref, err := r.store.GetPaymentByExternalID(ctx, n.ExternalID)
	if err != nil {
		traces.SetError(span, err)
		return nil, err
	}

	var res *Result
	err = r.store.WithTx(ctx, func(tx trade.Tx) error {
		t, err := tx.GetTransaction(ctx, ref.TransactionID)
		if err != nil {
			return err
		}
		p, err := tx.GetPayment(ctx, t.ID)
		if err != nil {
			return err
		}
		res = &Result{Event: event, TransactionID: t.ID}

		now := r.now()
		switch event {
		case EventAccepted:
			res.Outcome, err = r.accept(ctx, tx, t, p, n, now)
		case EventRefused:
			res.Outcome, err = r.refuse(ctx, tx, t, p, now)
		default:
			res.Outcome = OutcomeDuplicate
			if p.ProviderStatus != status {
				res.Outcome = OutcomeRecorded
			}
		}
		if err != nil {
			return err
		}
		if res.Outcome != OutcomeDuplicate {
			p.ProviderStatus = status
			if n.PaymentID != "" {
				p.ProviderPaymentID = n.PaymentID
			}
			p.UpdatedAt = now
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return err
			}
		}
		res.PaymentStatus = p.Status
		res.Status = t.Status
		return nil
	})
	if err != nil {
		trade.ObserveInvariant(r.logger, op, "", err)
		traces.SetError(span, err)
		return nil, err
	}

	r.logger.Info("gateway notification applied",
		"external_id", n.ExternalID, "status_code", status, "outcome", res.Outcome,
		"transaction_id", res.TransactionID, "payment_status", res.PaymentStatus)
	return res, nil
}

// accept captures funds into escrow and starts processing. The payment is
// written before the transition so observers see the validated payment.
func (r *Reconciler) accept(ctx context.Context, tx trade.Tx, t *trade.Transaction, p *trade.PaymentRecord, n Notification, now time.Time) (Outcome, error) {
	const op = "gateway.accept"
	if p.Status.AtLeast(trade.PaymentInEscrow) {
		return OutcomeDuplicate, nil
	}
	if p.Status.IsClosed() || t.Status != trade.StatusPending {
		return "", apperr.Conflict(op, "payment %s accepted after it was %s (transaction %s is %s)",
			p.ExternalID, p.Status, t.ID, t.Status)
	}
	if !money.Equal(n.Amount, p.Amount) {
		return "", apperr.Validation(op, "amount %s does not match expected %s for %s",
			money.Format(n.Amount), money.Format(p.Amount), p.ExternalID)
	}
	if n.Currency != "" && !strings.EqualFold(n.Currency, p.Currency) {
		return "", apperr.Validation(op, "currency %s does not match expected %s for %s", n.Currency, p.Currency, p.ExternalID)
	}

	h, err := tx.GetHoldByPayment(ctx, p.ID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		if h, err = r.ledger.NewHold(p.ID, t.ID, p.Amount, now); err != nil {
			return "", err
		}
		if err := tx.CreateHold(ctx, h); err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	}

	// payment_received is transient: the hold exists by the time we write.
	p.Status = trade.PaymentInEscrow
	p.ValidatedAt = &now
	p.UpdatedAt = now
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return "", err
	}
	if err := r.sm.Transition(ctx, tx, t, trade.StatusProcessing, trade.TransitionOptions{}); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// refuse fails the payment and cancels a pending purchase.
func (r *Reconciler) refuse(ctx context.Context, tx trade.Tx, t *trade.Transaction, p *trade.PaymentRecord, now time.Time) (Outcome, error) {
	const op = "gateway.refuse"
	if p.Status == trade.PaymentFailed {
		return OutcomeDuplicate, nil
	}
	if p.Status.IsValidated() {
		return "", apperr.Conflict(op, "payment %s refused after it was %s", p.ExternalID, p.Status)
	}

	if p.Status.IsClosed() || t.Status != trade.StatusPending {
		// Already cancelled by the reaper.
		return OutcomeRecorded, nil
	}

	p.Status = trade.PaymentFailed
	p.UpdatedAt = now
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return "", err
	}
	if err := r.sm.Transition(ctx, tx, t, trade.StatusCancelled, trade.TransitionOptions{
		CancelReason: trade.CancelPaymentFailed,
	}); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// Verify pulls the payment's status from the provider and applies it.
func (r *Reconciler) Verify(ctx context.Context, externalID string) (*Result, error) {
	const op = "gateway.Verify"
	if r.client == nil {
		return nil, apperr.Validation(op, "gateway status client not configured")
	}
	if _, err := r.store.GetPaymentByExternalID(ctx, externalID); err != nil {
		return nil, err
	}
	n, err := r.client.CheckStatus(ctx, externalID)
	if err != nil {
		return nil, err
	}
	n.ExternalID = externalID
	res, err := r.Apply(ctx, *n)
	gwNotifications.WithLabelValues("pull", outcomeLabel(res, err)).Inc()
	return res, err
}

// outcomeLabel buckets an Apply result for metrics.
func outcomeLabel(res *Result, err error) string {
	switch {
	case err == nil:
		return string(res.Outcome)
	case errors.Is(err, apperr.ErrNotFound):
		return "unknown"
	case errors.Is(err, apperr.ErrConflict):
		return "late"
	case errors.Is(err, apperr.ErrValidation):
		return "rejected"
	}
	return "error"
}

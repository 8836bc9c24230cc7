package trade

import (
	"context"
	"time"

	"github.com/accountbazaar/escrowd/internal/apperr"
	"github.com/accountbazaar/escrowd/internal/metrics"
)

// transitions is the closed table of legal status changes.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusDisputed, StatusCancelled},
	StatusDisputed:   {StatusRefunded, StatusCompleted},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionOptions carries per-transition details.
type TransitionOptions struct {
	// CancelReason is recorded when entering cancelled.
	CancelReason string
}

// TransitionObserver is told about every transition inside the same unit of
// work, after the new status and item flags are written. Observers may read
// the transaction's related records from tx and enqueue outbox events.
type TransitionObserver interface {
	AfterTransition(ctx context.Context, tx Tx, t *Transaction, from Status) error
}

// StateMachine is the single writer of Transaction.Status and inventory flags.
type StateMachine struct {
	policy    RefundItemPolicy
	observers []TransitionObserver
	now       func() time.Time
}

// NewStateMachine creates a state machine applying policy to refunded items.
func NewStateMachine(policy RefundItemPolicy) *StateMachine {
	if !policy.Valid() {
		policy = RefundRelist
	}
	return &StateMachine{policy: policy, now: time.Now}
}

// Observe registers an observer. Not safe to call concurrently with transitions;
// register everything during wiring.
func (m *StateMachine) Observe(o TransitionObserver) {
	m.observers = append(m.observers, o)
}

// Policy returns the refund item policy.
func (m *StateMachine) Policy() RefundItemPolicy {
	return m.policy
}

// Open creates a pending transaction and locks its item. The item must be
// purchasable and belong to the transaction's seller.
func (m *StateMachine) Open(ctx context.Context, tx Tx, t *Transaction) error {
	const op = "trade.Open"
	item, err := tx.GetItem(ctx, t.ItemID)
	if err != nil {
		return err
	}
	if item.SellerID != t.SellerID {
		return apperr.Validation(op, "item %s is not listed by seller %s", item.ID, t.SellerID)
	}
	if !item.Purchasable() {
		return apperr.Conflict(op, "item %s is not available for purchase", item.ID)
	}

	now := m.now()
	t.Status = StatusPending
	t.CreatedAt = now
	t.UpdatedAt = now
	applyItemFlags(item, StatusPending, m.policy, now)

	if err := tx.CreateTransaction(ctx, t); err != nil {
		return err
	}
	if err := tx.SaveItem(ctx, item); err != nil {
		return err
	}
	tx.AfterCommit(func() {
		metrics.TransitionsTotal.WithLabelValues("", string(StatusPending)).Inc()
	})
	return m.notify(ctx, tx, t, "")
}

// Transition moves t to the new status and updates its item's flags in the
// same unit of work. t must have been read from tx so its row is locked.
// Callers write related records (payment, hold, dispute) before calling
// Transition so observers see the final state.
func (m *StateMachine) Transition(ctx context.Context, tx Tx, t *Transaction, to Status, opts TransitionOptions) error {
	from := t.Status
	if !CanTransition(from, to) {
		return apperr.Conflict("trade.Transition", "transaction %s cannot move %s → %s", t.ID, from, to)
	}
	item, err := tx.GetItem(ctx, t.ItemID)
	if err != nil {
		return err
	}

	now := m.now()
	t.Status = to
	t.UpdatedAt = now
	switch to {
	case StatusCompleted:
		t.CompletedAt = &now
	case StatusCancelled:
		t.CancelReason = opts.CancelReason
	}
	applyItemFlags(item, to, m.policy, now)

	if err := tx.UpdateTransaction(ctx, t); err != nil {
		return err
	}
	if err := tx.SaveItem(ctx, item); err != nil {
		return err
	}
	tx.AfterCommit(func() {
		metrics.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	})
	return m.notify(ctx, tx, t, from)
}

func (m *StateMachine) notify(ctx context.Context, tx Tx, t *Transaction, from Status) error {
	for _, o := range m.observers {
		if err := o.AfterTransition(ctx, tx, t, from); err != nil {
			return err
		}
	}
	return nil
}

// applyItemFlags sets the inventory lock for a transaction entering status to.
func applyItemFlags(item *InventoryItem, to Status, policy RefundItemPolicy, now time.Time) {
	item.UpdatedAt = now
	if to.LocksItem() {
		item.IsInTransaction = true
		item.IsOnSale = false
		return
	}
	item.IsInTransaction = false
	switch to {
	case StatusCompleted:
		item.IsOnSale = false
		item.IsSold = true
		item.MediaCleanupPending = true
	case StatusCancelled:
		item.IsOnSale = true
	case StatusRefunded:
		if policy == RefundRemove {
			item.IsOnSale = false
			item.IsRemoved = true
			item.MediaCleanupPending = true
		} else {
			item.IsOnSale = true
		}
	}
}

// Package chatgate decides whether the buyer/seller chat of a transaction is
// open. The lock is never stored; it is derived from the transaction, its
// payment and its dispute each time it is asked for.
package chatgate

import (
	"github.com/accountbazaar/escrowd/internal/trade"
)

// Reasons reported with a decision.
const (
	ReasonAwaitingPayment = "awaiting_payment"
	ReasonInEscrow        = "in_escrow"
	ReasonDisputeOpen     = "dispute_open"
	ReasonCompleted       = "completed"
	ReasonDisputeSettled  = "dispute_settled"
	ReasonCancelled       = "cancelled"
	ReasonRefunded        = "refunded"
)

// Decision is the chat lock state of a transaction.
type Decision struct {
	Locked bool   `json:"locked"`
	Reason string `json:"reason"`
}

// Evaluate derives the chat lock. payment and dispute may be nil.
func Evaluate(t *trade.Transaction, payment *trade.PaymentRecord, dispute *trade.Dispute) Decision {
	if dispute.IsOpen() {
		return Decision{Locked: true, Reason: ReasonDisputeOpen}
	}
	switch t.Status {
	case trade.StatusPending:
		return Decision{Locked: true, Reason: ReasonAwaitingPayment}
	case trade.StatusProcessing:
		if payment != nil && payment.Status.IsValidated() {
			return Decision{Locked: false, Reason: ReasonInEscrow}
		}
		return Decision{Locked: true, Reason: ReasonAwaitingPayment}
	case trade.StatusCompleted:
		if dispute == nil {
			return Decision{Locked: false, Reason: ReasonCompleted}
		}
		return Decision{Locked: true, Reason: ReasonDisputeSettled}
	case trade.StatusCancelled:
		return Decision{Locked: true, Reason: ReasonCancelled}
	case trade.StatusRefunded:
		return Decision{Locked: true, Reason: ReasonRefunded}
	}
	// disputed without an open dispute record
	return Decision{Locked: true, Reason: ReasonDisputeOpen}
}

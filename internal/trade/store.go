package trade

import (
	"context"
	"time"

	"github.com/accountbazaar/escrowd/internal/escrow"
	"github.com/accountbazaar/escrowd/internal/notify"
	"github.com/accountbazaar/escrowd/internal/pagination"
)

// Reader looks up records. Inside a Tx, every row read is locked until the
// unit of work ends. Missing rows return an apperr NotFound error.
//
// Units of work lock the transaction row before any of its payment, hold,
// payout or dispute rows. Callers holding only a child ID resolve the
// transaction with an unlocked read before WithTx.
type Reader interface {
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetItem(ctx context.Context, id string) (*InventoryItem, error)
	GetPayment(ctx context.Context, transactionID string) (*PaymentRecord, error)
	GetPaymentByExternalID(ctx context.Context, externalID string) (*PaymentRecord, error)
	GetHoldByPayment(ctx context.Context, paymentID string) (*escrow.Hold, error)
	GetPayout(ctx context.Context, id string) (*escrow.PayoutRequest, error)
	ListPayoutsByHold(ctx context.Context, holdID string) ([]*escrow.PayoutRequest, error)
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	GetDisputeByTransaction(ctx context.Context, transactionID string) (*Dispute, error)
	ListDisputeMessages(ctx context.Context, disputeID string) ([]*DisputeMessage, error)
}

// Tx is one atomic unit of work.
type Tx interface {
	Reader

	CreateTransaction(ctx context.Context, t *Transaction) error
	UpdateTransaction(ctx context.Context, t *Transaction) error
	SaveItem(ctx context.Context, item *InventoryItem) error
	CreatePayment(ctx context.Context, p *PaymentRecord) error
	UpdatePayment(ctx context.Context, p *PaymentRecord) error
	CreateHold(ctx context.Context, h *escrow.Hold) error
	UpdateHold(ctx context.Context, h *escrow.Hold) error
	// CreatePayout fails with a Conflict if the hold already has a payout of the same type.
	CreatePayout(ctx context.Context, p *escrow.PayoutRequest) error
	UpdatePayout(ctx context.Context, p *escrow.PayoutRequest) error
	CreateDispute(ctx context.Context, d *Dispute) error
	UpdateDispute(ctx context.Context, d *Dispute) error
	AppendDisputeMessage(ctx context.Context, m *DisputeMessage) error
	Enqueue(ctx context.Context, e *notify.Event) error

	// AfterCommit registers fn to run once the unit of work commits.
	// It is dropped on rollback.
	AfterCommit(fn func())
}

// Store persists trade records.
type Store interface {
	Reader
	notify.OutboxStore

	// WithTx runs fn in a unit of work. If fn returns an error nothing it
	// wrote is kept.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// ListTransactionsByUser returns the user's transactions as buyer or seller,
	// newest first, starting after the cursor when one is given.
	ListTransactionsByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error)
	// ListStale returns transactions in status created before the cutoff, oldest first.
	ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Transaction, error)
	// ListPendingPayments returns payments still awaiting confirmation created before the cutoff.
	ListPendingPayments(ctx context.Context, before time.Time, limit int) ([]*PaymentRecord, error)
	// ListOpenDisputes returns undecided disputes, oldest first.
	ListOpenDisputes(ctx context.Context, limit int) ([]*Dispute, error)
}

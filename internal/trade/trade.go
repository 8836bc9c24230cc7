// Package trade owns the records of a marketplace purchase and the rules for
// moving them: the transaction, its payment, the listed item and any dispute.
//
// Status and item-lock flags are written only by StateMachine. Every change is
// made inside a Store unit of work so that a transaction's status, its payment,
// its item flags, the escrow hold and any outbox events commit together.
package trade

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a purchase transaction.
type Status string

const (
	StatusPending    Status = "pending"    // Created, awaiting payment confirmation
	StatusProcessing Status = "processing" // Payment held in escrow, awaiting delivery
	StatusDisputed   Status = "disputed"   // Buyer opened a dispute
	StatusCompleted  Status = "completed"  // Seller paid out
	StatusRefunded   Status = "refunded"   // Buyer refunded
	StatusCancelled  Status = "cancelled"  // Abandoned before settlement
)

// IsTerminal returns true if the transaction can no longer change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// LocksItem reports whether an item must be held out of the market while a
// transaction is in this status.
func (s Status) LocksItem() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusDisputed:
		return true
	}
	return false
}

// Cancellation reasons recorded on cancelled transactions.
const (
	CancelPaymentTimeout    = "payment_timeout"
	CancelProcessingTimeout = "processing_timeout"
	CancelPaymentFailed     = "payment_failed"
)

// Transaction is one purchase of one listed item.
type Transaction struct {
	ID           string          `json:"id"`
	BuyerID      string          `json:"buyerId"`
	SellerID     string          `json:"sellerId"`
	ItemID       string          `json:"itemId"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Status       Status          `json:"status"`
	CancelReason string          `json:"cancelReason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
}

// IsParty reports whether userID is the buyer or the seller.
func (t *Transaction) IsParty(userID string) bool {
	return userID != "" && (userID == t.BuyerID || userID == t.SellerID)
}

// Parties returns buyer and seller IDs.
func (t *Transaction) Parties() []string {
	return []string{t.BuyerID, t.SellerID}
}

// PaymentStatus is the gateway-side state of a payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending_payment"
	PaymentReceived  PaymentStatus = "payment_received"
	PaymentInEscrow  PaymentStatus = "in_escrow"
	PaymentReleased  PaymentStatus = "escrow_released"
	PaymentRefunded  PaymentStatus = "escrow_refunded"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// paymentRank orders statuses along the happy path so that redeliveries of an
// earlier gateway status can be recognized as already applied.
var paymentRank = map[PaymentStatus]int{
	PaymentPending:   0,
	PaymentReceived:  1,
	PaymentInEscrow:  2,
	PaymentReleased:  3,
	PaymentRefunded:  3,
	PaymentCompleted: 4,
}

// IsValidated reports whether the gateway has confirmed the funds.
func (s PaymentStatus) IsValidated() bool {
	_, onPath := paymentRank[s]
	return onPath && s != PaymentPending
}

// IsClosed reports whether the payment ended without funds being captured.
func (s PaymentStatus) IsClosed() bool {
	return s == PaymentFailed || s == PaymentCancelled
}

// AtLeast reports whether s is at or beyond target. Failed and cancelled are
// off the happy path and only match themselves.
func (s PaymentStatus) AtLeast(target PaymentStatus) bool {
	if target.IsClosed() || s.IsClosed() {
		return s == target
	}
	return paymentRank[s] >= paymentRank[target]
}

// PaymentRecord tracks the gateway side of a transaction's payment.
// ExternalID is the idempotency key for every gateway interaction.
type PaymentRecord struct {
	ID                string          `json:"id"`
	TransactionID     string          `json:"transactionId"`
	ExternalID        string          `json:"externalId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            PaymentStatus   `json:"status"`
	ProviderPaymentID string          `json:"providerPaymentId,omitempty"`
	ProviderStatus    string          `json:"providerStatus,omitempty"`
	CustomerPhone     string          `json:"customerPhone,omitempty"`
	CustomerName      string          `json:"customerName,omitempty"`
	PayeePhone        string          `json:"payeePhone,omitempty"`
	PayeeOperator     string          `json:"payeeOperator,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	ValidatedAt       *time.Time      `json:"validatedAt,omitempty"`
}

// InventoryItem is a listed gaming account.
type InventoryItem struct {
	ID                  string          `json:"id"`
	SellerID            string          `json:"sellerId"`
	Title               string          `json:"title"`
	Price               decimal.Decimal `json:"price"`
	Currency            string          `json:"currency"`
	IsOnSale            bool            `json:"isOnSale"`
	IsInTransaction     bool            `json:"isInTransaction"`
	IsSold              bool            `json:"isSold"`
	IsRemoved           bool            `json:"isRemoved"`
	MediaCleanupPending bool            `json:"mediaCleanupPending"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// Purchasable reports whether the item can enter a new transaction.
func (i *InventoryItem) Purchasable() bool {
	return i.IsOnSale && !i.IsInTransaction && !i.IsSold && !i.IsRemoved
}

// DisputeStatus is the state of a dispute.
type DisputeStatus string

const (
	DisputePending          DisputeStatus = "pending"
	DisputeInvestigating    DisputeStatus = "investigating"
	DisputeAwaitingEvidence DisputeStatus = "awaiting_evidence"
	DisputeResolvedBuyer    DisputeStatus = "resolved_buyer"
	DisputeResolvedSeller   DisputeStatus = "resolved_seller"
	DisputeClosed           DisputeStatus = "closed"
)

// IsTerminal returns true once the dispute has been decided.
func (s DisputeStatus) IsTerminal() bool {
	switch s {
	case DisputeResolvedBuyer, DisputeResolvedSeller, DisputeClosed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s DisputeStatus) Valid() bool {
	switch s {
	case DisputePending, DisputeInvestigating, DisputeAwaitingEvidence,
		DisputeResolvedBuyer, DisputeResolvedSeller, DisputeClosed:
		return true
	}
	return false
}

// Resolution is the administrative outcome of a dispute.
type Resolution string

const (
	ResolutionRefund        Resolution = "refund"
	ResolutionPayout        Resolution = "payout"
	ResolutionPartialRefund Resolution = "partial_refund"
	ResolutionNoAction      Resolution = "no_action"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionRefund, ResolutionPayout, ResolutionPartialRefund, ResolutionNoAction:
		return true
	}
	return false
}

// Dispute is a party's contest of a transaction.
type Dispute struct {
	ID                  string           `json:"id"`
	TransactionID       string           `json:"transactionId"`
	OpenedBy            string           `json:"openedBy"`
	Reason              string           `json:"reason"`
	Description         string           `json:"description"`
	Status              DisputeStatus    `json:"status"`
	DisputedAmount      decimal.Decimal  `json:"disputedAmount"`
	Resolution          Resolution       `json:"resolution,omitempty"`
	RefundAmount        *decimal.Decimal `json:"refundAmount,omitempty"`
	ResolvedBy          string           `json:"resolvedBy,omitempty"`
	ResolutionNote      string           `json:"resolutionNote,omitempty"`
	Deadline            time.Time        `json:"deadline"`
	ResolvedAt          *time.Time       `json:"resolvedAt,omitempty"`
	ResolutionTimeHours *int             `json:"resolutionTimeHours,omitempty"`
	CreatedAt           time.Time        `json:"createdAt"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

// IsOpen reports whether the dispute is still undecided.
func (d *Dispute) IsOpen() bool {
	return d != nil && !d.Status.IsTerminal()
}

// IsOverdue reports whether an open dispute has passed its deadline.
// Advisory only; nothing acts on it automatically.
func (d *Dispute) IsOverdue(now time.Time) bool {
	return d.IsOpen() && now.After(d.Deadline)
}

// MessageKind distinguishes plain messages from evidence submissions.
type MessageKind string

const (
	KindMessage  MessageKind = "message"
	KindEvidence MessageKind = "evidence"
)

// AuthorRole is the author's relation to the dispute.
type AuthorRole string

const (
	RoleBuyer  AuthorRole = "buyer"
	RoleSeller AuthorRole = "seller"
	RoleStaff  AuthorRole = "staff"
)

// DisputeMessage is one append-only entry in a dispute's thread.
type DisputeMessage struct {
	ID            string      `json:"id"`
	DisputeID     string      `json:"disputeId"`
	Kind          MessageKind `json:"kind"`
	AuthorID      string      `json:"authorId"`
	AuthorRole    AuthorRole  `json:"authorRole"`
	Body          string      `json:"body"`
	AttachmentURL string      `json:"attachmentUrl,omitempty"`
	Internal      bool        `json:"internal"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// RefundItemPolicy decides what happens to an item when its sale is refunded.
type RefundItemPolicy string

const (
	RefundRelist RefundItemPolicy = "relist" // Back on sale
	RefundRemove RefundItemPolicy = "remove" // Taken down, media cleanup scheduled
)

// Valid reports whether p is a known policy.
func (p RefundItemPolicy) Valid() bool {
	return p == RefundRelist || p == RefundRemove
}

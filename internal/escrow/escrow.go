// Package escrow is the bookkeeping side of buyer protection.
//
// Flow:
//  1. Payment received → Hold created (in_escrow)
//  2. Buyer confirms or dispute resolves "payout" → Release: seller payout, hold released
//  3. Dispute resolves "refund" → Refund: buyer refund, hold refunded
//  4. Dispute resolves "partial_refund" → PartialSettle: one of each, hold split
//
// Everything here is pure: operations mutate the Hold passed in and return the
// PayoutRequest records to persist. Persistence, locking and the decision of
// when to call them belong to the caller.
package escrow

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/accountbazaar/escrowd/internal/apperr"
	"github.com/accountbazaar/escrowd/internal/idgen"
	"github.com/accountbazaar/escrowd/internal/money"
)

// HoldStatus represents the state of an escrow hold.
type HoldStatus string

const (
	HoldInEscrow HoldStatus = "in_escrow" // Funds captured, awaiting outcome
	HoldReleased HoldStatus = "released"  // Seller payout issued
	HoldRefunded HoldStatus = "refunded"  // Buyer refund issued
	HoldSplit    HoldStatus = "split"     // Partial refund: one payout and one refund
)

// IsSettled returns true once funds have left escrow.
func (s HoldStatus) IsSettled() bool {
	return s != HoldInEscrow
}

// PayoutType distinguishes money owed to the seller from money owed back to the buyer.
type PayoutType string

const (
	PayoutSeller PayoutType = "seller_payout"
	PayoutRefund PayoutType = "buyer_refund"
)

// PayoutStatus tracks the transfer behind a payout request.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// DefaultSellerShare is the fraction of a sale paid out to the seller.
var DefaultSellerShare = decimal.RequireFromString("0.90")

// Hold is funds captured from the buyer and held pending release or refund.
type Hold struct {
	ID            string          `json:"id"`
	PaymentID     string          `json:"paymentId"`
	TransactionID string          `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	Status        HoldStatus      `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	ReleasedAt    *time.Time      `json:"releasedAt,omitempty"`
}

// PayoutRequest is an audit record of money owed to one party. It is not the
// transfer itself; Status tracks the transfer.
type PayoutRequest struct {
	ID             string          `json:"id"`
	HoldID         string          `json:"holdId"`
	TransactionID  string          `json:"transactionId"`
	RecipientID    string          `json:"recipientId"`
	Type           PayoutType      `json:"payoutType"`
	Amount         decimal.Decimal `json:"amount"`
	OriginalAmount decimal.Decimal `json:"originalAmount"`
	Status         PayoutStatus    `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Settlement is the outcome of a partial refund.
type Settlement struct {
	Payout     *PayoutRequest  `json:"payout"`
	Refund     *PayoutRequest  `json:"refund"`
	Commission decimal.Decimal `json:"commission"`
}

// Ledger computes splits and settles holds.
type Ledger struct {
	sellerShare decimal.Decimal
}

// NewLedger creates a ledger paying sellerShare (0 < share ≤ 1) of each sale to the seller.
func NewLedger(sellerShare decimal.Decimal) (*Ledger, error) {
	if !sellerShare.IsPositive() || sellerShare.GreaterThan(decimal.NewFromInt(1)) {
		return nil, apperr.Validation("escrow.NewLedger", "seller share must be in (0, 1], got %s", sellerShare)
	}
	return &Ledger{sellerShare: sellerShare}, nil
}

// SellerShare returns the configured seller fraction.
func (l *Ledger) SellerShare() decimal.Decimal {
	return l.sellerShare
}

// Split divides amount into the seller's share and the platform commission.
// The commission is the remainder, so the two always sum to amount exactly.
func (l *Ledger) Split(amount decimal.Decimal) (seller, commission decimal.Decimal) {
	seller = money.Round(amount.Mul(l.sellerShare))
	commission = amount.Sub(seller)
	return seller, commission
}

// NewHold opens a hold for a received payment.
func (l *Ledger) NewHold(paymentID, transactionID string, amount decimal.Decimal, now time.Time) (*Hold, error) {
	if !amount.IsPositive() {
		return nil, apperr.Validation("escrow.NewHold", "hold amount must be positive, got %s", money.Format(amount))
	}
	return &Hold{
		ID:            idgen.WithPrefix("hold_"),
		PaymentID:     paymentID,
		TransactionID: transactionID,
		Amount:        amount,
		Status:        HoldInEscrow,
		CreatedAt:     now,
	}, nil
}

// Release pays the hold out to the seller, net of commission.
func (l *Ledger) Release(h *Hold, sellerID string, now time.Time) (*PayoutRequest, error) {
	const op = "escrow.Release"
	if h.Status.IsSettled() {
		return nil, apperr.Conflict(op, "hold %s already %s", h.ID, h.Status)
	}

	seller, commission := l.Split(h.Amount)
	if !seller.Add(commission).Equal(h.Amount) || seller.IsNegative() || commission.IsNegative() {
		return nil, apperr.Invariant(op, "split of %s gave seller %s + commission %s",
			money.Format(h.Amount), money.Format(seller), money.Format(commission))
	}

	p := newPayout(h, sellerID, PayoutSeller, seller, h.Amount, now)
	h.Status = HoldReleased
	h.ReleasedAt = &now
	return p, nil
}

// Refund returns the full hold to the buyer.
func (l *Ledger) Refund(h *Hold, buyerID string, now time.Time) (*PayoutRequest, error) {
	if h.Status.IsSettled() {
		return nil, apperr.Conflict("escrow.Refund", "hold %s already %s", h.ID, h.Status)
	}

	p := newPayout(h, buyerID, PayoutRefund, h.Amount, h.Amount, now)
	h.Status = HoldRefunded
	h.ReleasedAt = &now
	return p, nil
}

// PartialSettle refunds refundAmount to the buyer and pays the remainder to the
// seller, net of commission. Refund + payout + commission equals the hold.
func (l *Ledger) PartialSettle(h *Hold, refundAmount decimal.Decimal, sellerID, buyerID string, now time.Time) (*Settlement, error) {
	const op = "escrow.PartialSettle"
	if h.Status.IsSettled() {
		return nil, apperr.Conflict(op, "hold %s already %s", h.ID, h.Status)
	}
	if !refundAmount.IsPositive() || !refundAmount.LessThan(h.Amount) {
		return nil, apperr.Validation(op, "partial refund must be in (0, %s), got %s",
			money.Format(h.Amount), money.Format(refundAmount))
	}
	if !refundAmount.Equal(money.Round(refundAmount)) {
		return nil, apperr.Validation(op, "partial refund %s has more than %d decimals", refundAmount, money.Places)
	}

	remaining := h.Amount.Sub(refundAmount)
	seller, commission := l.Split(remaining)
	if !seller.Add(commission).Add(refundAmount).Equal(h.Amount) {
		return nil, apperr.Invariant(op, "refund %s + seller %s + commission %s != hold %s",
			money.Format(refundAmount), money.Format(seller), money.Format(commission), money.Format(h.Amount))
	}

	s := &Settlement{
		Payout:     newPayout(h, sellerID, PayoutSeller, seller, remaining, now),
		Refund:     newPayout(h, buyerID, PayoutRefund, refundAmount, refundAmount, now),
		Commission: commission,
	}
	h.Status = HoldSplit
	h.ReleasedAt = &now
	return s, nil
}

// AdvancePayout moves a payout request along pending → processing → completed|failed.
// A failed payout may be retried (failed → processing).
func AdvancePayout(p *PayoutRequest, to PayoutStatus, now time.Time) error {
	allowed := map[PayoutStatus][]PayoutStatus{
		PayoutPending:    {PayoutProcessing, PayoutCompleted, PayoutFailed},
		PayoutProcessing: {PayoutCompleted, PayoutFailed},
		PayoutFailed:     {PayoutProcessing},
	}
	for _, s := range allowed[p.Status] {
		if s == to {
			p.Status = to
			p.UpdatedAt = now
			return nil
		}
	}
	return apperr.Conflict("escrow.AdvancePayout", "payout %s cannot move %s → %s", p.ID, p.Status, to)
}

func newPayout(h *Hold, recipient string, typ PayoutType, amount, original decimal.Decimal, now time.Time) *PayoutRequest {
	prefix := "po_"
	if typ == PayoutRefund {
		prefix = "rf_"
	}
	return &PayoutRequest{
		ID:             idgen.WithPrefix(prefix),
		HoldID:         h.ID,
		TransactionID:  h.TransactionID,
		RecipientID:    recipient,
		Type:           typ,
		Amount:         amount,
		OriginalAmount: original,
		Status:         PayoutPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

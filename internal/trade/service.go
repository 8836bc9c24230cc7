package trade

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/accountbazaar/escrowd/internal/apperr"
	"github.com/accountbazaar/escrowd/internal/escrow"
	"github.com/accountbazaar/escrowd/internal/idgen"
	"github.com/accountbazaar/escrowd/internal/metrics"
	"github.com/accountbazaar/escrowd/internal/money"
	"github.com/accountbazaar/escrowd/internal/pagination"
	"github.com/accountbazaar/escrowd/internal/traces"
)

// Service implements the buyer and seller side of a purchase.
type Service struct {
	store  Store
	sm     *StateMachine
	ledger *escrow.Ledger
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new trade service.
func NewService(store Store, sm *StateMachine, ledger *escrow.Ledger, logger *slog.Logger) *Service {
	return &Service{store: store, sm: sm, ledger: ledger, logger: logger, now: time.Now}
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// PurchaseRequest starts a purchase. The amount is the item's listed price.
type PurchaseRequest struct {
	BuyerID       string `json:"-"`
	ItemID        string `json:"itemId" binding:"required"`
	CustomerPhone string `json:"customerPhone"`
	CustomerName  string `json:"customerName"`
	PayeePhone    string `json:"payeePhone"`
	PayeeOperator string `json:"payeeOperator"`
}

// Purchase is a newly opened transaction and its payment record.
type Purchase struct {
	Transaction *Transaction   `json:"transaction"`
	Payment     *PaymentRecord `json:"payment"`
}

// Purchase opens a pending transaction for the item and a pending payment
// with a fresh external reference, and takes the item off the market.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (*Purchase, error) {
	const op = "trade.Purchase"
	ctx, span := traces.StartSpan(ctx, "trade.Purchase", traces.TransactionItem(req.ItemID))
	defer span.End()

	if strings.TrimSpace(req.BuyerID) == "" {
		return nil, apperr.Validation(op, "buyer is required")
	}
	if strings.TrimSpace(req.ItemID) == "" {
		return nil, apperr.Validation(op, "itemId is required")
	}

	var out *Purchase
	err := s.store.WithTx(ctx, func(tx Tx) error {
		item, err := tx.GetItem(ctx, req.ItemID)
		if err != nil {
			return err
		}
		if item.SellerID == req.BuyerID {
			return apperr.Validation(op, "buyer cannot purchase their own item")
		}

		t := &Transaction{
			ID:       idgen.WithPrefix("txn_"),
			BuyerID:  req.BuyerID,
			SellerID: item.SellerID,
			ItemID:   item.ID,
			Amount:   item.Price,
			Currency: item.Currency,
		}
		if err := s.sm.Open(ctx, tx, t); err != nil {
			return err
		}

		p := &PaymentRecord{
			ID:            idgen.WithPrefix("pay_"),
			TransactionID: t.ID,
			ExternalID:    idgen.Reference(),
			Amount:        t.Amount,
			Currency:      t.Currency,
			Status:        PaymentPending,
			CustomerPhone: req.CustomerPhone,
			CustomerName:  req.CustomerName,
			PayeePhone:    req.PayeePhone,
			PayeeOperator: req.PayeeOperator,
			CreatedAt:     t.CreatedAt,
			UpdatedAt:     t.CreatedAt,
		}
		if err := tx.CreatePayment(ctx, p); err != nil {
			return err
		}
		out = &Purchase{Transaction: t, Payment: p}
		return nil
	})
	if err != nil {
		traces.SetError(span, err)
		return nil, err
	}

	s.logger.Info("purchase opened",
		"transaction_id", out.Transaction.ID, "item_id", out.Transaction.ItemID,
		"amount", money.Format(out.Transaction.Amount), "external_id", out.Payment.ExternalID)
	return out, nil
}

// ConfirmReceipt is the buyer acknowledging delivery. It releases escrow to
// the seller and completes the transaction.
func (s *Service) ConfirmReceipt(ctx context.Context, transactionID, buyerID string) (*Transaction, error) {
	const op = "trade.ConfirmReceipt"
	ctx, span := traces.StartSpan(ctx, "trade.ConfirmReceipt", traces.TransactionID(transactionID))
	defer span.End()

	var out *Transaction
	var payout *escrow.PayoutRequest
	err := s.store.WithTx(ctx, func(tx Tx) error {
		t, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if t.BuyerID != buyerID {
			return apperr.Validation(op, "only the buyer can confirm receipt")
		}
		if t.Status != StatusProcessing {
			return apperr.Conflict(op, "transaction %s is %s, not processing", t.ID, t.Status)
		}
		p, err := tx.GetPayment(ctx, t.ID)
		if err != nil {
			return err
		}
		if p.Status != PaymentInEscrow {
			return apperr.Conflict(op, "payment for %s is %s, not in escrow", t.ID, p.Status)
		}
		h, err := tx.GetHoldByPayment(ctx, p.ID)
		if err != nil {
			return err
		}

		now := s.now()
		payout, err = s.ledger.Release(h, t.SellerID, now)
		if err != nil {
			return err
		}
		if err := Settle(ctx, tx, h, payout); err != nil {
			return err
		}
		p.Status = PaymentReleased
		p.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		if err := s.sm.Transition(ctx, tx, t, StatusCompleted, TransitionOptions{}); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		ObserveInvariant(s.logger, op, transactionID, err)
		traces.SetError(span, err)
		return nil, err
	}

	s.logger.Info("receipt confirmed, escrow released",
		"transaction_id", out.ID, "payout_id", payout.ID,
		"seller_amount", money.Format(payout.Amount), "original_amount", money.Format(payout.OriginalAmount))
	return out, nil
}

// Settle persists a settled hold and its new payout requests.
func Settle(ctx context.Context, tx Tx, h *escrow.Hold, payouts ...*escrow.PayoutRequest) error {
	for _, p := range payouts {
		if err := tx.CreatePayout(ctx, p); err != nil {
			return err
		}
	}
	if err := tx.UpdateHold(ctx, h); err != nil {
		return err
	}
	held := h.CreatedAt
	settled := time.Now()
	if h.ReleasedAt != nil {
		settled = *h.ReleasedAt
	}
	tx.AfterCommit(func() {
		for _, p := range payouts {
			metrics.PayoutsTotal.WithLabelValues(string(p.Type)).Inc()
		}
		metrics.EscrowDuration.Observe(settled.Sub(held).Seconds())
	})
	return nil
}

// ObserveInvariant logs and counts err if it is an invariant violation.
func ObserveInvariant(logger *slog.Logger, op, transactionID string, err error) {
	if !errors.Is(err, apperr.ErrInvariant) {
		return
	}
	metrics.InvariantViolationsTotal.WithLabelValues(op).Inc()
	logger.Error("money invariant violated, transition aborted",
		"op", op, "transaction_id", transactionID, "error", err)
}

// Details is a transaction with everything attached to it.
type Details struct {
	Transaction *Transaction            `json:"transaction"`
	Payment     *PaymentRecord          `json:"payment,omitempty"`
	Hold        *escrow.Hold            `json:"hold,omitempty"`
	Payouts     []*escrow.PayoutRequest `json:"payouts,omitempty"`
	Dispute     *Dispute                `json:"dispute,omitempty"`
}

// Get returns a transaction and its related records.
func (s *Service) Get(ctx context.Context, id string) (*Details, error) {
	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &Details{Transaction: t}

	if d.Payment, err = optional(s.store.GetPayment(ctx, id)); err != nil {
		return nil, err
	}
	if d.Payment != nil {
		if d.Hold, err = optional(s.store.GetHoldByPayment(ctx, d.Payment.ID)); err != nil {
			return nil, err
		}
		if d.Hold != nil {
			if d.Payouts, err = s.store.ListPayoutsByHold(ctx, d.Hold.ID); err != nil {
				return nil, err
			}
		}
	}
	if d.Dispute, err = optional(s.store.GetDisputeByTransaction(ctx, id)); err != nil {
		return nil, err
	}
	return d, nil
}

// Page is one page of a user's transactions.
type Page struct {
	Transactions []*Transaction `json:"transactions"`
	NextCursor   string         `json:"nextCursor,omitempty"`
	HasMore      bool           `json:"hasMore"`
}

// ListByUser returns transactions where the user is buyer or seller, newest
// first. cursor is the NextCursor of the previous page, or empty.
func (s *Service) ListByUser(ctx context.Context, userID, cursor string, limit int) (*Page, error) {
	const op = "trade.ListByUser"
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, apperr.Validation(op, "%v", err)
	}
	txns, err := s.store.ListTransactionsByUser(ctx, userID, after, limit+1)
	if err != nil {
		return nil, err
	}
	txns, next, more := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	if txns == nil {
		txns = []*Transaction{}
	}
	return &Page{Transactions: txns, NextCursor: next, HasMore: more}, nil
}

// AdvancePayout moves a payout request along its transfer states. Once every
// payout of a hold has completed, the payment record is completed.
func (s *Service) AdvancePayout(ctx context.Context, payoutID string, to escrow.PayoutStatus) (*escrow.PayoutRequest, error) {
	ref, err := s.store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	var out *escrow.PayoutRequest
	err = s.store.WithTx(ctx, func(tx Tx) error {
		// Transaction and payment first: sibling payouts of a split hold are
		// then never locked in opposite orders.
		if _, err := tx.GetTransaction(ctx, ref.TransactionID); err != nil {
			return err
		}
		pay, err := tx.GetPayment(ctx, ref.TransactionID)
		if err != nil {
			return err
		}
		p, err := tx.GetPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := escrow.AdvancePayout(p, to, now); err != nil {
			return err
		}
		if err := tx.UpdatePayout(ctx, p); err != nil {
			return err
		}
		out = p
		if to != escrow.PayoutCompleted {
			return nil
		}

		siblings, err := tx.ListPayoutsByHold(ctx, p.HoldID)
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if sib.ID != p.ID && sib.Status != escrow.PayoutCompleted {
				return nil
			}
		}
		if pay.Status == PaymentReleased || pay.Status == PaymentRefunded {
			pay.Status = PaymentCompleted
			pay.UpdatedAt = now
			return tx.UpdatePayment(ctx, pay)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("payout advanced", "payout_id", out.ID, "status", out.Status, "transaction_id", out.TransactionID)
	return out, nil
}

// RegisterItemRequest lists an item with the engine.
type RegisterItemRequest struct {
	ID       string `json:"id" binding:"required"`
	SellerID string `json:"sellerId" binding:"required"`
	Title    string `json:"title"`
	Price    string `json:"price" binding:"required"`
	Currency string `json:"currency" binding:"required"`
}

// RegisterItem creates or updates a listing and puts it on sale. Items that
// are in a transaction, sold or removed cannot be re-registered.
func (s *Service) RegisterItem(ctx context.Context, req RegisterItemRequest) (*InventoryItem, error) {
	const op = "trade.RegisterItem"
	price, ok := money.ParsePositive(req.Price)
	if !ok {
		return nil, apperr.Validation(op, "price must be a positive amount with at most %d decimals", money.Places)
	}

	var out *InventoryItem
	err := s.store.WithTx(ctx, func(tx Tx) error {
		now := s.now()
		item, err := tx.GetItem(ctx, req.ID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			item = &InventoryItem{ID: req.ID, SellerID: req.SellerID, CreatedAt: now}
		case err != nil:
			return err
		case item.SellerID != req.SellerID:
			return apperr.Conflict(op, "item %s belongs to another seller", req.ID)
		case item.IsInTransaction || item.IsSold || item.IsRemoved:
			return apperr.Conflict(op, "item %s can no longer be listed", req.ID)
		}
		item.Title = req.Title
		item.Price = price
		item.Currency = strings.ToUpper(req.Currency)
		item.IsOnSale = true
		item.UpdatedAt = now
		if err := tx.SaveItem(ctx, item); err != nil {
			return err
		}
		out = item
		return nil
	})
	return out, err
}

// optional turns NotFound into a nil result.
func optional[T any](v *T, err error) (*T, error) {
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

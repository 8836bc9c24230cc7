// Package tradetest builds in-memory trade fixtures for tests in other packages.
package tradetest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/accountbazaar/escrowd/internal/escrow"
	"github.com/accountbazaar/escrowd/internal/idgen"
	"github.com/accountbazaar/escrowd/internal/trade"
)

// Fixture is a wired in-memory trade stack.
type Fixture struct {
	Store   *trade.MemoryStore
	SM      *trade.StateMachine
	Ledger  *escrow.Ledger
	Service *trade.Service
	Logger  *slog.Logger
}

// New creates a fixture with the default seller share and refund policy.
func New(t testing.TB) *Fixture {
	t.Helper()
	return NewWithPolicy(t, trade.RefundRelist)
}

// NewWithPolicy creates a fixture with the given refund item policy.
func NewWithPolicy(t testing.TB, policy trade.RefundItemPolicy) *Fixture {
	t.Helper()
	ledger, err := escrow.NewLedger(escrow.DefaultSellerShare)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := trade.NewMemoryStore()
	sm := trade.NewStateMachine(policy)
	sm.Observe(trade.Notifier{})
	return &Fixture{
		Store:   store,
		SM:      sm,
		Ledger:  ledger,
		Service: trade.NewService(store, sm, ledger, logger),
		Logger:  logger,
	}
}

// Item lists an item for seller at price.
func (f *Fixture) Item(t testing.TB, id, seller, price string) *trade.InventoryItem {
	t.Helper()
	item, err := f.Service.RegisterItem(context.Background(), trade.RegisterItemRequest{
		ID: id, SellerID: seller, Title: "Account " + id, Price: price, Currency: "XAF",
	})
	if err != nil {
		t.Fatalf("RegisterItem: %v", err)
	}
	return item
}

// Purchase lists an item and opens a pending purchase of it by buyer.
func (f *Fixture) Purchase(t testing.TB, buyer, seller, price string) *trade.Purchase {
	t.Helper()
	item := f.Item(t, idgen.WithPrefix("item_"), seller, price)
	p, err := f.Service.Purchase(context.Background(), trade.PurchaseRequest{BuyerID: buyer, ItemID: item.ID})
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	return p
}

// Fund captures a pending purchase's payment into escrow and moves the
// transaction to processing, as a confirmed gateway payment would.
func (f *Fixture) Fund(t testing.TB, transactionID string) *escrow.Hold {
	t.Helper()
	ctx := context.Background()
	var hold *escrow.Hold
	err := f.Store.WithTx(ctx, func(tx trade.Tx) error {
		txn, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		p, err := tx.GetPayment(ctx, transactionID)
		if err != nil {
			return err
		}
		now := time.Now()
		hold, err = f.Ledger.NewHold(p.ID, txn.ID, p.Amount, now)
		if err != nil {
			return err
		}
		if err := tx.CreateHold(ctx, hold); err != nil {
			return err
		}
		p.Status = trade.PaymentInEscrow
		p.ValidatedAt = &now
		p.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		return f.SM.Transition(ctx, tx, txn, trade.StatusProcessing, trade.TransitionOptions{})
	})
	if err != nil {
		t.Fatalf("Fund: %v", err)
	}
	return hold
}

// Age moves a transaction's and payment's creation time back by d. The
// memory store writes whole records, so timestamps change too.
func (f *Fixture) Age(t testing.TB, transactionID string, d time.Duration) {
	t.Helper()
	ctx := context.Background()
	err := f.Store.WithTx(ctx, func(tx trade.Tx) error {
		txn, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		txn.CreatedAt = txn.CreatedAt.Add(-d)
		txn.UpdatedAt = txn.UpdatedAt.Add(-d)
		if err := tx.UpdateTransaction(ctx, txn); err != nil {
			return err
		}
		p, err := tx.GetPayment(ctx, transactionID)
		if err != nil {
			return err
		}
		p.CreatedAt = p.CreatedAt.Add(-d)
		return tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		t.Fatalf("Age: %v", err)
	}
}

// Transaction reads a transaction.
func (f *Fixture) Transaction(t testing.TB, id string) *trade.Transaction {
	t.Helper()
	txn, err := f.Store.GetTransaction(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	return txn
}

// ItemOf reads the item of a transaction.
func (f *Fixture) ItemOf(t testing.TB, transactionID string) *trade.InventoryItem {
	t.Helper()
	item, err := f.Store.GetItem(context.Background(), f.Transaction(t, transactionID).ItemID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	return item
}

// Payouts lists payouts created for a transaction's hold.
func (f *Fixture) Payouts(t testing.TB, transactionID string) []*escrow.PayoutRequest {
	t.Helper()
	ctx := context.Background()
	p, err := f.Store.GetPayment(ctx, transactionID)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	h, err := f.Store.GetHoldByPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetHoldByPayment: %v", err)
	}
	payouts, err := f.Store.ListPayoutsByHold(ctx, h.ID)
	if err != nil {
		t.Fatalf("ListPayoutsByHold: %v", err)
	}
	return payouts
}

// LockRecorder wraps a store and records, for each unit of work, the kinds of
// rows read under lock in the order they were read.
type LockRecorder struct {
	trade.Store

	mu    sync.Mutex
	units [][]string
}

// NewLockRecorder wraps s.
func NewLockRecorder(s trade.Store) *LockRecorder {
	return &LockRecorder{Store: s}
}

// WithTx implements trade.Store.
func (r *LockRecorder) WithTx(ctx context.Context, fn func(tx trade.Tx) error) error {
	var reads []string
	err := r.Store.WithTx(ctx, func(tx trade.Tx) error {
		return fn(&recordingTx{Tx: tx, reads: &reads})
	})
	r.mu.Lock()
	r.units = append(r.units, reads)
	r.mu.Unlock()
	return err
}

// Units returns the recorded reads of every unit of work so far.
func (r *LockRecorder) Units() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.units...)
}

// OutOfOrder returns the units of work that read a payment, hold, payout or
// dispute row before the transaction row they belong to.
func (r *LockRecorder) OutOfOrder() [][]string {
	var bad [][]string
	for _, reads := range r.Units() {
		for _, kind := range reads {
			if kind == "transaction" {
				break
			}
			if kind != "item" {
				bad = append(bad, reads)
				break
			}
		}
	}
	return bad
}

type recordingTx struct {
	trade.Tx
	reads *[]string
}

func (t *recordingTx) read(kind string) { *t.reads = append(*t.reads, kind) }

func (t *recordingTx) GetTransaction(ctx context.Context, id string) (*trade.Transaction, error) {
	t.read("transaction")
	return t.Tx.GetTransaction(ctx, id)
}

func (t *recordingTx) GetItem(ctx context.Context, id string) (*trade.InventoryItem, error) {
	t.read("item")
	return t.Tx.GetItem(ctx, id)
}

func (t *recordingTx) GetPayment(ctx context.Context, transactionID string) (*trade.PaymentRecord, error) {
	t.read("payment")
	return t.Tx.GetPayment(ctx, transactionID)
}

func (t *recordingTx) GetPaymentByExternalID(ctx context.Context, externalID string) (*trade.PaymentRecord, error) {
	t.read("payment")
	return t.Tx.GetPaymentByExternalID(ctx, externalID)
}

func (t *recordingTx) GetHoldByPayment(ctx context.Context, paymentID string) (*escrow.Hold, error) {
	t.read("hold")
	return t.Tx.GetHoldByPayment(ctx, paymentID)
}

func (t *recordingTx) GetPayout(ctx context.Context, id string) (*escrow.PayoutRequest, error) {
	t.read("payout")
	return t.Tx.GetPayout(ctx, id)
}

func (t *recordingTx) ListPayoutsByHold(ctx context.Context, holdID string) ([]*escrow.PayoutRequest, error) {
	t.read("payout")
	return t.Tx.ListPayoutsByHold(ctx, holdID)
}

func (t *recordingTx) GetDispute(ctx context.Context, id string) (*trade.Dispute, error) {
	t.read("dispute")
	return t.Tx.GetDispute(ctx, id)
}

func (t *recordingTx) GetDisputeByTransaction(ctx context.Context, transactionID string) (*trade.Dispute, error) {
	t.read("dispute")
	return t.Tx.GetDisputeByTransaction(ctx, transactionID)
}

// D parses a decimal literal.
func D(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

package trade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/accountbazaar/escrowd/internal/apperr"
)

var allStatuses = []Status{
	StatusPending, StatusProcessing, StatusDisputed,
	StatusCompleted, StatusRefunded, StatusCancelled,
}

func TestCanTransition_ClosedTable(t *testing.T) {
	legal := map[[2]Status]bool{
		{StatusPending, StatusProcessing}:   true,
		{StatusPending, StatusCancelled}:    true,
		{StatusProcessing, StatusCompleted}: true,
		{StatusProcessing, StatusDisputed}:  true,
		{StatusProcessing, StatusCancelled}: true,
		{StatusDisputed, StatusRefunded}:    true,
		{StatusDisputed, StatusCompleted}:   true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if got := CanTransition(from, to); got != legal[[2]Status{from, to}] {
				t.Errorf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
	if CanTransition(StatusDisputed, StatusCancelled) {
		t.Error("a disputed transaction must never be cancelled")
	}
}

func TestLocksItem(t *testing.T) {
	locked := map[Status]bool{StatusPending: true, StatusProcessing: true, StatusDisputed: true}
	for _, s := range allStatuses {
		if s.LocksItem() != locked[s] {
			t.Errorf("%s.LocksItem() = %v", s, s.LocksItem())
		}
	}
}

// seed puts a purchasable item and a transaction in status from into a fresh store.
func seed(t *testing.T, from Status) (*MemoryStore, *Transaction) {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore()
	sm := NewStateMachine(RefundRelist)
	now := time.Now()
	txn := &Transaction{
		ID: "txn_1", BuyerID: "buyer", SellerID: "seller", ItemID: "item_1",
		Amount: decimal.RequireFromString("100"), Currency: "XAF",
	}
	err := store.WithTx(ctx, func(tx Tx) error {
		if err := tx.SaveItem(ctx, &InventoryItem{ID: "item_1", SellerID: "seller", IsOnSale: true, CreatedAt: now}); err != nil {
			return err
		}
		if err := sm.Open(ctx, tx, txn); err != nil {
			return err
		}
		txn.Status = from
		return tx.UpdateTransaction(ctx, txn)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store, txn
}

func TestTransition_ItemLockFollowsStatus(t *testing.T) {
	ctx := context.Background()
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if !CanTransition(from, to) {
				continue
			}
			for _, policy := range []RefundItemPolicy{RefundRelist, RefundRemove} {
				store, txn := seed(t, from)
				sm := NewStateMachine(policy)
				err := store.WithTx(ctx, func(tx Tx) error {
					locked, err := tx.GetTransaction(ctx, txn.ID)
					if err != nil {
						return err
					}
					return sm.Transition(ctx, tx, locked, to, TransitionOptions{CancelReason: CancelPaymentTimeout})
				})
				if err != nil {
					t.Fatalf("%s → %s: %v", from, to, err)
				}

				got, _ := store.GetTransaction(ctx, txn.ID)
				item, _ := store.GetItem(ctx, txn.ItemID)
				if got.Status != to {
					t.Fatalf("%s → %s: status is %s", from, to, got.Status)
				}
				if item.IsInTransaction != to.LocksItem() {
					t.Errorf("%s → %s: IsInTransaction=%v", from, to, item.IsInTransaction)
				}
				if to.LocksItem() && item.IsOnSale {
					t.Errorf("%s → %s: locked item still on sale", from, to)
				}
				switch to {
				case StatusCompleted:
					if !item.IsSold || !item.MediaCleanupPending || item.IsOnSale || got.CompletedAt == nil {
						t.Errorf("completed: unexpected item %+v", item)
					}
				case StatusCancelled:
					if !item.IsOnSale || got.CancelReason != CancelPaymentTimeout {
						t.Errorf("cancelled: item %+v reason %q", item, got.CancelReason)
					}
				case StatusRefunded:
					if policy == RefundRelist && (!item.IsOnSale || item.IsRemoved) {
						t.Errorf("refunded/relist: unexpected item %+v", item)
					}
					if policy == RefundRemove && (item.IsOnSale || !item.IsRemoved || !item.MediaCleanupPending) {
						t.Errorf("refunded/remove: unexpected item %+v", item)
					}
				}
			}
		}
	}
}

func TestTransition_IllegalChangesNothing(t *testing.T) {
	ctx := context.Background()
	store, txn := seed(t, StatusDisputed)
	sm := NewStateMachine(RefundRelist)

	err := store.WithTx(ctx, func(tx Tx) error {
		locked, _ := tx.GetTransaction(ctx, txn.ID)
		return sm.Transition(ctx, tx, locked, StatusCancelled, TransitionOptions{})
	})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ := store.GetTransaction(ctx, txn.ID)
	item, _ := store.GetItem(ctx, txn.ItemID)
	if got.Status != StatusDisputed || !item.IsInTransaction {
		t.Errorf("illegal transition mutated state: %s %+v", got.Status, item)
	}
}

func TestOpen_RejectsUnavailableItem(t *testing.T) {
	ctx := context.Background()
	store, _ := seed(t, StatusPending)
	sm := NewStateMachine(RefundRelist)

	err := store.WithTx(ctx, func(tx Tx) error {
		return sm.Open(ctx, tx, &Transaction{ID: "txn_2", BuyerID: "other", SellerID: "seller", ItemID: "item_1"})
	})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("expected conflict for locked item, got %v", err)
	}
	if _, err := store.GetTransaction(ctx, "txn_2"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("rejected transaction was stored: %v", err)
	}
}

type recordingObserver struct {
	seen []Status
	fail error
}

func (o *recordingObserver) AfterTransition(_ context.Context, _ Tx, t *Transaction, _ Status) error {
	o.seen = append(o.seen, t.Status)
	return o.fail
}

func TestTransition_ObserverFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store, txn := seed(t, StatusPending)
	sm := NewStateMachine(RefundRelist)
	obs := &recordingObserver{fail: errors.New("outbox full")}
	sm.Observe(obs)

	err := store.WithTx(ctx, func(tx Tx) error {
		locked, _ := tx.GetTransaction(ctx, txn.ID)
		return sm.Transition(ctx, tx, locked, StatusProcessing, TransitionOptions{})
	})
	if err == nil {
		t.Fatal("expected observer error")
	}
	if len(obs.seen) != 1 || obs.seen[0] != StatusProcessing {
		t.Errorf("observer saw %v", obs.seen)
	}
	got, _ := store.GetTransaction(ctx, txn.ID)
	if got.Status != StatusPending {
		t.Errorf("rolled-back transition left status %s", got.Status)
	}
}

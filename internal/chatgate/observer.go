package chatgate

import (
	"context"
	"errors"

	"github.com/accountbazaar/escrowd/internal/apperr"
	"github.com/accountbazaar/escrowd/internal/notify"
	"github.com/accountbazaar/escrowd/internal/trade"
)

// Observer publishes the recomputed chat lock on every transition.
type Observer struct{}

// AfterTransition implements trade.TransitionObserver.
func (Observer) AfterTransition(ctx context.Context, tx trade.Tx, t *trade.Transaction, _ trade.Status) error {
	payment, dispute, err := related(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	d := Evaluate(t, payment, dispute)
	e, err := notify.NewChatLock(notify.ChatLock{
		TransactionID: t.ID,
		Participants:  t.Parties(),
		Locked:        d.Locked,
		Reason:        d.Reason,
	}, t.UpdatedAt)
	if err != nil {
		return err
	}
	return tx.Enqueue(ctx, e)
}

type reader interface {
	GetPayment(ctx context.Context, transactionID string) (*trade.PaymentRecord, error)
	GetDisputeByTransaction(ctx context.Context, transactionID string) (*trade.Dispute, error)
}

func related(ctx context.Context, r reader, transactionID string) (*trade.PaymentRecord, *trade.Dispute, error) {
	payment, err := r.GetPayment(ctx, transactionID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, nil, err
	}
	dispute, err := r.GetDisputeByTransaction(ctx, transactionID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, nil, err
	}
	return payment, dispute, nil
}

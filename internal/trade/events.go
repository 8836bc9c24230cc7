package trade

import (
	"context"

	"github.com/accountbazaar/escrowd/internal/money"
	"github.com/accountbazaar/escrowd/internal/notify"
)

// Notifier enqueues party notifications for transitions they care about.
type Notifier struct{}

// AfterTransition implements TransitionObserver.
func (Notifier) AfterTransition(ctx context.Context, tx Tx, t *Transaction, from Status) error {
	typ, ok := notificationFor(from, t.Status)
	if !ok {
		return nil
	}
	data := map[string]interface{}{
		"status": string(t.Status),
		"amount": money.Format(t.Amount),
		"itemId": t.ItemID,
	}
	if t.CancelReason != "" && t.Status == StatusCancelled {
		data["reason"] = t.CancelReason
	}
	e, err := notify.NewNotification(typ, t.ID, t.Parties(), data, t.UpdatedAt)
	if err != nil {
		return err
	}
	return tx.Enqueue(ctx, e)
}

func notificationFor(from, to Status) (notify.EventType, bool) {
	switch {
	case to == StatusProcessing:
		return notify.EventPaymentConfirmed, true
	case to == StatusCancelled:
		return notify.EventTransactionCancelled, true
	case to == StatusDisputed:
		return notify.EventDisputeOpened, true
	case from == StatusDisputed:
		return notify.EventDisputeResolved, true
	case to == StatusCompleted:
		return notify.EventTransactionCompleted, true
	}
	return "", false
}

package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accountbazaar/escrowd/internal/apperr"
	"github.com/accountbazaar/escrowd/internal/chatgate"
	"github.com/accountbazaar/escrowd/internal/escrow"
	"github.com/accountbazaar/escrowd/internal/trade"
	"github.com/accountbazaar/escrowd/internal/trade/tradetest"
)

type stubChecker struct {
	n     *Notification
	err   error
	calls int
}

func (s *stubChecker) CheckStatus(_ context.Context, externalID string) (*Notification, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.n
	cp.ExternalID = externalID
	return &cp, nil
}

func newTestReconciler(t *testing.T, checker StatusChecker) (*Reconciler, *tradetest.Fixture) {
	t.Helper()
	f := tradetest.New(t)
	return NewReconciler(f.Store, f.SM, f.Ledger, checker, f.Logger), f
}

func accepted(p *trade.Purchase) Notification {
	return Notification{
		ExternalID: p.Payment.ExternalID,
		StatusCode: "ACCEPTED",
		Amount:     p.Payment.Amount,
		Currency:   p.Payment.Currency,
		PaymentID:  "prov_1",
	}
}

func TestApply_AcceptedCapturesIntoEscrow(t *testing.T) {
	r, f := newTestReconciler(t, nil)
	ctx := context.Background()
	p := f.Purchase(t, "buyer", "seller", "100.00")

	res, err := r.Apply(ctx, accepted(p))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, trade.StatusProcessing, res.Status)

	pay, err := f.Store.GetPayment(ctx, p.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.PaymentInEscrow, pay.Status)
	assert.Equal(t, "ACCEPTED", pay.ProviderStatus)
	assert.Equal(t, "prov_1", pay.ProviderPaymentID)
	assert.NotNil(t, pay.ValidatedAt)

	hold, err := f.Store.GetHoldByPayment(ctx, pay.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.HoldInEscrow, hold.Status)
	assert.True(t, hold.Amount.Equal(tradetest.D("100")))

	assert.Equal(t, trade.StatusProcessing, f.Transaction(t, p.Transaction.ID).Status)
	assert.True(t, f.ItemOf(t, p.Transaction.ID).IsInTransaction)
}

func TestApply_RedeliveryIsIdempotent(t *testing.T) {
	r, f := newTestReconciler(t, nil)
	ctx := context.Background()
	p := f.Purchase(t, "buyer", "seller", "100.00")

	_, err := r.Apply(ctx, accepted(p))
	require.NoError(t, err)
	before := len(f.Store.Events())

	for _, code := range []string{"ACCEPTED", "RECEIVED", "SUCCESS"} {
		n := accepted(p)
		n.StatusCode = code
		res, err := r.Apply(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, res.Outcome, code)
	}

	pay, _ := f.Store.GetPayment(ctx, p.Transaction.ID)
	hold, err := f.Store.GetHoldByPayment(ctx, pay.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.HoldInEscrow, hold.Status)
	assert.Len(t, f.Store.Events(), before, "duplicates must not enqueue events")
}

func TestApply_AfterReleaseIsDuplicate(t *testing.T) {
	r, f := newTestReconciler(t, nil)
	ctx := context.Background()
	p := f.Purchase(t, "buyer", "seller", "100.00")
	_, err := r.Apply(ctx, accepted(p))
	require.NoError(t, err)
	_, err = f.Service.ConfirmReceipt(ctx, p.Transaction.ID, "buyer")
	require.NoError(t, err)

	res, err := r.Apply(ctx, accepted(p))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, trade.StatusCompleted, f.Transaction(t, p.Transaction.ID).Status)
}

func TestApply_RefusedCancelsAndRelists(t *testing.T) {
	r, f := newTestReconciler(t, nil)
	ctx := context.Background()
	p := f.Purchase(t, "buyer", "seller", "100.00")

	res, err := r.Apply(ctx, Notification{ExternalID: p.Payment.ExternalID, StatusCode: "REFUSED"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	txn := f.Transaction(t, p.Transaction.ID)
	assert.Equal(t, trade.StatusCancelled, txn.Status)
	assert.Equal(t, trade.CancelPaymentFailed, txn.CancelReason)
	pay, _ := f.Store.GetPayment(ctx, p.Transaction.ID)
	assert.Equal(t, trade.PaymentFailed, pay.Status)
	item := f.ItemOf(t, p.Transaction.ID)
	assert.True(t, item.IsOnSale)
	assert.False(t, item.IsInTransaction)

	res, err = r.Apply(ctx, Notification{ExternalID: p.Payment.ExternalID, StatusCode: "FAILED"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	// Money arriving after the refusal cannot resurrect the purchase.
	_, err = r.Apply(ctx, accepted(p))
	assert.True(t, errors.Is(err, apperr.ErrConflict), "late acceptance: %v", err)
	assert.Equal(t, trade.StatusCancelled, f.Transaction(t, p.Transaction.ID).Status)
}

func TestApply_RefusedAfterAcceptanceConflicts(t *testing.T) {
	r, f := newTestReconciler(t, nil)
	ctx := context.Background()
	p := f.Purchase(t, "buyer", "seller", "50.00")
	_, err := r.Apply(ctx, accepted(p))
	require.NoError(t, err)

	_, err = r.Apply(ctx, Notification{ExternalID: p.Payment.ExternalID, StatusCode: "FAILED"})
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	assert.Equal(t, trade.StatusProcessing, f.Transaction(t, p.Transaction.ID).Status)
}

func TestApply_OtherStatusRecordedOnly(t *testing.T) {
	r, f := newTestReconciler(t, nil)
	ctx := context.Background()
	p := f.Purchase(t, "buyer", "seller", "50.00")

	res, err := r.Apply(ctx, Notification{ExternalID: p.Payment.ExternalID, StatusCode: "INITIATED"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, res.Outcome)

	pay, _ := f.Store.GetPayment(ctx, p.Transaction.ID)
	assert.Equal(t, trade.PaymentPending, pay.Status)
	assert.Equal(t, "INITIATED", pay.ProviderStatus)
	assert.Equal(t, trade.StatusPending, f.Transaction(t, p.Transaction.ID).Status)

	res, err = r.Apply(ctx, Notification{ExternalID: p.Payment.ExternalID, StatusCode: "initiated"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
}

func TestApply_Rejections(t *testing.T) {
	r, f := newTestReconciler(t, nil)
	ctx := context.Background()
	p := f.Purchase(t, "buyer", "seller", "100.00")

	wrong := accepted(p)
	wrong.Amount = tradetest.D("99.99")
	_, err := r.Apply(ctx, wrong)
	assert.True(t, errors.Is(err, apperr.ErrValidation), "amount mismatch: %v", err)

	wrong = accepted(p)
	wrong.Currency = "EUR"
	_, err = r.Apply(ctx, wrong)
	assert.True(t, errors.Is(err, apperr.ErrValidation), "currency mismatch: %v", err)

	_, err = r.Apply(ctx, Notification{ExternalID: "NOPE", StatusCode: "ACCEPTED", Amount: tradetest.D("1")})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = r.Apply(ctx, Notification{ExternalID: p.Payment.ExternalID, StatusCode: "ACCEPTED"})
	assert.True(t, errors.Is(err, apperr.ErrValidation), "missing amount: %v", err)

	pay, _ := f.Store.GetPayment(ctx, p.Transaction.ID)
	assert.Equal(t, trade.PaymentPending, pay.Status)
	assert.Empty(t, pay.ProviderStatus)
}

func TestVerify_PullMatchesPush(t *testing.T) {
	checker := &stubChecker{n: &Notification{StatusCode: "SUCCESS", Amount: tradetest.D("75.00"), Currency: "XAF"}}
	r, f := newTestReconciler(t, checker)
	ctx := context.Background()
	p := f.Purchase(t, "buyer", "seller", "75.00")

	res, err := r.Verify(ctx, p.Payment.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, trade.StatusProcessing, f.Transaction(t, p.Transaction.ID).Status)

	res, err = r.Verify(ctx, p.Payment.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	_, err = r.Verify(ctx, "UNKNOWN")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Equal(t, 2, checker.calls, "unknown references are not sent to the provider")
}

func TestVerify_WithoutClient(t *testing.T) {
	r, f := newTestReconciler(t, nil)
	p := f.Purchase(t, "buyer", "seller", "75.00")
	_, err := r.Verify(context.Background(), p.Payment.ExternalID)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestTimer_VerifiesOnlyStalePayments(t *testing.T) {
	checker := &stubChecker{n: &Notification{StatusCode: "ACCEPTED", Amount: tradetest.D("20.00")}}
	r, f := newTestReconciler(t, checker)
	stale := f.Purchase(t, "buyer", "seller", "20.00")
	fresh := f.Purchase(t, "buyer", "seller", "20.00")
	f.Age(t, stale.Transaction.ID, 10*time.Minute)

	timer := NewTimer(r, f.Store, 0, 5*time.Minute, f.Logger)
	assert.Equal(t, 1, timer.VerifyStale(context.Background()))
	assert.Equal(t, trade.StatusProcessing, f.Transaction(t, stale.Transaction.ID).Status)
	assert.Equal(t, trade.StatusPending, f.Transaction(t, fresh.Transaction.ID).Status)
}

func TestTimer_StopsWhenProviderUnavailable(t *testing.T) {
	checker := &stubChecker{err: ErrUnavailable}
	r, f := newTestReconciler(t, checker)
	for i := 0; i < 3; i++ {
		p := f.Purchase(t, "buyer", "seller", "20.00")
		f.Age(t, p.Transaction.ID, 10*time.Minute)
	}

	timer := NewTimer(r, f.Store, 0, 5*time.Minute, f.Logger)
	assert.Equal(t, 0, timer.VerifyStale(context.Background()))
	assert.Equal(t, 1, checker.calls)
}

func TestApply_LocksTransactionBeforePayment(t *testing.T) {
	f := tradetest.New(t)
	f.SM.Observe(chatgate.Observer{})
	rec := tradetest.NewLockRecorder(f.Store)
	r := NewReconciler(rec, f.SM, f.Ledger, nil, f.Logger)
	ctx := context.Background()

	funded := f.Purchase(t, "buyer", "seller", "30.00")
	refused := f.Purchase(t, "buyer", "seller", "30.00")
	_, err := r.Apply(ctx, accepted(funded))
	require.NoError(t, err)
	_, err = r.Apply(ctx, accepted(funded))
	require.NoError(t, err)
	_, err = r.Apply(ctx, Notification{ExternalID: refused.Payment.ExternalID, StatusCode: "REFUSED"})
	require.NoError(t, err)

	units := rec.Units()
	require.Len(t, units, 3)
	for _, reads := range units {
		require.NotEmpty(t, reads)
		assert.Equal(t, "transaction", reads[0], "reads: %v", reads)
	}
	assert.Empty(t, rec.OutOfOrder())
}

func TestApply_UnknownExternalIDOpensNoUnitOfWork(t *testing.T) {
	f := tradetest.New(t)
	rec := tradetest.NewLockRecorder(f.Store)
	r := NewReconciler(rec, f.SM, f.Ledger, nil, f.Logger)

	_, err := r.Apply(context.Background(), Notification{ExternalID: "ref_missing", StatusCode: "REFUSED"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Empty(t, rec.Units())
}

package reaper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/accountbazaar/escrowd/internal/trade"
	"github.com/accountbazaar/escrowd/internal/trade/tradetest"
)

func newTestReaper(t *testing.T) (*Reaper, *tradetest.Fixture) {
	t.Helper()
	f := tradetest.New(t)
	return New(f.Store, f.SM, f.Logger), f
}

func TestPlan(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(id string, status trade.Status, age time.Duration) *trade.Transaction {
		return &trade.Transaction{ID: id, Status: status, CreatedAt: now.Add(-age)}
	}
	candidates := []Candidate{
		{Transaction: mk("fresh", trade.StatusPending, 10*time.Minute)},
		{Transaction: mk("stale", trade.StatusPending, 31*time.Minute)},
		{Transaction: mk("funded", trade.StatusProcessing, 5*time.Hour), Payment: &trade.PaymentRecord{Status: trade.PaymentInEscrow}},
		{Transaction: mk("orphan", trade.StatusProcessing, 3*time.Hour), Payment: &trade.PaymentRecord{Status: trade.PaymentPending}},
		{Transaction: mk("young", trade.StatusProcessing, time.Hour)},
		{Transaction: mk("done", trade.StatusCompleted, 48*time.Hour)},
	}

	intents := Plan(now, Options{}, candidates)
	require.Len(t, intents, 2)
	assert.Equal(t, "stale", intents[0].TransactionID)
	assert.Equal(t, trade.CancelPaymentTimeout, intents[0].Reason)
	assert.Equal(t, "orphan", intents[1].TransactionID)
	assert.Equal(t, trade.CancelProcessingTimeout, intents[1].Reason)
	assert.Equal(t, 3*time.Hour, intents[1].Age)
}

func TestPlan_CustomTimeouts(t *testing.T) {
	now := time.Now()
	c := []Candidate{{Transaction: &trade.Transaction{ID: "a", Status: trade.StatusPending, CreatedAt: now.Add(-10 * time.Minute)}}}
	assert.Empty(t, Plan(now, Options{}, c))
	assert.Len(t, Plan(now, Options{PendingTimeout: 5 * time.Minute}, c), 1)
}

func TestSweep_AbandonedPurchase(t *testing.T) {
	r, f := newTestReaper(t)
	ctx := context.Background()

	abandoned := f.Purchase(t, "buyer", "seller", "25.00")
	fresh := f.Purchase(t, "buyer", "seller", "25.00")
	f.Age(t, abandoned.Transaction.ID, 31*time.Minute)

	report, err := r.Sweep(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cancelled)
	assert.Equal(t, 1, report.Affected())

	txn := f.Transaction(t, abandoned.Transaction.ID)
	assert.Equal(t, trade.StatusCancelled, txn.Status)
	assert.Equal(t, trade.CancelPaymentTimeout, txn.CancelReason)
	assert.False(t, f.ItemOf(t, txn.ID).IsInTransaction, "item should be released for resale")

	p, err := f.Store.GetPayment(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.PaymentCancelled, p.Status)

	assert.Equal(t, trade.StatusPending, f.Transaction(t, fresh.Transaction.ID).Status)
}

func TestSweep_DryRunChangesNothing(t *testing.T) {
	r, f := newTestReaper(t)
	p := f.Purchase(t, "buyer", "seller", "25.00")
	f.Age(t, p.Transaction.ID, time.Hour)

	report, err := r.Sweep(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Len(t, report.Candidates, 1)
	assert.Equal(t, 0, report.Cancelled)
	assert.Equal(t, 1, report.Affected())
	assert.Equal(t, trade.StatusPending, f.Transaction(t, p.Transaction.ID).Status)
}

func TestSweep_LeavesFundedProcessing(t *testing.T) {
	r, f := newTestReaper(t)
	p := f.Purchase(t, "buyer", "seller", "25.00")
	f.Fund(t, p.Transaction.ID)
	f.Age(t, p.Transaction.ID, 10*time.Hour)

	report, err := r.Sweep(context.Background(), Options{})
	require.NoError(t, err)
	assert.Empty(t, report.Candidates)
	assert.Equal(t, trade.StatusProcessing, f.Transaction(t, p.Transaction.ID).Status)
}

func TestSweep_ConcurrentSweepsCancelOnce(t *testing.T) {
	r, f := newTestReaper(t)
	var ids []string
	for i := 0; i < 5; i++ {
		p := f.Purchase(t, "buyer", "seller", "5.00")
		f.Age(t, p.Transaction.ID, time.Hour)
		ids = append(ids, p.Transaction.ID)
	}

	reports := make([]*Report, 4)
	var g errgroup.Group
	for i := range reports {
		g.Go(func() error {
			rep, err := r.Sweep(context.Background(), Options{})
			reports[i] = rep
			return err
		})
	}
	require.NoError(t, g.Wait())

	cancelled, failed := 0, 0
	for _, rep := range reports {
		cancelled += rep.Cancelled
		failed += rep.Failed
	}
	assert.Equal(t, len(ids), cancelled, "each transaction is cancelled by exactly one sweep")
	assert.Zero(t, failed)

	events := 0
	for _, e := range f.Store.Events() {
		if e.Type == "transaction.cancelled" {
			events++
		}
	}
	assert.Equal(t, len(ids), events)
}

func TestTimer_StartStop(t *testing.T) {
	r, _ := newTestReaper(t)
	timer := NewTimer(r, Options{}, 10*time.Millisecond, r.logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	assert.True(t, timer.Running())
	cancel()
	<-done
	assert.False(t, timer.Running())
}

func TestHandler_Run(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r, f := newTestReaper(t)
	p := f.Purchase(t, "buyer", "seller", "25.00")
	f.Age(t, p.Transaction.ID, time.Hour)

	router := gin.New()
	NewHandler(r, Options{}).RegisterAdminRoutes(router.Group("/v1/admin"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/admin/reaper/run?dryRun=true", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"affected":1`)
	assert.Equal(t, trade.StatusPending, f.Transaction(t, p.Transaction.ID).Status)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/admin/reaper/run?pendingTimeout=nope", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/admin/reaper/run", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, trade.StatusCancelled, f.Transaction(t, p.Transaction.ID).Status)
}

package trade

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/accountbazaar/escrowd/internal/apperr"
	"github.com/accountbazaar/escrowd/internal/escrow"
	"github.com/accountbazaar/escrowd/internal/notify"
	"github.com/accountbazaar/escrowd/internal/pagination"
)

// MemoryStore is an in-memory store for demo/development mode and tests.
//
// A unit of work holds the store-wide write lock for its whole duration, so
// units of work are serialized. Writes go straight to the maps and are undone
// from a journal if the unit of work fails. WithTx must not be nested.
type MemoryStore struct {
	mu sync.RWMutex

	txns     map[string]*Transaction
	items    map[string]*InventoryItem
	payments map[string]*PaymentRecord
	holds    map[string]*escrow.Hold
	payouts  map[string]*escrow.PayoutRequest
	disputes map[string]*Dispute
	messages map[string][]*DisputeMessage
	events   map[string]*notify.Event

	paymentByTxn  map[string]string
	paymentByExt  map[string]string
	holdByPayment map[string]string
	payoutByKind  map[string]string // holdID|type → payout ID
	disputeByTxn  map[string]string
	eventOrder    []string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:          make(map[string]*Transaction),
		items:         make(map[string]*InventoryItem),
		payments:      make(map[string]*PaymentRecord),
		holds:         make(map[string]*escrow.Hold),
		payouts:       make(map[string]*escrow.PayoutRequest),
		disputes:      make(map[string]*Dispute),
		messages:      make(map[string][]*DisputeMessage),
		events:        make(map[string]*notify.Event),
		paymentByTxn:  make(map[string]string),
		paymentByExt:  make(map[string]string),
		holdByPayment: make(map[string]string),
		payoutByKind:  make(map[string]string),
		disputeByTxn:  make(map[string]string),
	}
}

// WithTx implements Store.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m}
	err := ctx.Err()
	if err == nil {
		err = fn(tx)
	}
	if err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	for _, f := range tx.after {
		f()
	}
	return nil
}

// --- Reader (unlocked reads, copies returned) ---

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTransaction(id)
}

func (m *MemoryStore) GetItem(_ context.Context, id string) (*InventoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getItem(id)
}

func (m *MemoryStore) GetPayment(_ context.Context, transactionID string) (*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPayment(transactionID)
}

func (m *MemoryStore) GetPaymentByExternalID(_ context.Context, externalID string) (*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPaymentByExternalID(externalID)
}

func (m *MemoryStore) GetHoldByPayment(_ context.Context, paymentID string) (*escrow.Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getHoldByPayment(paymentID)
}

func (m *MemoryStore) GetPayout(_ context.Context, id string) (*escrow.PayoutRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPayout(id)
}

func (m *MemoryStore) ListPayoutsByHold(_ context.Context, holdID string) ([]*escrow.PayoutRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPayoutsByHold(holdID), nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getDispute(id)
}

func (m *MemoryStore) GetDisputeByTransaction(_ context.Context, transactionID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getDisputeByTransaction(transactionID)
}

func (m *MemoryStore) ListDisputeMessages(_ context.Context, disputeID string) ([]*DisputeMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listDisputeMessages(disputeID), nil
}

// --- Queries ---

func (m *MemoryStore) ListTransactionsByUser(_ context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txns {
		if t.BuyerID != userID && t.SellerID != userID {
			continue
		}
		if after != nil && !newerFirst(after.CreatedAt, after.ID, t.CreatedAt, t.ID) {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return newerFirst(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListStale(_ context.Context, status Status, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txns {
		if t.Status == status && t.CreatedAt.Before(before) {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListPendingPayments(_ context.Context, before time.Time, limit int) ([]*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PaymentRecord
	for _, p := range m.payments {
		if p.Status == PaymentPending && p.CreatedAt.Before(before) {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListOpenDisputes(_ context.Context, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if !d.Status.IsTerminal() {
			cp := *d
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// --- Outbox ---

func (m *MemoryStore) PendingEvents(_ context.Context, limit int) ([]*notify.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*notify.Event
	for _, id := range m.eventOrder {
		e := m.events[id]
		if e.Status != notify.StatusPending {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) MarkDelivered(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return apperr.NotFound("trade.MarkDelivered", "event %s not found", id)
	}
	e.Status = notify.StatusDelivered
	e.DeliveredAt = &at
	return nil
}

func (m *MemoryStore) MarkAttempt(_ context.Context, id, lastError string, failed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return apperr.NotFound("trade.MarkAttempt", "event %s not found", id)
	}
	e.Attempts++
	e.LastError = lastError
	if failed {
		e.Status = notify.StatusFailed
	}
	return nil
}

// Events returns every outbox event in insertion order. Used by tests.
func (m *MemoryStore) Events() []*notify.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*notify.Event, 0, len(m.eventOrder))
	for _, id := range m.eventOrder {
		cp := *m.events[id]
		result = append(result, &cp)
	}
	return result
}

// --- lock-free lookups; callers hold m.mu ---

func (m *MemoryStore) getTransaction(id string) (*Transaction, error) {
	t, ok := m.txns[id]
	if !ok {
		return nil, apperr.NotFound("trade.GetTransaction", "transaction %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) getItem(id string) (*InventoryItem, error) {
	i, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("trade.GetItem", "item %s not found", id)
	}
	cp := *i
	return &cp, nil
}

func (m *MemoryStore) getPayment(transactionID string) (*PaymentRecord, error) {
	id, ok := m.paymentByTxn[transactionID]
	if !ok {
		return nil, apperr.NotFound("trade.GetPayment", "no payment for transaction %s", transactionID)
	}
	cp := *m.payments[id]
	return &cp, nil
}

func (m *MemoryStore) getPaymentByExternalID(externalID string) (*PaymentRecord, error) {
	id, ok := m.paymentByExt[externalID]
	if !ok {
		return nil, apperr.NotFound("trade.GetPaymentByExternalID", "no payment with external id %s", externalID)
	}
	cp := *m.payments[id]
	return &cp, nil
}

func (m *MemoryStore) getHoldByPayment(paymentID string) (*escrow.Hold, error) {
	id, ok := m.holdByPayment[paymentID]
	if !ok {
		return nil, apperr.NotFound("trade.GetHoldByPayment", "no hold for payment %s", paymentID)
	}
	cp := *m.holds[id]
	return &cp, nil
}

func (m *MemoryStore) getPayout(id string) (*escrow.PayoutRequest, error) {
	p, ok := m.payouts[id]
	if !ok {
		return nil, apperr.NotFound("trade.GetPayout", "payout %s not found", id)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) listPayoutsByHold(holdID string) []*escrow.PayoutRequest {
	var result []*escrow.PayoutRequest
	for _, p := range m.payouts {
		if p.HoldID == holdID {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

func (m *MemoryStore) getDispute(id string) (*Dispute, error) {
	d, ok := m.disputes[id]
	if !ok {
		return nil, apperr.NotFound("trade.GetDispute", "dispute %s not found", id)
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) getDisputeByTransaction(transactionID string) (*Dispute, error) {
	id, ok := m.disputeByTxn[transactionID]
	if !ok {
		return nil, apperr.NotFound("trade.GetDisputeByTransaction", "no dispute for transaction %s", transactionID)
	}
	return m.getDispute(id)
}

func (m *MemoryStore) listDisputeMessages(disputeID string) []*DisputeMessage {
	msgs := m.messages[disputeID]
	result := make([]*DisputeMessage, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		result[i] = &cp
	}
	return result
}

// memTx runs with m.mu held for writing.
type memTx struct {
	m     *MemoryStore
	undo  []func()
	after []func()
}

// put stores v under k in mp and journals the previous value.
func put[V any](tx *memTx, mp map[string]V, k string, v V) {
	old, existed := mp[k]
	tx.undo = append(tx.undo, func() {
		if existed {
			mp[k] = old
		} else {
			delete(mp, k)
		}
	})
	mp[k] = v
}

func (tx *memTx) AfterCommit(fn func()) { tx.after = append(tx.after, fn) }

func (tx *memTx) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	return tx.m.getTransaction(id)
}

func (tx *memTx) GetItem(_ context.Context, id string) (*InventoryItem, error) {
	return tx.m.getItem(id)
}

func (tx *memTx) GetPayment(_ context.Context, transactionID string) (*PaymentRecord, error) {
	return tx.m.getPayment(transactionID)
}

func (tx *memTx) GetPaymentByExternalID(_ context.Context, externalID string) (*PaymentRecord, error) {
	return tx.m.getPaymentByExternalID(externalID)
}

func (tx *memTx) GetHoldByPayment(_ context.Context, paymentID string) (*escrow.Hold, error) {
	return tx.m.getHoldByPayment(paymentID)
}

func (tx *memTx) GetPayout(_ context.Context, id string) (*escrow.PayoutRequest, error) {
	return tx.m.getPayout(id)
}

func (tx *memTx) ListPayoutsByHold(_ context.Context, holdID string) ([]*escrow.PayoutRequest, error) {
	return tx.m.listPayoutsByHold(holdID), nil
}

func (tx *memTx) GetDispute(_ context.Context, id string) (*Dispute, error) {
	return tx.m.getDispute(id)
}

func (tx *memTx) GetDisputeByTransaction(_ context.Context, transactionID string) (*Dispute, error) {
	return tx.m.getDisputeByTransaction(transactionID)
}

func (tx *memTx) ListDisputeMessages(_ context.Context, disputeID string) ([]*DisputeMessage, error) {
	return tx.m.listDisputeMessages(disputeID), nil
}

func (tx *memTx) CreateTransaction(_ context.Context, t *Transaction) error {
	if _, ok := tx.m.txns[t.ID]; ok {
		return apperr.Conflict("trade.CreateTransaction", "transaction %s already exists", t.ID)
	}
	cp := *t
	put(tx, tx.m.txns, t.ID, &cp)
	return nil
}

func (tx *memTx) UpdateTransaction(_ context.Context, t *Transaction) error {
	if _, ok := tx.m.txns[t.ID]; !ok {
		return apperr.NotFound("trade.UpdateTransaction", "transaction %s not found", t.ID)
	}
	cp := *t
	put(tx, tx.m.txns, t.ID, &cp)
	return nil
}

func (tx *memTx) SaveItem(_ context.Context, item *InventoryItem) error {
	cp := *item
	put(tx, tx.m.items, item.ID, &cp)
	return nil
}

func (tx *memTx) CreatePayment(_ context.Context, p *PaymentRecord) error {
	const op = "trade.CreatePayment"
	if _, ok := tx.m.paymentByExt[p.ExternalID]; ok {
		return apperr.Conflict(op, "external id %s already used", p.ExternalID)
	}
	if _, ok := tx.m.paymentByTxn[p.TransactionID]; ok {
		return apperr.Conflict(op, "transaction %s already has a payment", p.TransactionID)
	}
	cp := *p
	put(tx, tx.m.payments, p.ID, &cp)
	put(tx, tx.m.paymentByTxn, p.TransactionID, p.ID)
	put(tx, tx.m.paymentByExt, p.ExternalID, p.ID)
	return nil
}

func (tx *memTx) UpdatePayment(_ context.Context, p *PaymentRecord) error {
	if _, ok := tx.m.payments[p.ID]; !ok {
		return apperr.NotFound("trade.UpdatePayment", "payment %s not found", p.ID)
	}
	cp := *p
	put(tx, tx.m.payments, p.ID, &cp)
	return nil
}

func (tx *memTx) CreateHold(_ context.Context, h *escrow.Hold) error {
	if _, ok := tx.m.holdByPayment[h.PaymentID]; ok {
		return apperr.Conflict("trade.CreateHold", "payment %s already has a hold", h.PaymentID)
	}
	cp := *h
	put(tx, tx.m.holds, h.ID, &cp)
	put(tx, tx.m.holdByPayment, h.PaymentID, h.ID)
	return nil
}

func (tx *memTx) UpdateHold(_ context.Context, h *escrow.Hold) error {
	if _, ok := tx.m.holds[h.ID]; !ok {
		return apperr.NotFound("trade.UpdateHold", "hold %s not found", h.ID)
	}
	cp := *h
	put(tx, tx.m.holds, h.ID, &cp)
	return nil
}

func (tx *memTx) CreatePayout(_ context.Context, p *escrow.PayoutRequest) error {
	key := p.HoldID + "|" + string(p.Type)
	if _, ok := tx.m.payoutByKind[key]; ok {
		return apperr.Conflict("trade.CreatePayout", "hold %s already has a %s", p.HoldID, p.Type)
	}
	cp := *p
	put(tx, tx.m.payouts, p.ID, &cp)
	put(tx, tx.m.payoutByKind, key, p.ID)
	return nil
}

func (tx *memTx) UpdatePayout(_ context.Context, p *escrow.PayoutRequest) error {
	if _, ok := tx.m.payouts[p.ID]; !ok {
		return apperr.NotFound("trade.UpdatePayout", "payout %s not found", p.ID)
	}
	cp := *p
	put(tx, tx.m.payouts, p.ID, &cp)
	return nil
}

func (tx *memTx) CreateDispute(_ context.Context, d *Dispute) error {
	if _, ok := tx.m.disputeByTxn[d.TransactionID]; ok {
		return apperr.Conflict("trade.CreateDispute", "transaction %s already has a dispute", d.TransactionID)
	}
	cp := *d
	put(tx, tx.m.disputes, d.ID, &cp)
	put(tx, tx.m.disputeByTxn, d.TransactionID, d.ID)
	return nil
}

func (tx *memTx) UpdateDispute(_ context.Context, d *Dispute) error {
	if _, ok := tx.m.disputes[d.ID]; !ok {
		return apperr.NotFound("trade.UpdateDispute", "dispute %s not found", d.ID)
	}
	cp := *d
	put(tx, tx.m.disputes, d.ID, &cp)
	return nil
}

func (tx *memTx) AppendDisputeMessage(_ context.Context, msg *DisputeMessage) error {
	if _, ok := tx.m.disputes[msg.DisputeID]; !ok {
		return apperr.NotFound("trade.AppendDisputeMessage", "dispute %s not found", msg.DisputeID)
	}
	cp := *msg
	put(tx, tx.m.messages, msg.DisputeID, append(tx.m.messages[msg.DisputeID], &cp))
	return nil
}

func (tx *memTx) Enqueue(_ context.Context, e *notify.Event) error {
	cp := *e
	put(tx, tx.m.events, e.ID, &cp)
	n := len(tx.m.eventOrder)
	tx.undo = append(tx.undo, func() { tx.m.eventOrder = tx.m.eventOrder[:n] })
	tx.m.eventOrder = append(tx.m.eventOrder, e.ID)
	return nil
}

// newerFirst orders by (created_at, id) descending, matching the Postgres keyset.
func newerFirst(aAt time.Time, aID string, bAt time.Time, bID string) bool {
	if !aAt.Equal(bAt) {
		return aAt.After(bAt)
	}
	return aID > bID
}

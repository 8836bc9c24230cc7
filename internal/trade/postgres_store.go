package trade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/accountbazaar/escrowd/internal/apperr"
	"github.com/accountbazaar/escrowd/internal/escrow"
	"github.com/accountbazaar/escrowd/internal/notify"
	"github.com/accountbazaar/escrowd/internal/pagination"
)

// PostgresStore persists trade records in PostgreSQL.
//
// Reads inside WithTx use SELECT ... FOR UPDATE, so a row read in a unit of
// work stays locked against concurrent writers until it commits.
type PostgresStore struct {
	pgQueries
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{pgQueries: pgQueries{q: db}, db: db}
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// WithTx implements Store.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	tx := &pgTx{pgQueries: pgQueries{q: sqlTx, lock: " FOR UPDATE"}}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify("trade.Commit", err))
	}
	for _, f := range tx.after {
		f()
	}
	return nil
}

// classify maps constraint violations to Conflict.
func classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return apperr.Wrap(apperr.KindConflict, op, err)
	}
	return err
}

// pgQueries holds the read side shared by the store and its units of work.
type pgQueries struct {
	q    querier
	lock string
}

const transactionColumns = `id, buyer_id, seller_id, item_id, amount, currency, status,
		cancel_reason, created_at, updated_at, completed_at`

const itemColumns = `id, seller_id, title, price, currency, is_on_sale, is_in_transaction,
		is_sold, is_removed, media_cleanup_pending, created_at, updated_at`

const paymentColumns = `id, transaction_id, external_id, amount, currency, status,
		provider_payment_id, provider_status, customer_phone, customer_name,
		payee_phone, payee_operator, created_at, updated_at, validated_at`

const holdColumns = `id, payment_id, transaction_id, amount, status, created_at, released_at`

const payoutColumns = `id, hold_id, transaction_id, recipient_id, payout_type, amount,
		original_amount, status, created_at, updated_at`

const disputeColumns = `id, transaction_id, opened_by, reason, description, status,
		disputed_amount, resolution, refund_amount, resolved_by, resolution_note,
		deadline, resolved_at, resolution_time_hours, created_at, updated_at`

const messageColumns = `id, dispute_id, kind, author_id, author_role, body, attachment_url,
		internal, created_at`

const eventColumns = `id, topic, event_type, event_key, payload, status, attempts, last_error,
		created_at, delivered_at`

func (p pgQueries) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`+p.lock, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("trade.GetTransaction", "transaction %s not found", id)
	}
	return t, err
}

func (p pgQueries) GetItem(ctx context.Context, id string) (*InventoryItem, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM inventory_items WHERE id = $1`+p.lock, id)
	i, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("trade.GetItem", "item %s not found", id)
	}
	return i, err
}

func (p pgQueries) GetPayment(ctx context.Context, transactionID string) (*PaymentRecord, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_records WHERE transaction_id = $1`+p.lock, transactionID)
	r, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("trade.GetPayment", "no payment for transaction %s", transactionID)
	}
	return r, err
}

func (p pgQueries) GetPaymentByExternalID(ctx context.Context, externalID string) (*PaymentRecord, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_records WHERE external_id = $1`+p.lock, externalID)
	r, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("trade.GetPaymentByExternalID", "no payment with external id %s", externalID)
	}
	return r, err
}

func (p pgQueries) GetHoldByPayment(ctx context.Context, paymentID string) (*escrow.Hold, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE payment_id = $1`+p.lock, paymentID)
	h, err := scanHold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("trade.GetHoldByPayment", "no hold for payment %s", paymentID)
	}
	return h, err
}

func (p pgQueries) GetPayout(ctx context.Context, id string) (*escrow.PayoutRequest, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payout_requests WHERE id = $1`+p.lock, id)
	r, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("trade.GetPayout", "payout %s not found", id)
	}
	return r, err
}

func (p pgQueries) ListPayoutsByHold(ctx context.Context, holdID string) ([]*escrow.PayoutRequest, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+payoutColumns+`
		FROM payout_requests
		WHERE hold_id = $1
		ORDER BY payout_type`+p.lock, holdID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*escrow.PayoutRequest
	for rows.Next() {
		r, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p pgQueries) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`+p.lock, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("trade.GetDispute", "dispute %s not found", id)
	}
	return d, err
}

func (p pgQueries) GetDisputeByTransaction(ctx context.Context, transactionID string) (*Dispute, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE transaction_id = $1`+p.lock, transactionID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("trade.GetDisputeByTransaction", "no dispute for transaction %s", transactionID)
	}
	return d, err
}

func (p pgQueries) ListDisputeMessages(ctx context.Context, disputeID string) ([]*DisputeMessage, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM dispute_messages
		WHERE dispute_id = $1
		ORDER BY created_at, id`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*DisputeMessage
	for rows.Next() {
		m := &DisputeMessage{}
		var attachment sql.NullString
		if err := rows.Scan(&m.ID, &m.DisputeID, &m.Kind, &m.AuthorID, &m.AuthorRole, &m.Body,
			&attachment, &m.Internal, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.AttachmentURL = attachment.String
		result = append(result, m)
	}
	return result, rows.Err()
}

// --- Queries (store only, no locks) ---

func (p *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE (buyer_id = $1 OR seller_id = $1)`
	args := []interface{}{userID}
	if after != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, after.CreatedAt, after.ID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(`
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`, string(status), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListPendingPayments(ctx context.Context, before time.Time, limit int) ([]*PaymentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payment_records
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`, string(PaymentPending), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PaymentRecord
	for rows.Next() {
		r, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListOpenDisputes(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status IN ('pending', 'investigating', 'awaiting_evidence')
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// --- Outbox ---

func (p *PostgresStore) PendingEvents(ctx context.Context, limit int) ([]*notify.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM outbox_events
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*notify.Event
	for rows.Next() {
		e := &notify.Event{}
		var lastError sql.NullString
		var deliveredAt sql.NullTime
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Topic, &e.Type, &e.Key, &payload, &e.Status, &e.Attempts,
			&lastError, &e.CreatedAt, &deliveredAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		e.LastError = lastError.String
		if deliveredAt.Valid {
			e.DeliveredAt = &deliveredAt.Time
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events SET status = 'delivered', delivered_at = $1 WHERE id = $2`, at, id)
	return err
}

func (p *PostgresStore) MarkAttempt(ctx context.Context, id, lastError string, failed bool) error {
	status := notify.StatusPending
	if failed {
		status = notify.StatusFailed
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events SET attempts = attempts + 1, last_error = $1, status = $2 WHERE id = $3`,
		lastError, string(status), id)
	return err
}

// pgTx is a unit of work on a *sql.Tx.
type pgTx struct {
	pgQueries
	after []func()
}

func (tx *pgTx) AfterCommit(fn func()) { tx.after = append(tx.after, fn) }

func (tx *pgTx) exec(ctx context.Context, op string, query string, args ...interface{}) error {
	_, err := tx.q.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(op, err)
	}
	return nil
}

// execOne is exec that fails with NotFound when no row matched.
func (tx *pgTx) execOne(ctx context.Context, op, what, id string, query string, args ...interface{}) error {
	result, err := tx.q.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return apperr.NotFound(op, "%s %s not found", what, id)
	}
	return nil
}

func (tx *pgTx) CreateTransaction(ctx context.Context, t *Transaction) error {
	return tx.exec(ctx, "trade.CreateTransaction", `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.BuyerID, t.SellerID, t.ItemID, t.Amount, t.Currency, string(t.Status),
		nullString(t.CancelReason), t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt))
}

func (tx *pgTx) UpdateTransaction(ctx context.Context, t *Transaction) error {
	return tx.execOne(ctx, "trade.UpdateTransaction", "transaction", t.ID, `
		UPDATE transactions SET
			status = $1, cancel_reason = $2, updated_at = $3, completed_at = $4
		WHERE id = $5`,
		string(t.Status), nullString(t.CancelReason), t.UpdatedAt, nullTime(t.CompletedAt), t.ID)
}

func (tx *pgTx) SaveItem(ctx context.Context, i *InventoryItem) error {
	return tx.exec(ctx, "trade.SaveItem", `
		INSERT INTO inventory_items (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, price = EXCLUDED.price, currency = EXCLUDED.currency,
			is_on_sale = EXCLUDED.is_on_sale, is_in_transaction = EXCLUDED.is_in_transaction,
			is_sold = EXCLUDED.is_sold, is_removed = EXCLUDED.is_removed,
			media_cleanup_pending = EXCLUDED.media_cleanup_pending, updated_at = EXCLUDED.updated_at`,
		i.ID, i.SellerID, i.Title, i.Price, i.Currency, i.IsOnSale, i.IsInTransaction,
		i.IsSold, i.IsRemoved, i.MediaCleanupPending, i.CreatedAt, i.UpdatedAt)
}

func (tx *pgTx) CreatePayment(ctx context.Context, r *PaymentRecord) error {
	return tx.exec(ctx, "trade.CreatePayment", `
		INSERT INTO payment_records (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.TransactionID, r.ExternalID, r.Amount, r.Currency, string(r.Status),
		nullString(r.ProviderPaymentID), nullString(r.ProviderStatus),
		nullString(r.CustomerPhone), nullString(r.CustomerName),
		nullString(r.PayeePhone), nullString(r.PayeeOperator),
		r.CreatedAt, r.UpdatedAt, nullTime(r.ValidatedAt))
}

func (tx *pgTx) UpdatePayment(ctx context.Context, r *PaymentRecord) error {
	return tx.execOne(ctx, "trade.UpdatePayment", "payment", r.ID, `
		UPDATE payment_records SET
			status = $1, provider_payment_id = $2, provider_status = $3,
			updated_at = $4, validated_at = $5
		WHERE id = $6`,
		string(r.Status), nullString(r.ProviderPaymentID), nullString(r.ProviderStatus),
		r.UpdatedAt, nullTime(r.ValidatedAt), r.ID)
}

func (tx *pgTx) CreateHold(ctx context.Context, h *escrow.Hold) error {
	return tx.exec(ctx, "trade.CreateHold", `
		INSERT INTO escrow_holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		h.ID, h.PaymentID, h.TransactionID, h.Amount, string(h.Status), h.CreatedAt, nullTime(h.ReleasedAt))
}

func (tx *pgTx) UpdateHold(ctx context.Context, h *escrow.Hold) error {
	return tx.execOne(ctx, "trade.UpdateHold", "hold", h.ID, `
		UPDATE escrow_holds SET status = $1, released_at = $2 WHERE id = $3`,
		string(h.Status), nullTime(h.ReleasedAt), h.ID)
}

func (tx *pgTx) CreatePayout(ctx context.Context, r *escrow.PayoutRequest) error {
	return tx.exec(ctx, "trade.CreatePayout", `
		INSERT INTO payout_requests (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.HoldID, r.TransactionID, r.RecipientID, string(r.Type), r.Amount,
		r.OriginalAmount, string(r.Status), r.CreatedAt, r.UpdatedAt)
}

func (tx *pgTx) UpdatePayout(ctx context.Context, r *escrow.PayoutRequest) error {
	return tx.execOne(ctx, "trade.UpdatePayout", "payout", r.ID, `
		UPDATE payout_requests SET status = $1, updated_at = $2 WHERE id = $3`,
		string(r.Status), r.UpdatedAt, r.ID)
}

func (tx *pgTx) CreateDispute(ctx context.Context, d *Dispute) error {
	return tx.exec(ctx, "trade.CreateDispute", `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		d.ID, d.TransactionID, d.OpenedBy, d.Reason, d.Description, string(d.Status),
		d.DisputedAmount, nullString(string(d.Resolution)), nullDecimal(d.RefundAmount),
		nullString(d.ResolvedBy), nullString(d.ResolutionNote), d.Deadline,
		nullTime(d.ResolvedAt), nullInt(d.ResolutionTimeHours), d.CreatedAt, d.UpdatedAt)
}

func (tx *pgTx) UpdateDispute(ctx context.Context, d *Dispute) error {
	return tx.execOne(ctx, "trade.UpdateDispute", "dispute", d.ID, `
		UPDATE disputes SET
			status = $1, resolution = $2, refund_amount = $3, resolved_by = $4,
			resolution_note = $5, resolved_at = $6, resolution_time_hours = $7, updated_at = $8
		WHERE id = $9`,
		string(d.Status), nullString(string(d.Resolution)), nullDecimal(d.RefundAmount),
		nullString(d.ResolvedBy), nullString(d.ResolutionNote), nullTime(d.ResolvedAt),
		nullInt(d.ResolutionTimeHours), d.UpdatedAt, d.ID)
}

func (tx *pgTx) AppendDisputeMessage(ctx context.Context, m *DisputeMessage) error {
	return tx.exec(ctx, "trade.AppendDisputeMessage", `
		INSERT INTO dispute_messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.DisputeID, string(m.Kind), m.AuthorID, string(m.AuthorRole), m.Body,
		nullString(m.AttachmentURL), m.Internal, m.CreatedAt)
}

func (tx *pgTx) Enqueue(ctx context.Context, e *notify.Event) error {
	return tx.exec(ctx, "trade.Enqueue", `
		INSERT INTO outbox_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, string(e.Topic), string(e.Type), e.Key, []byte(e.Payload), string(e.Status),
		e.Attempts, nullString(e.LastError), e.CreatedAt, nullTime(e.DeliveredAt))
}

// --- scanning ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var cancelReason sql.NullString
	var completedAt sql.NullTime
	if err := s.Scan(&t.ID, &t.BuyerID, &t.SellerID, &t.ItemID, &t.Amount, &t.Currency, &t.Status,
		&cancelReason, &t.CreatedAt, &t.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	t.CancelReason = cancelReason.String
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func scanItem(s scanner) (*InventoryItem, error) {
	i := &InventoryItem{}
	if err := s.Scan(&i.ID, &i.SellerID, &i.Title, &i.Price, &i.Currency, &i.IsOnSale,
		&i.IsInTransaction, &i.IsSold, &i.IsRemoved, &i.MediaCleanupPending,
		&i.CreatedAt, &i.UpdatedAt); err != nil {
		return nil, err
	}
	return i, nil
}

func scanPayment(s scanner) (*PaymentRecord, error) {
	r := &PaymentRecord{}
	var providerPaymentID, providerStatus, customerPhone, customerName, payeePhone, payeeOperator sql.NullString
	var validatedAt sql.NullTime
	if err := s.Scan(&r.ID, &r.TransactionID, &r.ExternalID, &r.Amount, &r.Currency, &r.Status,
		&providerPaymentID, &providerStatus, &customerPhone, &customerName,
		&payeePhone, &payeeOperator, &r.CreatedAt, &r.UpdatedAt, &validatedAt); err != nil {
		return nil, err
	}
	r.ProviderPaymentID = providerPaymentID.String
	r.ProviderStatus = providerStatus.String
	r.CustomerPhone = customerPhone.String
	r.CustomerName = customerName.String
	r.PayeePhone = payeePhone.String
	r.PayeeOperator = payeeOperator.String
	if validatedAt.Valid {
		r.ValidatedAt = &validatedAt.Time
	}
	return r, nil
}

func scanHold(s scanner) (*escrow.Hold, error) {
	h := &escrow.Hold{}
	var releasedAt sql.NullTime
	if err := s.Scan(&h.ID, &h.PaymentID, &h.TransactionID, &h.Amount, &h.Status,
		&h.CreatedAt, &releasedAt); err != nil {
		return nil, err
	}
	if releasedAt.Valid {
		h.ReleasedAt = &releasedAt.Time
	}
	return h, nil
}

func scanPayout(s scanner) (*escrow.PayoutRequest, error) {
	r := &escrow.PayoutRequest{}
	if err := s.Scan(&r.ID, &r.HoldID, &r.TransactionID, &r.RecipientID, &r.Type, &r.Amount,
		&r.OriginalAmount, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return r, nil
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var resolution, resolvedBy, note sql.NullString
	var refund decimal.NullDecimal
	var resolvedAt sql.NullTime
	var hours sql.NullInt64
	if err := s.Scan(&d.ID, &d.TransactionID, &d.OpenedBy, &d.Reason, &d.Description, &d.Status,
		&d.DisputedAmount, &resolution, &refund, &resolvedBy, &note,
		&d.Deadline, &resolvedAt, &hours, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Resolution = Resolution(resolution.String)
	d.ResolvedBy = resolvedBy.String
	d.ResolutionNote = note.String
	if refund.Valid {
		d.RefundAmount = &refund.Decimal
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	if hours.Valid {
		h := int(hours.Int64)
		d.ResolutionTimeHours = &h
	}
	return d, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

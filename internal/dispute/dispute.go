// Package dispute implements buyer and seller disputes over a funded purchase
// and their administrative resolution.
//
// Opening a dispute freezes the transaction in disputed. Resolution settles
// the escrow hold exactly once:
//
//	refund          full refund to the buyer       → refunded,  resolved_buyer
//	payout          release to the seller          → completed, resolved_seller
//	partial_refund  part back, rest to the seller  → completed, resolved_buyer
//	no_action       dismissal, release to seller   → completed, closed
//
// A resolved dispute is immutable.
package dispute

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/accountbazaar/escrowd/internal/apperr"
	"github.com/accountbazaar/escrowd/internal/escrow"
	"github.com/accountbazaar/escrowd/internal/idgen"
	"github.com/accountbazaar/escrowd/internal/money"
	"github.com/accountbazaar/escrowd/internal/notify"
	"github.com/accountbazaar/escrowd/internal/traces"
	"github.com/accountbazaar/escrowd/internal/trade"
	"github.com/accountbazaar/escrowd/internal/validation"
)

// DefaultWindow is how long staff have to resolve a dispute before it is overdue.
const DefaultWindow = 72 * time.Hour

// MaxReasonLength bounds a dispute reason, a short code such as
// "account_not_as_described".
const MaxReasonLength = 64

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	TransactionID string `json:"-"`
	OpenedBy      string `json:"-"`
	Reason        string `json:"reason" binding:"required"`
	Description   string `json:"description"`
}

// EvidenceRequest attaches evidence to a dispute.
type EvidenceRequest struct {
	AuthorID      string `json:"-"`
	Body          string `json:"body"`
	AttachmentURL string `json:"attachmentUrl"`
}

// MessageRequest posts a message on a dispute. Internal messages are staff-only.
type MessageRequest struct {
	AuthorID string `json:"-"`
	Staff    bool   `json:"-"`
	Body     string `json:"body" binding:"required"`
	Internal bool   `json:"internal"`
}

// ResolveRequest contains an administrator's decision.
type ResolveRequest struct {
	Resolution   trade.Resolution `json:"resolution" binding:"required"`
	AdminID      string           `json:"-"`
	RefundAmount string           `json:"refundAmount,omitempty"`
	Note         string           `json:"note"`
}

// Viewer identifies who is reading a dispute.
type Viewer struct {
	UserID string
	Staff  bool
}

// Service implements dispute business logic.
type Service struct {
	store  trade.Store
	sm     *trade.StateMachine
	ledger *escrow.Ledger
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a dispute service. window is the resolution deadline
// measured from opening.
func NewService(store trade.Store, sm *trade.StateMachine, ledger *escrow.Ledger, window time.Duration, logger *slog.Logger) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{
		store:  store,
		sm:     sm,
		ledger: ledger,
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// Open disputes a processing transaction on behalf of its buyer or seller.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*trade.Dispute, error) {
	const op = "dispute.Open"
	ctx, span := traces.StartSpan(ctx, "dispute.Open", traces.TransactionID(req.TransactionID))
	defer span.End()

	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	if reason == "" {
		return nil, apperr.Validation(op, "reason is required")
	}
	if utf8.RuneCountInString(reason) > MaxReasonLength {
		return nil, apperr.Validation(op, "reason must be at most %d characters", MaxReasonLength)
	}

	var out *trade.Dispute
	err := s.store.WithTx(ctx, func(tx trade.Tx) error {
		t, err := tx.GetTransaction(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if !t.IsParty(req.OpenedBy) {
			return apperr.Validation(op, "only the buyer or seller can open a dispute")
		}
		if t.Status != trade.StatusProcessing {
			return apperr.Conflict(op, "transaction %s is %s, not processing", t.ID, t.Status)
		}

		now := s.now()
		d := &trade.Dispute{
			ID:             idgen.WithPrefix("dsp_"),
			TransactionID:  t.ID,
			OpenedBy:       req.OpenedBy,
			Reason:         reason,
			Description:    validation.SanitizeString(req.Description, validation.MaxStringLength),
			Status:         trade.DisputePending,
			DisputedAmount: t.Amount,
			Deadline:       now.Add(s.window),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		// The dispute exists before the transition so observers see it.
		if err := tx.CreateDispute(ctx, d); err != nil {
			return err
		}
		if err := s.sm.Transition(ctx, tx, t, trade.StatusDisputed, trade.TransitionOptions{}); err != nil {
			return err
		}
		tx.AfterCommit(func() { disputesOpened.Inc() })
		out = d
		return nil
	})
	if err != nil {
		traces.SetError(span, err)
		return nil, err
	}

	s.logger.Info("dispute opened",
		"dispute_id", out.ID, "transaction_id", out.TransactionID,
		"opened_by", out.OpenedBy, "reason", out.Reason, "deadline", out.Deadline)
	return out, nil
}

// GetForViewer returns a dispute if the viewer may see it. Non-parties get NotFound.
func (s *Service) GetForViewer(ctx context.Context, id string, v Viewer) (*trade.Dispute, error) {
	d, err := s.store.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Staff {
		return d, nil
	}
	t, err := s.store.GetTransaction(ctx, d.TransactionID)
	if err != nil {
		return nil, err
	}
	if !t.IsParty(v.UserID) {
		return nil, apperr.NotFound("dispute.Get", "dispute %s not found", id)
	}
	return d, nil
}

// AddEvidence appends evidence from the buyer or seller.
func (s *Service) AddEvidence(ctx context.Context, disputeID string, req EvidenceRequest) (*trade.DisputeMessage, error) {
	const op = "dispute.AddEvidence"
	if strings.TrimSpace(req.Body) == "" && strings.TrimSpace(req.AttachmentURL) == "" {
		return nil, apperr.Validation(op, "evidence needs a body or an attachment")
	}
	return s.appendMessage(ctx, op, disputeID, req.AuthorID, false, &trade.DisputeMessage{
		Kind:          trade.KindEvidence,
		Body:          validation.SanitizeString(req.Body, validation.MaxStringLength),
		AttachmentURL: strings.TrimSpace(req.AttachmentURL),
	})
}

// AddMessage appends a message. Only staff may post internal messages.
func (s *Service) AddMessage(ctx context.Context, disputeID string, req MessageRequest) (*trade.DisputeMessage, error) {
	const op = "dispute.AddMessage"
	if strings.TrimSpace(req.Body) == "" {
		return nil, apperr.Validation(op, "body is required")
	}
	if req.Internal && !req.Staff {
		return nil, apperr.Validation(op, "only staff can post internal messages")
	}
	return s.appendMessage(ctx, op, disputeID, req.AuthorID, req.Staff, &trade.DisputeMessage{
		Kind:     trade.KindMessage,
		Body:     validation.SanitizeString(req.Body, validation.MaxStringLength),
		Internal: req.Internal,
	})
}

func (s *Service) appendMessage(ctx context.Context, op, disputeID, authorID string, staff bool, msg *trade.DisputeMessage) (*trade.DisputeMessage, error) {
	ref, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	err = s.store.WithTx(ctx, func(tx trade.Tx) error {
		t, d, err := lockDispute(ctx, tx, ref)
		if err != nil {
			return err
		}
		if !d.IsOpen() {
			return apperr.Conflict(op, "dispute %s is %s", d.ID, d.Status)
		}
		role, ok := authorRole(t, authorID, staff)
		if !ok {
			return apperr.Validation(op, "only the parties or staff can write to a dispute")
		}
		if msg.Kind == trade.KindEvidence && role == trade.RoleStaff {
			return apperr.Validation(op, "evidence comes from the parties")
		}

		msg.ID = idgen.WithPrefix("msg_")
		msg.DisputeID = d.ID
		msg.AuthorID = authorID
		msg.AuthorRole = role
		msg.CreatedAt = s.now()
		return tx.AppendDisputeMessage(ctx, msg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Messages lists a dispute's messages in order. Internal messages are only
// returned to staff.
func (s *Service) Messages(ctx context.Context, disputeID string, v Viewer) ([]*trade.DisputeMessage, error) {
	d, err := s.GetForViewer(ctx, disputeID, v)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListDisputeMessages(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if v.Staff {
		return all, nil
	}
	visible := make([]*trade.DisputeMessage, 0, len(all))
	for _, m := range all {
		if !m.Internal {
			visible = append(visible, m)
		}
	}
	return visible, nil
}

// SetStatus moves an open dispute between the non-terminal review states.
func (s *Service) SetStatus(ctx context.Context, disputeID string, status trade.DisputeStatus, adminID string) (*trade.Dispute, error) {
	const op = "dispute.SetStatus"
	if !status.Valid() || status.IsTerminal() {
		return nil, apperr.Validation(op, "status must be one of pending, investigating, awaiting_evidence")
	}

	ref, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	var out *trade.Dispute
	err = s.store.WithTx(ctx, func(tx trade.Tx) error {
		_, d, err := lockDispute(ctx, tx, ref)
		if err != nil {
			return err
		}
		if !d.IsOpen() {
			return apperr.Conflict(op, "dispute %s is already %s", d.ID, d.Status)
		}
		d.Status = status
		d.UpdatedAt = s.now()
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("dispute status changed", "dispute_id", out.ID, "status", out.Status, "admin", adminID)
	return out, nil
}

// Resolve applies an administrator's decision, settles escrow and closes the
// transaction. The decision is final.
func (s *Service) Resolve(ctx context.Context, disputeID string, req ResolveRequest) (*trade.Dispute, error) {
	const op = "dispute.Resolve"
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(disputeID))
	defer span.End()

	if !req.Resolution.Valid() {
		return nil, apperr.Validation(op, "unknown resolution %q", req.Resolution)
	}
	if strings.TrimSpace(req.AdminID) == "" {
		return nil, apperr.Validation(op, "admin is required")
	}
	var refundAmount decimal.Decimal
	if req.Resolution == trade.ResolutionPartialRefund {
		var ok bool
		if refundAmount, ok = money.ParsePositive(req.RefundAmount); !ok {
			return nil, apperr.Validation(op, "refundAmount must be a positive amount with at most %d decimals", money.Places)
		}
	}

	ref, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	var out *trade.Dispute
	err = s.store.WithTx(ctx, func(tx trade.Tx) error {
		t, d, err := lockDispute(ctx, tx, ref)
		if err != nil {
			return err
		}
		if !d.IsOpen() {
			return apperr.Conflict(op, "dispute %s is already %s", d.ID, d.Status)
		}
		if t.Status != trade.StatusDisputed {
			return apperr.Invariant(op, "open dispute %s on transaction %s in status %s", d.ID, t.ID, t.Status)
		}
		p, err := tx.GetPayment(ctx, t.ID)
		if err != nil {
			return err
		}
		h, err := tx.GetHoldByPayment(ctx, p.ID)
		if err != nil {
			return err
		}

		now := s.now()
		o, err := s.settle(h, t, req.Resolution, refundAmount, now)
		if err != nil {
			return err
		}
		if err := trade.Settle(ctx, tx, h, o.payouts...); err != nil {
			return err
		}
		p.Status = o.payment
		p.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}

		hours := int(now.Sub(d.CreatedAt).Hours())
		d.Status = o.status
		d.Resolution = req.Resolution
		d.ResolvedBy = req.AdminID
		d.ResolutionNote = req.Note
		d.ResolvedAt = &now
		d.ResolutionTimeHours = &hours
		d.UpdatedAt = now
		if req.Resolution == trade.ResolutionPartialRefund {
			d.RefundAmount = &refundAmount
		}
		if err := tx.UpdateDispute(ctx, d); err != nil {
			return err
		}

		if err := s.sm.Transition(ctx, tx, t, o.to, trade.TransitionOptions{}); err != nil {
			return err
		}

		if o.loser != "" {
			e, err := notify.NewSanction(notify.Sanction{
				LosingParty:   partyID(t, o.loser),
				Role:          string(o.loser),
				DisputeID:     d.ID,
				TransactionID: t.ID,
				Resolution:    string(req.Resolution),
			}, now)
			if err != nil {
				return err
			}
			if err := tx.Enqueue(ctx, e); err != nil {
				return err
			}
		}
		tx.AfterCommit(func() { disputesResolved.WithLabelValues(string(req.Resolution)).Inc() })
		out = d
		return nil
	})
	if err != nil {
		trade.ObserveInvariant(s.logger, op, disputeID, err)
		traces.SetError(span, err)
		return nil, err
	}

	s.logger.Info("dispute resolved",
		"dispute_id", out.ID, "transaction_id", out.TransactionID,
		"resolution", out.Resolution, "status", out.Status, "admin", out.ResolvedBy,
		"resolution_time_hours", *out.ResolutionTimeHours)
	return out, nil
}

// outcome is everything a resolution changes.
type outcome struct {
	payouts []*escrow.PayoutRequest
	payment trade.PaymentStatus
	status  trade.DisputeStatus
	to      trade.Status
	loser   trade.AuthorRole
}

func (s *Service) settle(h *escrow.Hold, t *trade.Transaction, r trade.Resolution, refundAmount decimal.Decimal, now time.Time) (*outcome, error) {
	switch r {
	case trade.ResolutionRefund:
		rf, err := s.ledger.Refund(h, t.BuyerID, now)
		if err != nil {
			return nil, err
		}
		return &outcome{
			payouts: []*escrow.PayoutRequest{rf},
			payment: trade.PaymentRefunded,
			status:  trade.DisputeResolvedBuyer,
			to:      trade.StatusRefunded,
			loser:   trade.RoleSeller,
		}, nil

	case trade.ResolutionPartialRefund:
		st, err := s.ledger.PartialSettle(h, refundAmount, t.SellerID, t.BuyerID, now)
		if err != nil {
			return nil, err
		}
		return &outcome{
			payouts: []*escrow.PayoutRequest{st.Payout, st.Refund},
			payment: trade.PaymentReleased,
			status:  trade.DisputeResolvedBuyer,
			to:      trade.StatusCompleted,
			loser:   trade.RoleSeller,
		}, nil

	case trade.ResolutionPayout, trade.ResolutionNoAction:
		po, err := s.ledger.Release(h, t.SellerID, now)
		if err != nil {
			return nil, err
		}
		o := &outcome{
			payouts: []*escrow.PayoutRequest{po},
			payment: trade.PaymentReleased,
			status:  trade.DisputeResolvedSeller,
			to:      trade.StatusCompleted,
			loser:   trade.RoleBuyer,
		}
		if r == trade.ResolutionNoAction {
			o.status = trade.DisputeClosed
			o.loser = ""
		}
		return o, nil
	}
	return nil, apperr.Validation("dispute.Resolve", "unknown resolution %q", r)
}

// ListOverdue returns open disputes past their deadline, oldest first.
func (s *Service) ListOverdue(ctx context.Context, limit int) ([]*trade.Dispute, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	open, err := s.store.ListOpenDisputes(ctx, limit)
	if err != nil {
		return nil, err
	}
	now := s.now()
	overdue := make([]*trade.Dispute, 0, len(open))
	for _, d := range open {
		if d.IsOverdue(now) {
			overdue = append(overdue, d)
		}
	}
	return overdue, nil
}

// lockDispute locks the dispute's transaction and then the dispute itself,
// the same order every other unit of work takes the transaction row.
func lockDispute(ctx context.Context, tx trade.Tx, ref *trade.Dispute) (*trade.Transaction, *trade.Dispute, error) {
	t, err := tx.GetTransaction(ctx, ref.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	d, err := tx.GetDispute(ctx, ref.ID)
	if err != nil {
		return nil, nil, err
	}
	return t, d, nil
}

func authorRole(t *trade.Transaction, userID string, staff bool) (trade.AuthorRole, bool) {
	switch {
	case userID != "" && userID == t.BuyerID:
		return trade.RoleBuyer, true
	case userID != "" && userID == t.SellerID:
		return trade.RoleSeller, true
	case staff:
		return trade.RoleStaff, true
	}
	return "", false
}

func partyID(t *trade.Transaction, role trade.AuthorRole) string {
	if role == trade.RoleBuyer {
		return t.BuyerID
	}
	return t.SellerID
}

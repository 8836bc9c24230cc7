// Package gateway reconciles the mobile-money aggregator with the trade records.
//
// The aggregator reaches us two ways: it pushes signed webhooks, and we pull
// the status of a payment with CheckStatus. Both produce a Notification and
// both go through Reconciler.Apply, so the same provider status always has
// the same effect no matter how it arrived.
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/accountbazaar/escrowd/internal/apperr"
	"github.com/accountbazaar/escrowd/internal/money"
)

// Notification is a provider status report for one payment.
type Notification struct {
	ExternalID string          `json:"external_transaction_id" form:"external_transaction_id"`
	StatusCode string          `json:"status_code" form:"status_code"`
	Amount     decimal.Decimal `json:"amount" form:"-"`
	Currency   string          `json:"currency" form:"currency"`
	PaymentID  string          `json:"payment_id" form:"payment_id"`
	Signature  string          `json:"signature" form:"signature"`
}

// Event is what a provider status means for the transaction.
type Event string

const (
	EventAccepted Event = "accepted" // Funds captured
	EventRefused  Event = "refused"  // Payment will never arrive
	EventOther    Event = "other"    // Informational; recorded only
)

// Classify maps a provider status code to an Event.
func Classify(statusCode string) Event {
	switch strings.ToUpper(strings.TrimSpace(statusCode)) {
	case "ACCEPTED", "RECEIVED", "SUCCESS", "SUCCESSFUL":
		return EventAccepted
	case "REFUSED", "FAILED", "REJECTED":
		return EventRefused
	}
	return EventOther
}

// Validate checks that the notification names a payment and a status.
func (n *Notification) Validate() error {
	const op = "gateway.Notification"
	if strings.TrimSpace(n.ExternalID) == "" {
		return apperr.Validation(op, "external_transaction_id is required")
	}
	if strings.TrimSpace(n.StatusCode) == "" {
		return apperr.Validation(op, "status_code is required")
	}
	if Classify(n.StatusCode) == EventAccepted && !n.Amount.IsPositive() {
		return apperr.Validation(op, "amount is required for %s", n.StatusCode)
	}
	return nil
}

// Signer computes and checks webhook signatures: hex HMAC-SHA256 over
// external_transaction_id|status_code|amount|currency|payment_id.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer for the shared webhook secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the signature the provider would send for n.
func (s *Signer) Sign(n *Notification) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(canonical(n)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks n.Signature. An unconfigured secret rejects everything.
func (s *Signer) Verify(n *Notification) error {
	const op = "gateway.Verify"
	if len(s.secret) == 0 {
		return apperr.Validation(op, "webhook secret not configured")
	}
	got, err := hex.DecodeString(strings.TrimSpace(n.Signature))
	if err != nil || len(got) == 0 {
		return apperr.Validation(op, "missing or malformed signature")
	}
	want, _ := hex.DecodeString(s.Sign(n))
	if !hmac.Equal(got, want) {
		return apperr.Validation(op, "signature mismatch")
	}
	return nil
}

func canonical(n *Notification) string {
	amount := ""
	if !n.Amount.IsZero() {
		amount = money.Format(n.Amount)
	}
	return strings.Join([]string{
		n.ExternalID,
		strings.ToUpper(n.StatusCode),
		amount,
		strings.ToUpper(n.Currency),
		n.PaymentID,
	}, "|")
}

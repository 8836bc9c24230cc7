// Package notify carries outbound events from committed state changes to
// downstream collaborators: the notification sink, the sanctions advisor and
// the messaging subsystem's chat-lock feed.
//
// Events are written to an outbox in the same unit of work as the state change
// and delivered afterwards by the Relay. A delivery failure never rolls back
// the change that produced the event; it is recorded and retried.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/accountbazaar/escrowd/internal/idgen"
)

// Topic is a logical destination. Publishers map it to a concrete channel.
type Topic string

const (
	TopicNotifications Topic = "notifications"
	TopicSanctions     Topic = "sanctions"
	TopicChat          Topic = "chat"
)

// EventType names what happened.
type EventType string

const (
	EventPaymentConfirmed     EventType = "payment.confirmed"
	EventTransactionCancelled EventType = "transaction.cancelled"
	EventTransactionCompleted EventType = "transaction.completed"
	EventDisputeOpened        EventType = "dispute.opened"
	EventDisputeResolved      EventType = "dispute.resolved"
	EventSanctionLoss         EventType = "sanction.loss"
	EventChatLockChanged      EventType = "chat.lock_changed"
)

// Status is the delivery state of an outbox event.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Event is one outbox row.
type Event struct {
	ID          string          `json:"id"`
	Topic       Topic           `json:"topic"`
	Type        EventType       `json:"type"`
	Key         string          `json:"key"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	DeliveredAt *time.Time      `json:"deliveredAt,omitempty"`
}

// Notification is the payload sent to the notification sink.
type Notification struct {
	TransactionID string                 `json:"transactionId"`
	Recipients    []string               `json:"recipients"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// Sanction is the payload sent to the sanctions advisor when a party loses a dispute.
type Sanction struct {
	LosingParty   string `json:"losingParty"`
	Role          string `json:"role"`
	DisputeID     string `json:"disputeId"`
	TransactionID string `json:"transactionId"`
	Resolution    string `json:"resolution"`
}

// ChatLock is the payload of a chat-lock change, computed from committed state.
type ChatLock struct {
	TransactionID string   `json:"transactionId"`
	Participants  []string `json:"participants"`
	Locked        bool     `json:"locked"`
	Reason        string   `json:"reason"`
}

func newEvent(topic Topic, typ EventType, key string, payload interface{}, now time.Time) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &Event{
		ID:        idgen.WithPrefix("evt_"),
		Topic:     topic,
		Type:      typ,
		Key:       key,
		Payload:   raw,
		Status:    StatusPending,
		CreatedAt: now,
	}, nil
}

// NewNotification builds a notification event for both parties of a transaction.
func NewNotification(typ EventType, transactionID string, recipients []string, data map[string]interface{}, now time.Time) (*Event, error) {
	return newEvent(TopicNotifications, typ, transactionID, Notification{
		TransactionID: transactionID,
		Recipients:    recipients,
		Data:          data,
	}, now)
}

// NewSanction builds a sanctions-advisor event.
func NewSanction(s Sanction, now time.Time) (*Event, error) {
	return newEvent(TopicSanctions, EventSanctionLoss, s.LosingParty, s, now)
}

// NewChatLock builds a chat-lock change event.
func NewChatLock(c ChatLock, now time.Time) (*Event, error) {
	return newEvent(TopicChat, EventChatLockChanged, c.TransactionID, c, now)
}

// OutboxStore reads and settles pending outbox events.
type OutboxStore interface {
	PendingEvents(ctx context.Context, limit int) ([]*Event, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkAttempt(ctx context.Context, id string, lastError string, failed bool) error
}

// Publisher delivers one event to its destination.
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
}

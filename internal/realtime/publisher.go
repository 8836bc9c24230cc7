package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/accountbazaar/escrowd/internal/auth"
	"github.com/accountbazaar/escrowd/internal/notify"
)

// Publisher forwards chat lock outbox events to connected clients.
// It implements notify.Publisher and is routed only chat topic events.
type Publisher struct {
	hub *Hub
}

// NewPublisher creates a publisher feeding hub.
func NewPublisher(hub *Hub) *Publisher {
	return &Publisher{hub: hub}
}

// Publish implements notify.Publisher.
func (p *Publisher) Publish(_ context.Context, e *notify.Event) error {
	if e.Type != notify.EventChatLockChanged {
		return nil
	}
	var c ChatLock
	if err := json.Unmarshal(e.Payload, &c); err != nil {
		return fmt.Errorf("decode chat lock %s: %w", e.ID, err)
	}
	p.hub.BroadcastChatLock(c)
	return nil
}

// Handler serves GET /ws/chat. The caller must be identified by the upstream proxy.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.HandleWebSocket(c.Writer, c.Request, auth.GetUserID(c), auth.IsStaff(c))
	}
}

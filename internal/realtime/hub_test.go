package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/accountbazaar/escrowd/internal/auth"
	"github.com/accountbazaar/escrowd/internal/notify"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func lockEvent(txnID string, participants ...string) *Event {
	return &Event{
		Type:      EventChatLock,
		Timestamp: time.Now(),
		Data:      ChatLock{TransactionID: txnID, Participants: participants, Locked: true, Reason: "dispute_open"},
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_PartyOnly(t *testing.T) {
	h := testHub()
	buyer := &Client{userID: "buyer"}
	stranger := &Client{userID: "stranger"}

	event := lockEvent("txn_1", "buyer", "seller")
	if !h.shouldSend(buyer, event) {
		t.Error("party should receive its transaction's lock changes")
	}
	if h.shouldSend(stranger, event) {
		t.Error("non-party should NOT receive lock changes")
	}
}

func TestShouldSend_StaffSeesAll(t *testing.T) {
	h := testHub()
	staff := &Client{userID: "ops", staff: true}
	if !h.shouldSend(staff, lockEvent("txn_1", "buyer", "seller")) {
		t.Error("staff should receive every lock change")
	}
}

func TestShouldSend_TransactionFilter(t *testing.T) {
	h := testHub()
	client := &Client{userID: "buyer", sub: Subscription{TransactionIDs: []string{"txn_2"}}}

	if h.shouldSend(client, lockEvent("txn_1", "buyer", "seller")) {
		t.Error("should NOT receive unsubscribed transaction")
	}
	if !h.shouldSend(client, lockEvent("txn_2", "buyer", "seller")) {
		t.Error("should receive subscribed transaction")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{hub: h, send: make(chan []byte, 256), staff: true}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestPublisher_ForwardsChatLocks(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	seller := &Client{hub: h, send: make(chan []byte, 256), userID: "seller"}
	h.register <- seller
	time.Sleep(50 * time.Millisecond)

	e, err := notify.NewChatLock(notify.ChatLock{
		TransactionID: "txn_1", Participants: []string{"buyer", "seller"}, Locked: false, Reason: "in_escrow",
	}, time.Now())
	if err != nil {
		t.Fatalf("NewChatLock: %v", err)
	}
	if err := NewPublisher(h).Publish(ctx, e); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-seller.send:
		var got Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Type != EventChatLock || got.Data.TransactionID != "txn_1" || got.Data.Locked {
			t.Errorf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for chat lock")
	}
}

func TestPublisher_IgnoresOtherEvents(t *testing.T) {
	h := testHub()
	e, _ := notify.NewNotification(notify.EventPaymentConfirmed, "txn_1", []string{"buyer"}, nil, time.Now())
	if err := NewPublisher(h).Publish(context.Background(), e); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if h.Stats()["totalEvents"].(int64) != 0 {
		t.Error("non chat events should not reach the hub")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHandler_WebSocketStream(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	r := gin.New()
	r.Use(auth.Middleware())
	r.GET("/ws/chat", auth.RequireUser(), h.Handler())
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"
	header := map[string][]string{auth.HeaderUserID: {"buyer"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	h.BroadcastChatLock(ChatLock{TransactionID: "txn_9", Participants: []string{"buyer", "seller"}, Locked: true})

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Data.TransactionID != "txn_9" || !got.Data.Locked {
		t.Errorf("unexpected event %+v", got)
	}
}

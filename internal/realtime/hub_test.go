package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/holdfast/holdfast/internal/testutil"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_Audience(t *testing.T) {
	h := testHub()
	buyer := &Client{userID: "usr_buyer"}
	stranger := &Client{userID: "usr_stranger"}
	admin := &Client{userID: "usr_admin", admin: true}

	event := &Event{Type: "escrow.funded", audience: []string{"usr_buyer", "usr_seller"}}

	if !h.shouldSend(buyer, event) {
		t.Error("buyer should receive escrow events")
	}
	if h.shouldSend(stranger, event) {
		t.Error("unrelated users must NOT receive escrow events")
	}
	if !h.shouldSend(admin, event) {
		t.Error("admins should receive every event")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{userID: "usr_a", sub: Subscription{EventTypes: []string{"dispute.*", "withdrawal.succeeded"}}}
	audience := []string{"usr_a"}

	cases := map[string]bool{
		"dispute.opened":       true,
		"dispute.resolved":     true,
		"withdrawal.succeeded": true,
		"withdrawal.failed":    false,
		"escrow.funded":        false,
	}
	for eventType, want := range cases {
		if got := h.shouldSend(client, &Event{Type: eventType, audience: audience}); got != want {
			t.Errorf("%s: got %v, want %v", eventType, got, want)
		}
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{userID: "usr_a"}
	if !h.shouldSend(client, &Event{Type: "anything", audience: []string{"usr_a"}}) {
		t.Error("empty subscription should receive all permitted events")
	}
}

// ---------------------------------------------------------------------------
// Hub loop tests
// ---------------------------------------------------------------------------

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256), userID: "usr_a"}

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

func TestHub_NotifyDeliversToAudienceOnly(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	seller := &Client{hub: h, send: make(chan []byte, 256), userID: "usr_seller"}
	other := &Client{hub: h, send: make(chan []byte, 256), userID: "usr_other"}
	h.register <- seller
	h.register <- other
	time.Sleep(50 * time.Millisecond)

	h.Notify("escrow.shipped", []string{"usr_buyer", "usr_seller"}, map[string]string{"id": "esc_1"})

	select {
	case msg := <-seller.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad message: %v", err)
		}
		if ev.Type != "escrow.shipped" {
			t.Errorf("Expected escrow.shipped, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for notification")
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case <-other.send:
		t.Error("non-party client should NOT receive the event")
	default:
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

// ---------------------------------------------------------------------------
// WebSocket endpoint
// ---------------------------------------------------------------------------

func TestHandleWebSocket(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	r := testutil.Router()
	h.RegisterRoutes(r.Group("/v1"))
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("anonymous upgrade should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 for anonymous upgrade, got %v", resp)
	}

	header := http.Header{}
	header.Set("X-User-ID", "usr_buyer")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	h.Notify("dispute.opened", []string{"usr_seller"}, map[string]string{"id": "dsp_hidden"})
	h.Notify("dispute.opened", []string{"usr_buyer"}, map[string]string{"id": "dsp_1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), "dsp_1") {
		t.Errorf("Expected the buyer's event, got %s", msg)
	}
}

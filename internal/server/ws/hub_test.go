package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.ch <- payload
	return nil
}

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}

func TestHubRelaysBusEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := &chanBus{ch: make(chan []byte, 4)}
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Channels: []string{"bridge:events"}})
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Errorf("frame type = %d, want text", msgType)
	}
	var status struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &status); err != nil || status.Type != "bridge_status" {
		t.Fatalf("initial message = %s", data)
	}

	if err := bus.Publish(ctx, "bridge:events", []byte(`{"action":"strategy_executed"}`)); err != nil {
		t.Fatal(err)
	}
	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if string(data) != `{"action":"strategy_executed"}` {
		t.Errorf("event = %s", data)
	}
}

func TestSubscriptionMatching(t *testing.T) {
	c := &client{subs: map[string]bool{"bridge:*": true, "alerts": true}}
	for ch, want := range map[string]bool{
		"bridge:events": true,
		"alerts":        true,
		"other":         false,
		"alerts:more":   false,
	} {
		if got := c.subscribed(ch); got != want {
			t.Errorf("subscribed(%q) = %v, want %v", ch, got, want)
		}
	}

	c.apply(subscriptionRequest{Action: "unsubscribe", Channels: []string{"bridge:*"}})
	if c.subscribed("bridge:events") {
		t.Error("unsubscribe did not take effect")
	}
}

func TestForeignOriginRejectedAtHandshake(t *testing.T) {
	hub := NewHub(&chanBus{}, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Channels:       []string{"bridge:events"},
		AllowedOrigins: []string{"https://app.example"},
	})
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{"Origin": []string{"https://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatal("handshake from foreign origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %v, want 403", resp)
	}

	header.Set("Origin", "https://app.example")
	conn, _, err = websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	conn.Close()
}

func TestSlowClientIsEvicted(t *testing.T) {
	hub := NewHub(&chanBus{}, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Channels: []string{"bridge:events"}})
	slow := &client{hub: hub, send: make(chan []byte, 1), subs: map[string]bool{"bridge:events": true}}
	idle := &client{hub: hub, send: make(chan []byte, 1), subs: map[string]bool{"other": true}}
	hub.add(slow)
	hub.add(idle)

	hub.broadcast("bridge:events", []byte("one"))
	hub.broadcast("bridge:events", []byte("two"))

	if _, ok := hub.clients[slow]; ok {
		t.Fatal("slow client still registered")
	}
	if _, ok := hub.clients[idle]; !ok {
		t.Fatal("unsubscribed client evicted")
	}
	if got := <-slow.send; string(got) != "one" {
		t.Errorf("first message = %s", got)
	}
	if _, ok := <-slow.send; ok {
		t.Error("send channel not closed after eviction")
	}

	// Removing twice must not panic on a closed channel.
	hub.remove(slow)
}

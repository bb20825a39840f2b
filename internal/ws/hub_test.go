package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"whatsapp-crm/internal/metrics"
)

func TestHub_DeliversPublishedEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws", hub.ServeWs)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for promtest.ToFloat64(metrics.WSClients) < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish("message.new", map[string]any{"id": 7})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "message.new" || ev.Data["id"] != float64(7) {
		t.Fatalf("event=%+v", ev)
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastQueue+50; i++ {
			hub.Publish("conversation.updated", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked without a running hub")
	}
}

func TestHub_CheckOrigin(t *testing.T) {
	hub := NewHub([]string{"https://crm.example.com"}, zerolog.Nop())
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://crm.example.com", true},
		{"https://evil.example.com", false},
		{"", true},
	}
	for _, tc := range tests {
		req := httptest.NewRequest("GET", "/ws", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		if got := hub.upgrader.CheckOrigin(req); got != tc.want {
			t.Fatalf("origin %q: got %v, want %v", tc.origin, got, tc.want)
		}
	}
}

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// wsServer is a minimal stream endpoint: it serves the connection-open call
// and one websocket session scripted by the test.
type wsServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *websocket.Conn
	gotAcks []frame
	ready   chan struct{}
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{t: t, ready: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1.0/gateway/connections/open", func(w http.ResponseWriter, r *http.Request) {
		endpoint := "ws" + strings.TrimPrefix(ws.srv.URL, "http") + "/stream"
		json.NewEncoder(w).Encode(map[string]string{"endpoint": endpoint, "ticket": "ticket-1"})
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ticket") != "ticket-1" {
			http.Error(w, "bad ticket", http.StatusForbidden)
			return
		}
		conn, err := ws.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conn = conn
		ws.mu.Unlock()
		close(ws.ready)

		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			ws.mu.Lock()
			ws.gotAcks = append(ws.gotAcks, f)
			ws.mu.Unlock()
		}
	})
	ws.srv = httptest.NewServer(mux)
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsServer) send(f frame) {
	<-ws.ready
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if err := ws.conn.WriteJSON(f); err != nil {
		ws.t.Errorf("server write: %v", err)
	}
}

func (ws *wsServer) acks() []frame {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return append([]frame(nil), ws.gotAcks...)
}

func newTestWSClient(t *testing.T, ws *wsServer) *WSClient {
	t.Helper()
	c, err := NewWSClient(WSClientOpts{
		ClientID:     "ck",
		ClientSecret: "cs",
		BaseURL:      ws.srv.URL,
		Log:          zerolog.New(&bytes.Buffer{}),
	})
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	return c
}

func TestWSClient_DeliversCallbackAndAcks(t *testing.T) {
	ws := newWSServer(t)
	c := newTestWSClient(t, ws)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	ws.send(frame{
		Type:    "CALLBACK",
		Headers: map[string]string{"topic": TopicRobot, "messageId": "stream_msg_1"},
		Data:    `{"msgId":"m1"}`,
	})

	var env Envelope
	select {
	case env = <-c.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope delivered")
	}
	if env.ID != "stream_msg_1" || env.Topic != TopicRobot {
		t.Errorf("envelope = %+v", env)
	}

	c.Ack(env.ID, AckSuccess)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ws.acks()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	acks := ws.acks()
	if len(acks) != 1 {
		t.Fatalf("server received %d frames, want 1", len(acks))
	}
	if acks[0].Headers["messageId"] != "stream_msg_1" {
		t.Errorf("ack frame = %+v", acks[0])
	}
	if !strings.Contains(acks[0].Data, `"success":true`) {
		t.Errorf("ack payload = %q", acks[0].Data)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit on context cancel")
	}
}

func TestWSClient_AnswersPing(t *testing.T) {
	ws := newWSServer(t)
	c := newTestWSClient(t, ws)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	go c.Run(ctx)

	ws.send(frame{
		Type:    "SYSTEM",
		Headers: map[string]string{"topic": TopicPing, "messageId": "ping_1"},
		Data:    `{"t":1}`,
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ws.acks()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	pongs := ws.acks()
	if len(pongs) != 1 || pongs[0].Headers["messageId"] != "ping_1" {
		t.Fatalf("pong frames = %+v", pongs)
	}
	if pongs[0].Data != `{"t":1}` {
		t.Errorf("pong echoes wrong data: %q", pongs[0].Data)
	}
}

func TestWSClient_ServerDisconnectReturnsError(t *testing.T) {
	ws := newWSServer(t)
	c := newTestWSClient(t, ws)

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	ws.send(frame{
		Type:    "SYSTEM",
		Headers: map[string]string{"topic": TopicDisconnect, "messageId": "disc_1"},
	})

	select {
	case err := <-runDone:
		if err == nil {
			t.Fatal("server disconnect returned nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit on server disconnect")
	}
}

func TestWSClient_CloseWhileDeliveryBlocked(t *testing.T) {
	ws := newWSServer(t)
	c := newTestWSClient(t, ws)

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	// Fill the events buffer with nothing consuming it, so the pump parks
	// on the delivery beyond the buffer.
	for i := 0; i < 70; i++ {
		ws.send(frame{
			Type:    "CALLBACK",
			Headers: map[string]string{"topic": TopicRobot, "messageId": fmt.Sprintf("flood_%d", i)},
			Data:    `{}`,
		})
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.Events()) == 64 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(c.Events()) != 64 {
		t.Fatalf("buffered envelopes = %d, want a full buffer", len(c.Events()))
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run after Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Close")
	}

	// The buffered envelopes drain and the channel closes cleanly.
	drained := make(chan int, 1)
	go func() {
		n := 0
		for range c.Events() {
			n++
		}
		drained <- n
	}()
	select {
	case n := <-drained:
		if n != 64 {
			t.Errorf("drained envelopes = %d, want 64", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel never closed")
	}
}

func TestNewWSClient_RequiresCredentials(t *testing.T) {
	if _, err := NewWSClient(WSClientOpts{ClientID: "only-id"}); err == nil {
		t.Fatal("missing secret accepted")
	}
}

package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// startGateway runs a test WebSocket server that captures the auth
// header, sends the given frames, and echoes received frames into sent.
func startGateway(t *testing.T, frames []any, sent chan Outbound) (*httptest.Server, *string) {
	t.Helper()
	var authHeader string
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for _, f := range frames {
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
		for {
			var out Outbound
			if err := conn.ReadJSON(&out); err != nil {
				return
			}
			sent <- out
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &authHeader
}

func TestClientReceivesMessages(t *testing.T) {
	frames := []any{
		Inbound{Type: "presence", Sender: "alice"},
		Inbound{Type: "message", Sender: "alice", Content: "weather rome"},
	}
	srv, auth := startGateway(t, frames, make(chan Outbound, 1))

	c := NewClient(srv.URL, "secret", slog.Default())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	select {
	case msg := <-c.Messages():
		if msg.Sender != "alice" || msg.Content != "weather rome" {
			t.Errorf("got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	if *auth != "Bearer secret" {
		t.Errorf("auth header = %q", *auth)
	}
}

func TestClientSend(t *testing.T) {
	sent := make(chan Outbound, 1)
	srv, _ := startGateway(t, nil, sent)

	c := NewClient(srv.URL, "", slog.Default())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	err := c.Send(context.Background(), Outbound{Recipient: "alice", Body: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case out := <-sent:
		if out.Recipient != "alice" || out.Body != "hi" || out.Type != "send" {
			t.Errorf("server received %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send")
	}
}

func TestClientSendBeforeConnect(t *testing.T) {
	c := NewClient("ws://unused", "", slog.Default())
	if err := c.Send(context.Background(), Outbound{Body: "hi"}); err == nil {
		t.Error("Send() before Connect should fail")
	}
}

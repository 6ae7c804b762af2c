package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestConnRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	handled := make(chan Message, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conn := NewConn(ws, "u1", ConnConfig{SendBuffer: 4, PingInterval: time.Second}, nil)
		conn.Emit("connected", map[string]string{"connectionId": "fixed"})
		conn.Run(r.Context(), func(_ context.Context, c *Conn, msg Message) {
			handled <- msg
			c.Emit("ack", map[string]string{"event": msg.Event})
		})
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var hello Message
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := client.ReadJSON(&hello); err != nil || hello.Event != "connected" {
		t.Fatalf("expected connected frame, got %+v err=%v", hello, err)
	}

	if err := client.WriteJSON(Message{Event: "join_board", Data: json.RawMessage(`{"boardId":"b1"}`)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case msg := <-handled:
		if msg.Event != "join_board" || string(msg.Data) != `{"boardId":"b1"}` {
			t.Fatalf("unexpected command %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command not handled")
	}

	var ack Message
	if err := client.ReadJSON(&ack); err != nil || ack.Event != "ack" {
		t.Fatalf("expected ack, got %+v err=%v", ack, err)
	}
}

func TestConnSendAfterCloseReportsFalse(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ready := make(chan *Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ready <- NewConn(ws, "u1", ConnConfig{SendBuffer: 1}, nil)
	}))
	defer server.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	conn := <-ready
	if !conn.Send([]byte(`{}`)) {
		t.Fatal("expected first send to queue")
	}
	if conn.Send([]byte(`{}`)) {
		t.Fatal("expected full buffer to drop")
	}
	conn.Close()
	conn.Close()
	if conn.Send([]byte(`{}`)) {
		t.Fatal("expected send after close to drop")
	}
}

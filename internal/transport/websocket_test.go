package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsTestServer upgrades one connection and hands the wrapped server side to
// the test.
func wsTestServer(t *testing.T, handlers Handlers) (*WSConn, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	conns := make(chan *WSConn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		conns <- NewWSConn(raw, handlers)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case c := <-conns:
		return c, client
	case <-time.After(2 * time.Second):
		t.Fatal("server connection never arrived")
		return nil, nil
	}
}

func TestWSConn_OnMessage(t *testing.T) {
	received := make(chan []byte, 1)
	_, client := wsTestServer(t, Handlers{
		OnMessage: func(data []byte) { received <- data },
	})

	if err := client.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Errorf("Expected hello, got %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnMessage never fired")
	}
}

func TestWSConn_Send(t *testing.T) {
	conn, client := wsTestServer(t, Handlers{})

	if err := conn.Send([]byte("payload")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Errorf("Expected binary message, got type %d", msgType)
	}
	if string(data) != "payload" {
		t.Errorf("Expected payload, got %q", data)
	}
}

func TestWSConn_Close(t *testing.T) {
	closed := make(chan struct{})
	conn, client := wsTestServer(t, Handlers{
		OnClose: func() { close(closed) },
	})

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired")
	}

	if err := conn.Send([]byte("late")); err != ErrSessionClosed {
		t.Errorf("Expected ErrSessionClosed after close, got %v", err)
	}

	// Second close must be a no-op, not a panic.
	if err := conn.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Error("Expected client read to fail after server close")
	}
}

func TestWSConn_PeerDisconnect(t *testing.T) {
	closed := make(chan struct{})
	_, client := wsTestServer(t, Handlers{
		OnClose: func() { close(closed) },
	})

	client.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired after peer disconnect")
	}
}

func TestWSConn_Ping(t *testing.T) {
	conn, client := wsTestServer(t, Handlers{})

	pongs := make(chan struct{}, 1)
	client.SetPingHandler(func(string) error {
		pongs <- struct{}{}
		return client.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
	})
	// Reads drive control frame processing on the client.
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	select {
	case <-pongs:
	case <-time.After(2 * time.Second):
		t.Fatal("client never saw the ping")
	}
}

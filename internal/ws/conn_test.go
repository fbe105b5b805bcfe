package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestBackoff(t *testing.T) {
	bo := NewBackoff(time.Second, 30*time.Second)

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // stays capped
	}

	for i, want := range expected {
		got := bo.Next()
		if got != want {
			t.Errorf("attempt %d: got %v, want %v", i, got, want)
		}
	}
	if bo.Attempts() != len(expected) {
		t.Errorf("Attempts = %d, want %d", bo.Attempts(), len(expected))
	}
}

func TestBackoffReset(t *testing.T) {
	bo := NewBackoff(time.Second, 60*time.Second)
	bo.Next() // 1s
	bo.Next() // 2s
	bo.Next() // 4s
	bo.Reset()

	got := bo.Next()
	if got != time.Second {
		t.Errorf("after reset: got %v, want %v", got, time.Second)
	}
}

func TestBackoffNoOverflow(t *testing.T) {
	bo := NewBackoff(time.Second, time.Minute)
	for i := 0; i < 100; i++ {
		if d := bo.Next(); d <= 0 || d > time.Minute {
			t.Fatalf("attempt %d: got %v", i, d)
		}
	}
}

func TestBackoffJitter(t *testing.T) {
	bo := NewBackoff(time.Second, time.Minute)
	bo.Jitter = 0.5
	for i := 0; i < 50; i++ {
		bo.Reset()
		if d := bo.Next(); d < 500*time.Millisecond || d > time.Second {
			t.Fatalf("jittered delay %v outside [0.5s, 1s]", d)
		}
	}
}

func TestWebSocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":       "ws://localhost:8080/ws",
		"https://relay.example.com":   "wss://relay.example.com/ws",
		"https://relay.example.com/x": "wss://relay.example.com/x",
		"ws://127.0.0.1:9/ws":         "ws://127.0.0.1:9/ws",
	}
	for in, want := range cases {
		if got := WebSocketURL(in); got != want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func newTestServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnEmitAndRead(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		// Echo one frame back, then send garbage.
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		conn.Write(ctx, typ, data)
		conn.Write(ctx, websocket.MessageText, []byte("not json"))
		time.Sleep(200 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "done")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.CloseNow()

	if err := c.Emit(ctx, TypeScreenUpdate, ScreenUpdate{Image: "frame"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	msg, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var su ScreenUpdate
	if err := msg.ParsePayload(&su); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if msg.Type != TypeScreenUpdate || su.Image != "frame" {
		t.Errorf("echo = %s %+v", msg.Type, su)
	}

	_, err = c.Read(ctx)
	if !errors.Is(err, ErrBadMessage) {
		t.Errorf("Read garbage: err = %v, want ErrBadMessage", err)
	}
}

func TestDialUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, srv.URL+"/ws", nil)
	if !errors.Is(err, ErrAuthRejected) {
		t.Errorf("err = %v, want ErrAuthRejected", err)
	}
}

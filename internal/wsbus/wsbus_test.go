package wsbus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestMsgQueuePushPopFIFO(t *testing.T) {
	q := newMsgQueue()
	q.push([]byte("a"))
	q.push([]byte("b"))

	m, ok := q.pop()
	if !ok || string(m) != "a" {
		t.Fatalf("first pop = (%q, %v), want (a, true)", m, ok)
	}
	m, ok = q.pop()
	if !ok || string(m) != "b" {
		t.Fatalf("second pop = (%q, %v), want (b, true)", m, ok)
	}
}

func TestMsgQueueCloseDrainsPending(t *testing.T) {
	q := newMsgQueue()
	q.push([]byte("x"))
	q.close()

	_, ok := q.pop()
	if !ok {
		t.Fatal("pop after close should still drain a pending item")
	}
	_, ok = q.pop()
	if ok {
		t.Error("pop on a drained, closed queue should report ok=false")
	}
}

func TestBroadcastToUnknownChannelIsDropped(t *testing.T) {
	b := NewBus(zerolog.Nop())
	// Should log a warning and return, not panic.
	b.Broadcast("nope", map[string]string{"a": "b"})
}

func TestSubscribeUnknownChannelReturnsError(t *testing.T) {
	b := NewBus(zerolog.Nop())
	done := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- b.Subscribe("nonexistent", conn)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Subscribe(nonexistent channel) = nil error, want one")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server handler never returned")
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := NewBus(zerolog.Nop())
	ch1 := b.Register("loc")
	ch2 := b.Register("loc")
	if ch1 != ch2 {
		t.Error("Register called twice with the same name returned different channels")
	}
	b.Stop()
}

func TestBroadcastDeliversToSubscriber(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
	b := NewBus(zerolog.Nop())
	b.Register("loc")
	defer b.Stop()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = b.Subscribe("loc", conn)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	b.Broadcast("loc", map[string]string{"request": "update"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["request"] != "update" {
		t.Errorf("got = %v, want request=update", got)
	}
}

package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/energino-core/internal/infrastructure/logging"
)

func newTestClient(h *Hub, channels ...string) *WSClient {
	c := &WSClient{
		hub:           h,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	return c
}

func TestHub_Broadcast(t *testing.T) {
	h := NewHub(wsTestConfig(), logging.Discard())
	subscribed := newTestClient(h, ChannelFeedUpdated)
	other := newTestClient(h, "controller.transition")
	h.Register(subscribed)
	h.Register(other)

	h.Broadcast(ChannelFeedUpdated, map[string]int{"id": 1})

	select {
	case data := <-subscribed.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != WSTypeEvent || msg.EventType != ChannelFeedUpdated {
			t.Errorf("message = %+v", msg)
		}
	default:
		t.Fatal("subscribed client got nothing")
	}

	select {
	case data := <-other.send:
		t.Errorf("unsubscribed client got %s", data)
	default:
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := NewHub(wsTestConfig(), logging.Discard())
	c := newTestClient(h)

	h.Register(c)
	if h.ClientCount() != 1 {
		t.Fatalf("ClientCount() = %d, want 1", h.ClientCount())
	}
	h.Unregister(c)
	h.Unregister(c)
	if h.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", h.ClientCount())
	}
	if _, ok := <-c.send; ok {
		t.Error("send channel not closed")
	}

	// Sending to a gone client must not panic.
	c.trySend([]byte("late"))
}

func TestHub_FullBufferDrops(t *testing.T) {
	h := NewHub(wsTestConfig(), logging.Discard())
	c := &WSClient{hub: h, send: make(chan []byte, 1), subscriptions: map[string]struct{}{"x": {}}}
	h.Register(c)

	h.Broadcast("x", 1)
	h.Broadcast("x", 2)
	if len(c.send) != 1 {
		t.Errorf("buffered = %d, want 1", len(c.send))
	}
}

func dialWS(t *testing.T, env *testEnv, query string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v (resp %v)", url, err, resp)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", h.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocket_ChannelsQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialWS(t, env, "?channels="+ChannelFeedUpdated)
	waitForClients(t, env.srv.Hub(), 1)

	env.srv.Hub().Broadcast(ChannelFeedUpdated, map[string]int{"id": 4})

	msg := readMessage(t, conn)
	if msg.Type != WSTypeEvent || msg.EventType != ChannelFeedUpdated {
		t.Errorf("message = %+v", msg)
	}
}

func TestWebSocket_SubscribeAndPing(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialWS(t, env, "")

	if err := conn.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{"controller.transition"}},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != WSTypeResponse || msg.ID != "sub-1" {
		t.Errorf("subscribe response = %+v", msg)
	}

	env.srv.Hub().Broadcast("controller.transition", map[string]string{"to": "idle"})
	if msg := readMessage(t, conn); msg.EventType != "controller.transition" {
		t.Errorf("event = %+v", msg)
	}

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != WSTypePong || msg.ID != "p" {
		t.Errorf("ping response = %+v", msg)
	}

	if err := conn.WriteJSON(WSMessage{Type: "bogus", ID: "b"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != WSTypeError {
		t.Errorf("unknown type response = %+v", msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != WSTypeError {
		t.Errorf("invalid JSON response = %+v", msg)
	}
}

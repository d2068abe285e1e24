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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub("admin-secret")
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func next(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var out map[string]any
	require.NoError(t, conn.ReadJSON(&out))
	return out
}

func payloadStatus(msg map[string]any) string {
	p, _ := msg["payload"].(map[string]any)
	s, _ := p["status"].(string)
	return s
}

func TestJoinChatTopicAndReceiveChange(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)

	topic := ChatTopic("sess-1")
	send(t, conn, map[string]any{"topic": topic, "event": "phx_join", "payload": map[string]any{}, "ref": "1"})

	reply := next(t, conn)
	assert.Equal(t, "phx_reply", reply["event"])
	assert.Equal(t, "1", reply["ref"])
	assert.Equal(t, "ok", payloadStatus(reply))
	resp := reply["payload"].(map[string]any)["response"].(map[string]any)
	assert.Equal(t, "session_id=eq.sess-1", resp["filter"])

	system := next(t, conn)
	assert.Equal(t, "system", system["event"])

	assert.Equal(t, 1, hub.Subscribers(topic))

	hub.PublishChange("chat_messages", "INSERT", map[string]string{"id": "m1"}, topic)

	change := next(t, conn)
	assert.Equal(t, "postgres_changes", change["event"])
	assert.Equal(t, topic, change["topic"])
	data := change["payload"].(map[string]any)["data"].(map[string]any)
	assert.Equal(t, "chat_messages", data["table"])
	assert.Equal(t, "INSERT", data["type"])
	assert.Equal(t, "m1", data["record"].(map[string]any)["id"])
}

func TestAdminTopicRequiresToken(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)

	send(t, conn, map[string]any{"topic": AdminTopic, "event": "phx_join", "payload": map[string]any{"access_token": "wrong"}, "ref": "1"})
	assert.Equal(t, "error", payloadStatus(next(t, conn)))
	assert.Equal(t, 0, hub.Subscribers(AdminTopic))

	send(t, conn, map[string]any{"topic": AdminTopic, "event": "phx_join", "payload": map[string]any{"access_token": "admin-secret"}, "ref": "2"})
	assert.Equal(t, "ok", payloadStatus(next(t, conn)))
	next(t, conn) // system
	assert.Equal(t, 1, hub.Subscribers(AdminTopic))
}

func TestUnknownTopicRejected(t *testing.T) {
	_, url := startHub(t)
	conn := dial(t, url)

	send(t, conn, map[string]any{"topic": "realtime:messages:abc", "event": "phx_join", "payload": map[string]any{}, "ref": "1"})
	assert.Equal(t, "error", payloadStatus(next(t, conn)))
}

func TestHeartbeatAndLeave(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	topic := ChatTopic("sess-2")

	send(t, conn, map[string]any{"topic": "phoenix", "event": "heartbeat", "payload": map[string]any{}, "ref": "7"})
	hb := next(t, conn)
	assert.Equal(t, "phoenix", hb["topic"])
	assert.Equal(t, "7", hb["ref"])

	send(t, conn, map[string]any{"topic": topic, "event": "phx_join", "payload": map[string]any{}, "ref": "8"})
	next(t, conn)
	next(t, conn)
	send(t, conn, map[string]any{"topic": topic, "event": "phx_leave", "payload": map[string]any{}, "ref": "9"})
	leave := next(t, conn)
	assert.Equal(t, "9", leave["ref"])
	assert.Equal(t, 0, hub.Subscribers(topic))
}

func TestChangePayloadShape(t *testing.T) {
	raw, err := json.Marshal(Change{Schema: "public", Table: "leads", Type: "UPDATE"})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"commit_timestamp"`)
	assert.Contains(t, string(raw), `"errors":null`)
}

func TestSlowClientDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub("")
	go hub.Run(ctx)

	topic := ChatTopic("sess-slow")
	slow := &Client{
		hub:    hub,
		send:   make(chan []byte, 1),
		quit:   make(chan struct{}),
		topics: map[string]bool{topic: true},
	}
	slow.send <- []byte("backlog")
	hub.mu.Lock()
	hub.clients[slow] = true
	hub.topics[topic] = map[*Client]bool{slow: true}
	hub.mu.Unlock()
	require.Equal(t, 1, hub.Subscribers(topic))

	assert.NotPanics(t, func() {
		hub.Broadcast(topic, "postgres_changes", map[string]any{})
		hub.Broadcast(topic, "postgres_changes", map[string]any{})
	})
	assert.Eventually(t, func() bool { return hub.Subscribers(topic) == 0 }, 2*time.Second, 10*time.Millisecond)
	select {
	case <-slow.quit:
	case <-time.After(2 * time.Second):
		t.Fatal("slow client was not stopped")
	}
}

func TestRunCancelDisconnectsClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub("")
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	defer srv.Close()
	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))

	topic := ChatTopic("sess-3")
	send(t, conn, map[string]any{"topic": topic, "event": "phx_join", "payload": map[string]any{}, "ref": "1"})
	next(t, conn)
	next(t, conn)
	require.Equal(t, 1, hub.Subscribers(topic))

	cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	assert.ErrorAs(t, err, &closeErr)
	assert.Equal(t, 0, hub.Subscribers(topic))

	done := make(chan struct{})
	go func() {
		hub.Broadcast(topic, "postgres_changes", map[string]any{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked after shutdown")
	}
}

package realtime

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	sendBuffer = 256
)

const (
	topicPrefix = "realtime:"
	chatPrefix  = topicPrefix + "chat:"

	// AdminTopic carries every session, message and lead change for the dashboard.
	AdminTopic = topicPrefix + "admin"
)

// ChatTopic is the per-session topic the visitor widget and admin both join.
func ChatTopic(sessionID string) string {
	return chatPrefix + sessionID
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type IncomingMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

type OutgoingMessage struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref,omitempty"`
}

type joinPayload struct {
	AccessToken string `json:"access_token"`
}

// Change is the postgres_changes payload body.
type Change struct {
	Schema          string    `json:"schema"`
	Table           string    `json:"table"`
	Type            string    `json:"type"`
	CommitTimestamp time.Time `json:"commit_timestamp"`
	Record          any       `json:"record"`
	Errors          any       `json:"errors"`
}

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	quit   chan struct{}
	once   sync.Once
	topics map[string]bool
}

func (c *Client) stop() {
	c.once.Do(func() { close(c.quit) })
}

type Hub struct {
	// AdminToken gates joins to AdminTopic. Empty disables the topic.
	AdminToken string

	clients    map[*Client]bool
	broadcast  chan *BroadcastMessage
	register   chan *Client
	unregister chan *Client
	topics     map[string]map[*Client]bool
	done       chan struct{}
	mu         sync.RWMutex
}

type BroadcastMessage struct {
	Topic string
	Msg   *OutgoingMessage
}

func NewHub(adminToken string) *Hub {
	return &Hub{
		AdminToken: adminToken,
		broadcast:  make(chan *BroadcastMessage, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		topics:     make(map[string]map[*Client]bool),
		done:       make(chan struct{}),
	}
}

// Run dispatches registrations and broadcasts until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			h.drop(client)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			data, err := json.Marshal(message.Msg)
			if err != nil {
				log.Printf("realtime: marshal %s on %s: %v", message.Msg.Event, message.Topic, err)
				continue
			}
			h.mu.Lock()
			for client := range h.topics[message.Topic] {
				select {
				case client.send <- data:
				default:
					log.Printf("realtime: dropping slow client on %s", message.Topic)
					h.drop(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop removes client from every topic. Caller holds h.mu.
func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	for topic := range client.topics {
		if clients, ok := h.topics[topic]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	client.stop()
}

func (h *Hub) Broadcast(topic string, event string, payload any) {
	msg := &BroadcastMessage{
		Topic: topic,
		Msg:   &OutgoingMessage{Topic: topic, Event: event, Payload: payload},
	}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// PublishChange sends a postgres_changes event for record to each topic.
func (h *Hub) PublishChange(table, changeType string, record any, topics ...string) {
	payload := map[string]any{
		"data": Change{
			Schema:          "public",
			Table:           table,
			Type:            changeType,
			CommitTimestamp: time.Now().UTC(),
			Record:          record,
		},
		"ids": []int{},
	}
	for _, topic := range topics {
		h.Broadcast(topic, "postgres_changes", payload)
	}
}

// Subscribers reports how many clients are joined to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) authorize(topic string, raw json.RawMessage) bool {
	switch {
	case topic == AdminTopic:
		if h.AdminToken == "" {
			return false
		}
		var p joinPayload
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &p)
		}
		return subtle.ConstantTimeCompare([]byte(p.AccessToken), []byte(h.AdminToken)) == 1
	case strings.HasPrefix(topic, chatPrefix):
		return len(topic) > len(chatPrefix)
	default:
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("realtime: read: %v", err)
			}
			break
		}

		var msg IncomingMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("realtime: error unmarshalling message: %v", err)
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg IncomingMessage) {
	switch msg.Event {
	case "phx_join":
		if !c.hub.authorize(msg.Topic, msg.Payload) {
			c.sendJSON(OutgoingMessage{
				Topic: msg.Topic,
				Event: "phx_reply",
				Ref:   msg.Ref,
				Payload: map[string]any{
					"status":   "error",
					"response": map[string]string{"reason": "unauthorized"},
				},
			})
			return
		}

		c.hub.mu.Lock()
		select {
		case <-c.quit:
			c.hub.mu.Unlock()
			return
		default:
		}
		if c.hub.topics[msg.Topic] == nil {
			c.hub.topics[msg.Topic] = make(map[*Client]bool)
		}
		c.hub.topics[msg.Topic][c] = true
		c.topics[msg.Topic] = true
		c.hub.mu.Unlock()

		response := map[string]any{"event": "*", "schema": "public"}
		if sessionID, ok := strings.CutPrefix(msg.Topic, chatPrefix); ok {
			response["table"] = "chat_messages"
			response["filter"] = "session_id=eq." + sessionID
		}
		c.sendJSON(OutgoingMessage{
			Topic: msg.Topic,
			Event: "phx_reply",
			Ref:   msg.Ref,
			Payload: map[string]any{
				"status":   "ok",
				"response": response,
			},
		})
		c.sendJSON(OutgoingMessage{
			Topic: msg.Topic,
			Event: "system",
			Payload: map[string]any{
				"channel":   strings.TrimPrefix(msg.Topic, topicPrefix),
				"message":   "Subscribed to PostgreSQL",
				"extension": "postgres_changes",
				"status":    "ok",
			},
		})
	case "heartbeat":
		c.sendJSON(OutgoingMessage{
			Topic: "phoenix",
			Event: "phx_reply",
			Ref:   msg.Ref,
			Payload: map[string]any{
				"status":   "ok",
				"response": map[string]string{},
			},
		})
	case "phx_leave":
		c.hub.mu.Lock()
		if clients, ok := c.hub.topics[msg.Topic]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(c.hub.topics, msg.Topic)
			}
		}
		delete(c.topics, msg.Topic)
		c.hub.mu.Unlock()

		c.sendJSON(OutgoingMessage{
			Topic: msg.Topic,
			Event: "phx_reply",
			Ref:   msg.Ref,
			Payload: map[string]any{
				"status":   "ok",
				"response": map[string]string{},
			},
		})
	}
}

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.quit:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Flush whatever queued up behind it.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		quit:   make(chan struct{}),
		topics: make(map[string]bool),
	}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}

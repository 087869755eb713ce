package web

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-dictation/internal/control"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/session"
)

const (
	clientBuffer = 32
	writeTimeout = 5 * time.Second
)

// Event is one frame pushed to websocket clients.
type Event struct {
	Type       string                      `json:"type"`
	Status     *protocol.StatusMessage     `json:"status,omitempty"`
	Transcript *protocol.TranscriptMessage `json:"transcript,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans controller changes out to every connected websocket. Broadcasts
// never block: a client whose buffer is full is disconnected.
type Hub struct {
	controllerID string
	log          *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

func NewHub(controllerID string, log *slog.Logger) *Hub {
	return &Hub{
		controllerID: controllerID,
		log:          log,
		clients:      make(map[string]*client),
	}
}

// Register adds conn and starts its writer. The returned id is used to
// unregister it.
func (h *Hub) Register(conn *websocket.Conn) (string, bool) {
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return "", false
	}
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()

	go h.writeLoop(c)
	h.log.Debug("websocket client registered", slog.String("client", c.id), slog.Int("clients", count))
	return c.id, true
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.log.Debug("websocket client unregistered", slog.String("client", id), slog.Int("clients", count))
	}
}

// SendTo queues msg for a single client.
func (h *Hub) SendTo(id string, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		h.enqueue(c, msg)
	}
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		h.enqueue(c, msg)
	}
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(c *client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		h.log.Warn("dropping slow websocket client", slog.String("client", c.id))
		delete(h.clients, c.id)
		close(c.send)
	}
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Debug("websocket write failed", slog.String("client", c.id), slogError(err))
			h.Unregister(c.id)
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}

// StatusChanged implements session.Listener.
func (h *Hub) StatusChanged(snap session.Snapshot) {
	status := control.StatusMessage(snap)
	h.publish(Event{Type: "status", Status: &status})
}

// TranscriptChanged implements session.Listener.
func (h *Hub) TranscriptChanged(text, fragment string) {
	h.publish(Event{Type: "transcript", Transcript: &protocol.TranscriptMessage{
		ControllerID: h.controllerID,
		Text:         text,
		Fragment:     fragment,
		Timestamp:    time.Now().UTC(),
	}})
}

func (h *Hub) publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Warn("failed to marshal websocket event", slogError(err))
		return
	}
	h.Broadcast(data)
}

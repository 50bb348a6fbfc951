package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsSendQueue  = 32
)

// WSEvent is the frame pushed to connected clients.
type WSEvent struct {
	Type           string         `json:"type"`
	NotificationID string         `json:"notification_id"`
	Priority       Priority       `json:"priority,omitempty"`
	Subject        string         `json:"subject,omitempty"`
	Text           string         `json:"text"`
	Actions        []Action       `json:"actions,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	SentAt         time.Time      `json:"sent_at"`
}

type wsClient struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub keeps the WebSocket connections of online users and implements Sender
// for the websocket channel. Clients connect with ?user_id=.
type Hub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     slog.Default().With("component", "notify_ws"),
		clients: make(map[string]map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Upgrade failed", "error", err)
		return
	}

	c := &wsClient{userID: userID, conn: conn, send: make(chan []byte, wsSendQueue)}
	h.add(c)
	h.log.Debug("Client connected", "user_id", userID)

	go h.writePump(c)
	go h.readPump(c)
}

// Connected returns the number of open connections of a user.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*wsClient]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.userID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	close(c.send)
}

// readPump drains client frames so control frames are processed.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues the message on every connection of msg.UserID.
func (h *Hub) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(WSEvent{
		Type:           "notification",
		NotificationID: msg.NotificationID,
		Priority:       msg.Priority,
		Subject:        msg.Subject,
		Text:           msg.Text,
		Actions:        msg.Actions,
		Data:           msg.Data,
		SentAt:         time.Now().UTC(),
	})
	if err != nil {
		return Permanent(err.Error())
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.clients[msg.UserID]
	if len(set) == 0 {
		return newError(KindRecipientOffline, "user "+msg.UserID+" has no open connection")
	}
	queued := 0
	for c := range set {
		select {
		case c.send <- data:
			queued++
		case <-ctx.Done():
			return classifyTransport(ctx.Err())
		default:
			h.log.Warn("Client send queue full, dropping frame", "user_id", msg.UserID)
		}
	}
	if queued == 0 {
		return Temporary("every connection of " + msg.UserID + " is congested")
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for user, set := range h.clients {
		for c := range set {
			close(c.send)
		}
		delete(h.clients, user)
	}
}

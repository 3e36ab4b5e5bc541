package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jogardn/marketplace-orders/internal/auth"
	"github.com/jogardn/marketplace-orders/internal/events"
	"github.com/jogardn/marketplace-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	// Browser clients authenticate with the token query parameter, so the
	// origin is not what grants access.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StatusNotification is pushed to every connected client allowed to see the order.
type StatusNotification struct {
	Type      string        `json:"type"`
	OrderID   string        `json:"order_id"`
	From      models.Status `json:"from"`
	To        models.Status `json:"to"`
	Actor     models.Role   `json:"actor,omitempty"`
	Timestamp string        `json:"timestamp"`

	buyerID   string
	sellerIDs []string
}

func newStatusNotification(event events.StatusChangedEvent) StatusNotification {
	return StatusNotification{
		Type:      "order_status_changed",
		OrderID:   event.OrderID,
		From:      event.From,
		To:        event.To,
		Actor:     event.Actor,
		Timestamp: event.OccurredAt.Format(time.RFC3339),
		buyerID:   event.BuyerID,
		sellerIDs: event.SellerIDs,
	}
}

// visibleTo mirrors the order read scopes.
func (n StatusNotification) visibleTo(identity models.Identity) bool {
	switch identity.Role {
	case models.RoleAdmin:
		return true
	case models.RoleBuyer:
		return n.buyerID == identity.ID
	case models.RoleSeller:
		for _, id := range n.sellerIDs {
			if id == identity.ID {
				return true
			}
		}
	}
	return false
}

type Client struct {
	conn     *websocket.Conn
	send     chan StatusNotification
	hub      *Hub
	identity models.Identity
	logger   *logrus.Logger
}

type Hub struct {
	clients    map[*Client]bool
	broadcast  chan StatusNotification
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mutex      sync.RWMutex
	logger     *logrus.Logger
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan StatusNotification, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithFields(logrus.Fields{
				"client_count": count,
				"user_id":      client.identity.ID,
				"role":         client.identity.Role,
			}).Info("Client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithField("client_count", count).Info("Client disconnected")

		case notification := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				if !notification.visibleTo(client.identity) {
					continue
				}
				select {
				case client.send <- notification:
				default:
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// join registers c unless the hub has stopped.
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// HandleStatusChanged queues a notification for the event. It never blocks
// the publisher; a full queue drops the notification.
func (h *Hub) HandleStatusChanged(ctx context.Context, event events.StatusChangedEvent) error {
	select {
	case h.broadcast <- newStatusNotification(event):
	default:
		h.logger.WithField("order_id", event.OrderID).Warn("Broadcast channel full, dropping notification")
	}
	return nil
}

// HandleWebSocket upgrades an authenticated request.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	client := &Client{
		conn:     conn,
		send:     make(chan StatusNotification, sendBuffer),
		hub:      h,
		identity: identity,
		logger:   h.logger,
	}

	if !h.join(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Error("WebSocket error")
			}
			break
		}
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
		case notification, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}

			data, err := json.Marshal(notification)
			if err != nil {
				c.logger.WithError(err).Error("Failed to marshal notification")
				continue
			}
			w.Write(data)

			// Coalesce whatever is queued into the same frame, newline separated.
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				nextData, err := json.Marshal(next)
				if err != nil {
					c.logger.WithError(err).Error("Failed to marshal queued notification")
					continue
				}
				w.Write([]byte{'\n'})
				w.Write(nextData)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

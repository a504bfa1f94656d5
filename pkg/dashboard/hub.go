package dashboard

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"conversation-orchestrator/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientBacklog  = 64
	recentCapacity = 100
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

type client struct {
	conn *websocket.Conn
	send chan models.DashboardEvent
}

// Hub fans dashboard events out to connected supervisor websockets and keeps
// the most recent events for clients that join late.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	recent  []models.DashboardEvent
	logger  *logrus.Logger
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

// Broadcast queues event for every client. A client whose backlog is full is
// dropped rather than slowing the others down.
func (h *Hub) Broadcast(event models.DashboardEvent) {
	h.mu.Lock()
	h.recent = append(h.recent, event)
	if len(h.recent) > recentCapacity {
		h.recent = h.recent[len(h.recent)-recentCapacity:]
	}
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	if len(slow) > 0 {
		h.logger.WithField("dropped", len(slow)).Warn("Dropped slow dashboard clients")
	}
}

// Notify lets the hub serve directly as the dashboard notifier when no
// stream is configured.
func (h *Hub) Notify(ctx context.Context, event models.DashboardEvent) error {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	h.Broadcast(event)
	return nil
}

// Recent returns a copy of the buffered events, oldest first.
func (h *Hub) Recent() []models.DashboardEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.DashboardEvent, len(h.recent))
	copy(out, h.recent)
	return out
}

// Clients returns the number of connected websockets.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and streams events until the client leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade dashboard websocket")
		return
	}

	c := &client{conn: conn, send: make(chan models.DashboardEvent, clientBacklog)}
	h.mu.Lock()
	backlog := make([]models.DashboardEvent, len(h.recent))
	copy(backlog, h.recent)
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.WithField("remote", r.RemoteAddr).Info("Dashboard client connected")

	go h.writePump(c, backlog)
	h.readPump(c)
}

// readPump only watches for close and pong frames.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client, backlog []models.DashboardEvent) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for _, event := range backlog {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(event); err != nil {
			return
		}
	}

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				h.logger.WithError(err).Debug("Dashboard client write failed")
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

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

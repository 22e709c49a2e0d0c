package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/olyamironova/spot-exchange/internal/logging"
	"github.com/olyamironova/spot-exchange/internal/port"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Hub pushes committed events to connected websocket clients. Market events
// go to every client subscribed to the symbol (all symbols when none were
// requested); balance events only reach their owner.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	clock    port.Clock
	log      *logging.Logger
}

var _ port.Publisher = (*Hub)(nil)

type client struct {
	conn    *websocket.Conn
	user    string
	symbols map[string]struct{}
	send    chan []byte
	once    sync.Once
}

func (c *client) wants(ev domain.Event) bool {
	if bc, ok := ev.(domain.BalanceChanged); ok {
		return bc.UserID == c.user
	}
	if len(c.symbols) == 0 {
		return true
	}
	_, ok := c.symbols[ev.Key()]
	return ok
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

func NewHub(clock port.Clock, log *logging.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clock: clock,
		log:   log.Named("ws"),
	}
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish never blocks on a client; one whose buffer is full is dropped.
func (h *Hub) Publish(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	at := h.clock.Now()
	msgs := make([][]byte, len(events))
	for i, ev := range events {
		b, err := json.Marshal(domain.NewEnvelope(ev, at))
		if err != nil {
			return err
		}
		msgs[i] = b
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		for i, ev := range events {
			if !c.wants(ev) {
				continue
			}
			select {
			case c.send <- msgs[i]:
			default:
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow websocket client", zap.String("user", c.user))
		h.remove(c)
	}
	return nil
}

// Serve upgrades the request and streams events to it until the peer goes
// away. Repeated "symbol" query parameters restrict market events.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, user string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		conn:    conn,
		user:    user,
		symbols: make(map[string]struct{}),
		send:    make(chan []byte, sendBuffer),
	}
	for _, s := range r.URL.Query()["symbol"] {
		c.symbols[strings.ToUpper(s)] = struct{}{}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

// readLoop only consumes control frames; it returns once the peer is gone.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Debug("websocket write failed", zap.String("user", c.user), zap.Error(err))
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

// Package trade — WebSocket hub for real-time fill broadcasting.
package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oddgrid/sim-engine/internal/ledger"
	"github.com/oddgrid/sim-engine/internal/metrics"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string    `json:"type"`
	OrderID   string    `json:"orderId"`
	AccountID string    `json:"accountId"`
	MarketID  string    `json:"marketId"`
	Side      string    `json:"side"`
	Outcome   string    `json:"outcome"`
	Price     string    `json:"price"`
	Shares    string    `json:"shares"`
	Cost      string    `json:"cost"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
)

// wsClient is one connection and the account it authenticated as.
type wsClient struct {
	conn      *websocket.Conn
	accountID string
}

// wsOutbound is an encoded message addressed to one account's connections.
type wsOutbound struct {
	accountID string
	data      []byte
}

// WSHub manages WebSocket connections and delivers each committed fill to
// the connections of the account that placed it.
type WSHub struct {
	clients    map[*websocket.Conn]string // conn -> account id
	broadcast  chan wsOutbound
	register   chan wsClient
	unregister chan *websocket.Conn
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex
	log        *slog.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(log *slog.Logger) *WSHub {
	if log == nil {
		log = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan wsOutbound, 256),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log.With("component", "ws"),
	}
}

// Run starts the hub's main event loop until ctx is cancelled. Must be
// called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.accountID
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.log.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, accountID := range h.clients {
				if accountID != msg.accountID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
		}
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to every connection of msg.AccountID.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsOutbound{accountID: msg.AccountID, data: data}:
	default:
		// Drop if buffer full to avoid blocking order execution.
		h.log.Warn("ws broadcast dropped", "type", msg.Type)
	}
}

// OrderFilled implements ledger.Notifier.
func (h *WSHub) OrderFilled(exec ledger.Execution) {
	h.Broadcast(WSMessage{
		Type:      "order_filled",
		OrderID:   exec.Order.ID,
		AccountID: exec.Order.AccountID,
		MarketID:  exec.Order.MarketID,
		Side:      string(exec.Order.Side),
		Outcome:   exec.Order.Outcome,
		Price:     exec.Fill.Price.String(),
		Shares:    exec.Fill.Shares.String(),
		Cost:      exec.Fill.Cost.String(),
		Timestamp: exec.Order.CreatedAt,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. It must
// run behind RequireAccount; the connection only receives that account's
// fills.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	acct, ok := AccountFrom(r.Context())
	if !ok {
		writeError(w, AccountHeader+" header is required", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- wsClient{conn: conn, accountID: acct.ID}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies. WriteControl is
	// safe to call alongside the hub's writes.
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}()
}

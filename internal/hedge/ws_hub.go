package hedge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oddsline/hedge-engine/internal/metrics"
	"github.com/oddsline/hedge-engine/internal/model"
)

// WSMessage is a JSON message pushed to operator WebSocket clients.
type WSMessage struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Hub manages operator WebSocket connections and fans out hedge
// executions, rollback alerts, and risk snapshots.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewHub creates a hub. Call Run in a goroutine before serving.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total)

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
			h.mu.RLock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) send(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking the hedge path.
	}
}

// BroadcastHedgeResult pushes every hedge attempt's outcome.
func (h *Hub) BroadcastHedgeResult(req *model.HedgeRequest, res *model.HedgeResult) {
	msgType := "hedge_executed"
	if !res.Success {
		msgType = "hedge_failed"
	}
	h.send(WSMessage{Type: msgType, EventID: req.EventID, Payload: res})
}

// BroadcastRollbackAlert pushes failed positions needing reconciliation.
func (h *Hub) BroadcastRollbackAlert(pos *model.HedgePosition) {
	h.send(WSMessage{Type: "rollback_alert", EventID: pos.EventID, Payload: pos})
}

// BroadcastRiskSnapshot pushes periodic exposure snapshots.
func (h *Hub) BroadcastRiskSnapshot(snap model.RiskSnapshot) {
	h.send(WSMessage{Type: "risk_snapshot", Payload: snap})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}

package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"classlock/internal/models"
	"classlock/internal/protocol"
)

// Hub fans local status events out to every UI client attached to the
// control API. UI clients only listen; anything they send is ignored.
type Hub struct {
	mu          sync.RWMutex
	connections map[*Conn]struct{}
	opts        Options
	log         *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewHub(log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		connections: make(map[*Conn]struct{}),
		opts:        DefaultOptions(),
		log:         log.Named("events"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := Upgrade(w, r)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConn(ws, h.opts, h.log)
	h.registerConnection(conn)
	defer h.unregisterConnection(conn)

	conn.Run(h.ctx, func(protocol.Frame) {})
}

func (h *Hub) registerConnection(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[conn] = struct{}{}
	h.log.Debug("ui connected", zap.String("remote", conn.RemoteAddr()), zap.Int("total", len(h.connections)))
}

func (h *Hub) unregisterConnection(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn.Close()
	delete(h.connections, conn)
	h.log.Debug("ui disconnected", zap.String("remote", conn.RemoteAddr()))
}

// Count returns the number of attached UI clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Broadcast sends msg to every attached UI client.
func (h *Hub) Broadcast(msg models.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("encode ui event", zap.String("type", msg.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.connections {
		conn.SendRaw(data)
	}
}

// Close disconnects every UI client.
func (h *Hub) Close() {
	h.cancel()
}

package gateway

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/taskloom/taskloom/core/infra/logging"
	"github.com/taskloom/taskloom/core/protocol/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// eventHub fans workflow lifecycle events out to websocket clients. A client
// that cannot keep up is evicted rather than allowed to stall the broadcast.
type eventHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan *wire.WorkflowEvent
}

func newEventHub() *eventHub {
	return &eventHub{clients: make(map[*websocket.Conn]chan *wire.WorkflowEvent)}
}

func (h *eventHub) add(conn *websocket.Conn) chan *wire.WorkflowEvent {
	ch := make(chan *wire.WorkflowEvent, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *eventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	ch, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *eventHub) broadcast(ev *wire.WorkflowEvent) {
	var slow []*websocket.Conn
	h.mu.RLock()
	for conn, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range slow {
		h.remove(conn)
		if err := conn.Close(); err != nil {
			logging.Warn("gateway", "slow ws client close failed", "error", err)
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("gateway", "ws upgrade failed", "error", err)
		return
	}
	ch := s.hub.add(conn)
	defer func() {
		s.hub.remove(conn)
		if err := conn.Close(); err != nil {
			logging.Warn("gateway", "ws close failed", "error", err)
		}
	}()

	// Drain client frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.remove(conn)
				return
			}
		}
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

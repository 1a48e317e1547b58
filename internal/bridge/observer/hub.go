// Package observer fans bridge messages out to read-only visualizer connections.
package observer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 5 * time.Second
	// sendBuffer frames may queue per observer before new broadcasts are
	// dropped for it.
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one observer connection. Frames are queued on send and written by
// the connection's own writer goroutine.
type Conn struct {
	ID        string
	Connected time.Time
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	once      sync.Once
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ID:        uuid.New().String(),
		Connected: time.Now().UTC(),
		ws:        ws,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
}

// enqueue queues data without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) writeLoop(logger *zap.Logger) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("observer write failed", zap.String("observer_id", c.ID), zap.Error(err))
				c.close()
				return
			}
		}
	}
}

func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
	if c.ws != nil {
		_ = c.ws.Close()
	}
}

// Hub holds the set of open observer connections.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	logger    *zap.Logger
	onCommand func(observerID string, data []byte)
	onSend    func()
}

// NewHub creates an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		conns:  make(map[string]*Conn),
		logger: logger,
	}
}

// SetCommandHandler installs a callback for frames sent by observers.
// Without one, inbound observer frames are discarded.
func (h *Hub) SetCommandHandler(fn func(observerID string, data []byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCommand = fn
}

// SetBroadcastHook installs a callback fired once per Broadcast call.
func (h *Hub) SetBroadcastHook(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSend = fn
}

// Handle is the HTTP handler for observer WebSocket connections.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("observer upgrade failed", zap.Error(err))
		return
	}

	c := newConn(ws)

	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("observer connected",
		zap.String("observer_id", c.ID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	defer func() {
		c.close()
		h.mu.Lock()
		delete(h.conns, c.ID)
		h.mu.Unlock()
		h.logger.Debug("observer disconnected", zap.String("observer_id", c.ID))
	}()

	go c.writeLoop(h.logger)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		h.mu.RLock()
		fn := h.onCommand
		h.mu.RUnlock()
		if fn != nil {
			fn(c.ID, data)
		}
	}
}

// Broadcast serializes msg once and queues it for every open observer.
// It never waits on a slow observer: closed connections and full buffers
// are skipped. It returns the number of observers the message was queued for.
func (h *Hub) Broadcast(msg any) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal broadcast: %w", err)
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	onSend := h.onSend
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if !c.enqueue(data) {
			h.logger.Debug("observer skipped: closed or too slow", zap.String("observer_id", c.ID))
			continue
		}
		sent++
	}
	if onSend != nil {
		onSend()
	}
	return sent, nil
}

// Count returns the number of open observer connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every observer connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.close()
	}
}

// Package editor manages the single authoritative editor WebSocket connection.
package editor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marcus-qen/editorbridge/internal/protocol"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned when no editor connection is open.
	ErrNotConnected = errors.New("editor not connected")
	// ErrConnectionClosed is returned by Send when the editor socket is gone
	// but the disconnect has not finished settling.
	ErrConnectionClosed = errors.New("editor connection closed")
)

const (
	// DefaultHeartbeatInterval is used when the manager is built with a zero interval.
	DefaultHeartbeatInterval = 10 * time.Second

	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Editors and observers connect from local tooling with arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn is the authoritative editor connection.
type Conn struct {
	ws         *websocket.Conn
	RemoteAddr string
	Connected  time.Time

	mu            sync.Mutex
	lastHeartbeat time.Time
	projectPath   string

	writeMu sync.Mutex
	done    chan struct{}
}

func (c *Conn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed() {
		return ErrConnectionClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return nil
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		Connected:     true,
		RemoteAddr:    c.RemoteAddr,
		ConnectedAt:   c.Connected,
		LastHeartbeat: c.lastHeartbeat,
		ProjectPath:   c.projectPath,
	}
}

// Info is a point-in-time view of the editor connection.
type Info struct {
	Connected     bool      `json:"connected"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ProjectPath   string    `json:"project_path,omitempty"`
}

// Hooks are optional callbacks fired from the connection's read goroutine.
type Hooks struct {
	OnConnect    func(Info)
	OnDisconnect func(info Info, err error)
	OnResult     func(protocol.ToolResult)
	OnReady      func(Info)
	OnRejected   func(remoteAddr string)
	OnMalformed  func(reason string, err error)
}

// Manager owns the authoritative editor connection.
type Manager struct {
	mu        sync.RWMutex
	current   *Conn
	logger    *zap.Logger
	hooks     Hooks
	heartbeat time.Duration
	wg        sync.WaitGroup
}

// NewManager creates a Manager. A zero heartbeat uses DefaultHeartbeatInterval.
func NewManager(logger *zap.Logger, heartbeat time.Duration, hooks Hooks) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Manager{
		logger:    logger,
		hooks:     hooks,
		heartbeat: heartbeat,
	}
}

// HandleEditorWS is the HTTP handler for editor WebSocket connections.
func (m *Manager) HandleEditorWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("editor upgrade failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	c := &Conn{
		ws:            ws,
		RemoteAddr:    r.RemoteAddr,
		Connected:     now,
		lastHeartbeat: now,
		done:          make(chan struct{}),
	}

	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		m.reject(ws, r.RemoteAddr)
		return
	}
	m.current = c
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	m.logger.Info("editor connected", zap.String("remote_addr", c.RemoteAddr))
	if m.hooks.OnConnect != nil {
		m.hooks.OnConnect(c.info())
	}

	go m.heartbeatLoop(c)

	readErr := m.readLoop(c)

	close(c.done)
	_ = ws.Close()
	info := c.info()
	info.Connected = false

	m.logger.Info("editor disconnected",
		zap.String("remote_addr", c.RemoteAddr),
		zap.Error(readErr),
	)
	// The slot stays claimed until the hook has settled this connection's
	// requests, so a reconnecting editor never sees them.
	if m.hooks.OnDisconnect != nil {
		m.hooks.OnDisconnect(info, readErr)
	}

	m.mu.Lock()
	if m.current == c {
		m.current = nil
	}
	m.mu.Unlock()
}

// reject refuses a second editor with CloseEditorBusy, leaving the current one untouched.
func (m *Manager) reject(ws *websocket.Conn, remoteAddr string) {
	msg := websocket.FormatCloseMessage(protocol.CloseEditorBusy, protocol.CloseEditorBusyReason)
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)); err != nil {
		m.logger.Debug("write close frame to rejected editor", zap.Error(err))
	}
	_ = ws.Close()

	m.logger.Warn("editor connection rejected: another editor is already connected",
		zap.String("remote_addr", remoteAddr),
	)
	if m.hooks.OnRejected != nil {
		m.hooks.OnRejected(remoteAddr)
	}
}

func (m *Manager) heartbeatLoop(c *Conn) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(protocol.Ping{Type: protocol.MsgPing}); err != nil {
				m.logger.Warn("heartbeat ping failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) readLoop(c *Conn) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, protocol.ErrUnknownType) {
				reason = "unknown_type"
			}
			m.logger.Warn("ignoring editor frame",
				zap.String("reason", reason),
				zap.Error(err),
			)
			if m.hooks.OnMalformed != nil {
				m.hooks.OnMalformed(reason, err)
			}
			continue
		}

		switch msg.Type {
		case protocol.MsgToolResult:
			if m.hooks.OnResult != nil {
				m.hooks.OnResult(*msg.Result)
			}
		case protocol.MsgPong:
			c.mu.Lock()
			c.lastHeartbeat = time.Now().UTC()
			c.mu.Unlock()
		case protocol.MsgReady:
			c.mu.Lock()
			c.projectPath = msg.Ready.ProjectPath
			c.mu.Unlock()
			m.logger.Info("editor ready", zap.String("project_path", msg.Ready.ProjectPath))
			if m.hooks.OnReady != nil {
				m.hooks.OnReady(c.info())
			}
		}
	}
}

// Send writes a frame to the editor.
func (m *Manager) Send(frame any) error {
	m.mu.RLock()
	c := m.current
	m.mu.RUnlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.write(frame)
}

// IsConnected reports whether an authoritative editor is connected.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil
}

// Info returns a snapshot of the current connection. Connected is false when
// no editor is attached.
func (m *Manager) Info() Info {
	m.mu.RLock()
	c := m.current
	m.mu.RUnlock()
	if c == nil {
		return Info{}
	}
	return c.info()
}

// Close sends a normal close frame to the current editor and closes its socket.
// The disconnect hook fires from the read goroutine.
func (m *Manager) Close() {
	m.mu.RLock()
	c := m.current
	m.mu.RUnlock()
	if c == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge stopping")
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}

// Wait blocks until every accepted connection handler has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Package editorclient implements the editor side of the bridge protocol:
// it dials the bridge, announces readiness, answers heartbeats and runs
// registered tool handlers for incoming invocations.
package editorclient

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marcus-qen/editorbridge/internal/protocol"
	"go.uber.org/zap"
)

const (
	defaultMinDelay  = time.Second
	defaultMaxDelay  = time.Minute
	defaultBusyDelay = 5 * time.Second
	writeTimeout     = 10 * time.Second
)

// ErrEditorBusy is returned when the bridge refused the connection because
// another editor is already attached.
var ErrEditorBusy = errors.New("bridge already has an editor attached")

// ToolFunc executes one tool. The returned value is sent as the JSON result.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Client maintains a reconnecting editor connection to a bridge.
type Client struct {
	url         string
	projectPath string
	logger      *zap.Logger

	minDelay  time.Duration
	maxDelay  time.Duration
	busyDelay time.Duration

	toolsMu sync.RWMutex
	tools   map[string]ToolFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// NewClient creates a client for the bridge editor endpoint at url
// (for example ws://127.0.0.1:6505/godot).
func NewClient(url, projectPath string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:         url,
		projectPath: projectPath,
		logger:      logger,
		minDelay:    defaultMinDelay,
		maxDelay:    defaultMaxDelay,
		busyDelay:   defaultBusyDelay,
		tools:       make(map[string]ToolFunc),
	}
}

// SetBackoff overrides the reconnect delays. busy applies after the bridge
// refused the connection because another editor holds the slot.
func (c *Client) SetBackoff(min, max, busy time.Duration) {
	c.minDelay, c.maxDelay, c.busyDelay = min, max, busy
}

// Handle registers fn for the named tool.
func (c *Client) Handle(name string, fn ToolFunc) {
	c.toolsMu.Lock()
	defer c.toolsMu.Unlock()
	c.tools[name] = fn
}

// Tools returns the names of all registered tools.
func (c *Client) Tools() []string {
	c.toolsMu.RLock()
	defer c.toolsMu.RUnlock()
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	return names
}

// Connected returns true while the connection is established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run connects and keeps the connection alive until ctx is cancelled.
// Reconnects automatically with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	delay := c.minDelay

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		wasConnected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if wasConnected {
			delay = c.minDelay
		}

		wait := delay
		if errors.Is(err, ErrEditorBusy) {
			wait = c.busyDelay
			c.logger.Warn("bridge already has an editor attached; retrying later",
				zap.Duration("backoff", wait),
			)
		} else {
			c.logger.Warn("connection lost, reconnecting",
				zap.Error(err),
				zap.Duration("backoff", wait),
			)
			delay *= 2
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(wait)):
		}
	}
}

// jitter adds 0-50% random jitter to a duration to prevent thundering herd.
func jitter(d time.Duration) time.Duration {
	max := int64(d / 2)
	if max <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64())
}

// RunOnce connects a single time and serves until the connection ends.
func (c *Client) RunOnce(ctx context.Context) error {
	_, err := c.connectAndServe(ctx)
	return err
}

func (c *Client) connectAndServe(ctx context.Context) (bool, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("connected to bridge", zap.String("url", c.url))

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-serveCtx.Done()
		_ = conn.Close()
	}()

	defer func() {
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
	}()

	// A refused editor learns about it from the close frame, so keep reading
	// even if the announcement could not be written.
	if err := c.send(protocol.Ready{Type: protocol.MsgReady, ProjectPath: c.projectPath}); err != nil {
		c.logger.Warn("announce ready failed", zap.Error(err))
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, protocol.CloseEditorBusy) {
				return false, ErrEditorBusy
			}
			return true, fmt.Errorf("read: %w", err)
		}

		frame, err := protocol.DecodeOutbound(data)
		if err != nil {
			c.logger.Warn("invalid message from bridge", zap.Error(err))
			continue
		}

		switch frame.Type {
		case protocol.MsgPing:
			if err := c.send(protocol.Pong{Type: protocol.MsgPong}); err != nil {
				c.logger.Warn("pong failed", zap.Error(err))
			}
		case protocol.MsgToolInvoke:
			go c.runTool(serveCtx, *frame.Invoke)
		}
	}
}

func (c *Client) runTool(ctx context.Context, inv protocol.ToolInvoke) {
	res := protocol.ToolResult{Type: protocol.MsgToolResult, ID: inv.ID}

	c.toolsMu.RLock()
	fn, ok := c.tools[inv.Tool]
	c.toolsMu.RUnlock()

	if !ok {
		res.Error = fmt.Sprintf("unknown tool: %s", inv.Tool)
	} else if out, err := fn(ctx, inv.Args); err != nil {
		res.Error = err.Error()
	} else if data, err := json.Marshal(out); err != nil {
		res.Error = fmt.Sprintf("marshal result: %v", err)
	} else {
		res.Success = true
		res.Result = data
	}

	if err := c.send(res); err != nil {
		c.logger.Warn("send tool_result failed",
			zap.String("tool", inv.Tool),
			zap.String("id", inv.ID),
			zap.Error(err),
		)
	}
}

func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

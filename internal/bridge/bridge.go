// Package bridge is the facade automation clients use to drive a connected
// editor: it correlates tool invocations with editor results, serializes
// calls touching the same resource, and fans events out to observers.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marcus-qen/editorbridge/internal/bridge/editor"
	"github.com/marcus-qen/editorbridge/internal/bridge/observer"
	"github.com/marcus-qen/editorbridge/internal/bridge/pending"
	"github.com/marcus-qen/editorbridge/internal/bridge/resqueue"
	"github.com/marcus-qen/editorbridge/internal/events"
	"github.com/marcus-qen/editorbridge/internal/metrics"
	"github.com/marcus-qen/editorbridge/internal/protocol"
	"github.com/marcus-qen/editorbridge/internal/server"
	"github.com/marcus-qen/editorbridge/internal/telemetry"
	"go.uber.org/zap"
)

// Defaults applied to zero-valued Options.
const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 6505
	DefaultRequestTimeout = 30 * time.Second
)

// Options configures a Bridge. Zero values take the package defaults.
type Options struct {
	Host              string
	Port              int
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	EditorPath        string
	ObserverPath      string
	Version           string
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.Port <= 0 || o.Port > 65535 {
		o.Port = DefaultPort
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = editor.DefaultHeartbeatInterval
	}
	if o.EditorPath == "" {
		o.EditorPath = server.DefaultEditorPath
	}
	if o.ObserverPath == "" {
		o.ObserverPath = server.DefaultObserverPath
	}
	if o.Version == "" {
		o.Version = "dev"
	}
	return o
}

// Status is a snapshot of the bridge.
type Status struct {
	Port            int        `json:"port"`
	Connected       bool       `json:"connected"`
	ProjectPath     string     `json:"project_path,omitempty"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
	LastHeartbeat   *time.Time `json:"last_heartbeat,omitempty"`
	PendingRequests int        `json:"pending_requests"`
	QueuedResources int        `json:"queued_resources"`
	Observers       int        `json:"observers"`
}

// Bridge owns the listener, the editor connection and all request state.
type Bridge struct {
	opts   Options
	logger *zap.Logger

	editor    *editor.Manager
	observers *observer.Hub
	table     *pending.Table
	queue     *resqueue.Queue
	events    *events.Bus
	metrics   *metrics.Metrics
	server    *server.Server

	mu      sync.Mutex
	started bool
	addr    net.Addr
}

// New builds a Bridge from explicit options. It does not listen until Start.
func New(opts Options, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	b := &Bridge{
		opts:      opts,
		logger:    logger,
		observers: observer.NewHub(logger.Named("observer")),
		table:     pending.New(),
		queue:     resqueue.New(),
		events:    events.NewBus(256),
	}
	b.metrics = metrics.New(stateSource{b})
	b.observers.SetBroadcastHook(b.metrics.BroadcastsTotal.Inc)

	b.editor = editor.NewManager(logger.Named("editor"), opts.HeartbeatInterval, editor.Hooks{
		OnConnect:    b.onEditorConnect,
		OnDisconnect: b.onEditorDisconnect,
		OnResult:     b.onToolResult,
		OnReady:      b.onEditorReady,
		OnRejected:   b.onEditorRejected,
		OnMalformed: func(reason string, _ error) {
			b.metrics.RecordMalformedFrame(reason)
		},
	})

	b.server = server.New(server.Options{
		Version:      opts.Version,
		EditorPath:   opts.EditorPath,
		ObserverPath: opts.ObserverPath,
		Editor:       http.HandlerFunc(b.editor.HandleEditorWS),
		Observer:     http.HandlerFunc(b.observers.Handle),
		Metrics:      b.metrics.Handler(),
		Status:       func() any { return b.Status() },
	}, logger.Named("http"))

	return b
}

// Start binds the listener. Calling Start on a running bridge is a no-op.
// Bind failures are returned and leave nothing listening.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	addr, err := b.server.Start(net.JoinHostPort(b.opts.Host, strconv.Itoa(b.opts.Port)))
	if err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	b.addr = addr
	b.started = true
	b.logger.Info("bridge started",
		zap.String("addr", addr.String()),
		zap.Duration("request_timeout", b.opts.RequestTimeout),
		zap.Duration("heartbeat_interval", b.opts.HeartbeatInterval),
	)
	return nil
}

// Stop fails outstanding requests with ErrStopped, closes every connection
// and the listener. It is safe to call on a bridge that never started.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	b.mu.Unlock()

	b.queue.Clear(ErrStopped)
	failed := b.table.FailAll(ErrStopped)
	b.editor.Close()
	b.observers.CloseAll()
	err := b.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		b.editor.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	b.logger.Info("bridge stopped", zap.Int("failed_requests", failed))
	return err
}

// Addr returns the bound listener address, or nil before Start.
func (b *Bridge) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addr
}

// InvokeTool sends a tool invocation to the editor and waits for its result.
// Calls whose arguments name a scene or resource run one at a time per
// resource, in submission order. Cancelling ctx abandons the wait.
func (b *Bridge) InvokeTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if !b.editor.IsConnected() {
		b.metrics.RecordInvocation(name, metrics.OutcomeNotConnected, 0)
		return nil, ErrNotConnected
	}

	key := ResourceKey(args)
	id := uuid.New().String()
	start := time.Now()
	ctx, span := telemetry.StartToolSpan(ctx, name, key)

	run := func(ctx context.Context) (json.RawMessage, error) {
		return b.roundTrip(ctx, id, name, key, args)
	}

	var (
		result json.RawMessage
		err    error
	)
	if key == "" {
		result, err = run(ctx)
	} else {
		result, err = b.queue.Do(ctx, key, run)
	}

	outcome := outcomeOf(err)
	b.metrics.RecordInvocation(name, outcome, time.Since(start))
	telemetry.EndToolSpan(span, id, outcome, err)
	return result, err
}

func (b *Bridge) roundTrip(ctx context.Context, id, name, key string, args map[string]any) (json.RawMessage, error) {
	req, err := b.table.Track(id, name, key, b.opts.RequestTimeout)
	if err != nil {
		return nil, err
	}

	b.events.Publish(events.Event{
		Type:    events.ToolStart,
		Summary: name,
		Detail:  events.ToolStartDetail{ID: id, Tool: name, Args: args, ResourceKey: key},
	})

	if err := b.editor.Send(protocol.NewToolInvoke(id, name, args)); err != nil {
		b.logger.Warn("send tool_invoke failed", zap.String("tool", name), zap.String("id", id), zap.Error(err))
		if errors.Is(err, editor.ErrConnectionClosed) {
			err = fmt.Errorf("%w: %w", ErrDisconnected, err)
		}
		_ = b.table.Fail(id, fmt.Errorf("send tool_invoke: %w", err))
	}

	var out pending.Outcome
	select {
	case out = <-req.Done():
	case <-ctx.Done():
		b.table.Cancel(id)
		out = <-req.Done()
		if errors.Is(out.Err, pending.ErrCanceled) {
			out.Err = fmt.Errorf("%w: %w", pending.ErrCanceled, ctx.Err())
		}
	}

	var remote *RemoteError
	if errors.As(out.Err, &remote) && remote.Tool == "" {
		remote.Tool = name
	}

	end := events.ToolEndDetail{
		ID:         id,
		Tool:       name,
		Success:    out.Err == nil,
		DurationMS: time.Since(req.Submitted).Milliseconds(),
	}
	if out.Err != nil {
		end.Error = out.Err.Error()
	}
	b.events.Publish(events.Event{Type: events.ToolEnd, Summary: name, Detail: end})

	return out.Result, out.Err
}

func outcomeOf(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.As(err, &remote):
		return metrics.OutcomeRemoteError
	case errors.Is(err, ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, ErrDisconnected):
		return metrics.OutcomeDisconnected
	case errors.Is(err, ErrNotConnected):
		return metrics.OutcomeNotConnected
	case errors.Is(err, pending.ErrCanceled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeSendError
	}
}

// IsConnected reports whether an authoritative editor is attached.
func (b *Bridge) IsConnected() bool {
	return b.editor.IsConnected()
}

// Status returns a snapshot of the connection and request state.
func (b *Bridge) Status() Status {
	info := b.editor.Info()
	st := Status{
		Port:            b.opts.Port,
		Connected:       info.Connected,
		ProjectPath:     info.ProjectPath,
		PendingRequests: b.table.InFlight(),
		QueuedResources: b.queue.Len(),
		Observers:       b.observers.Count(),
	}
	if addr, ok := b.Addr().(*net.TCPAddr); ok {
		st.Port = addr.Port
	}
	if info.Connected {
		connectedAt, heartbeat := info.ConnectedAt, info.LastHeartbeat
		st.ConnectedAt = &connectedAt
		st.LastHeartbeat = &heartbeat
	}
	return st
}

// PendingRequests lists requests waiting for an editor response.
func (b *Bridge) PendingRequests() []pending.Summary {
	return b.table.ListPending()
}

// BroadcastToVisualizer queues msg for every observer connection and returns
// how many accepted it. A stalled observer never delays the others.
func (b *Bridge) BroadcastToVisualizer(msg any) (int, error) {
	return b.observers.Broadcast(msg)
}

// SetObserverCommandHandler routes frames sent by observers to fn.
func (b *Bridge) SetObserverCommandHandler(fn func(observerID string, data []byte)) {
	b.observers.SetCommandHandler(fn)
}

// Events returns the bridge's event bus.
func (b *Bridge) Events() *events.Bus {
	return b.events
}

// RelayEvents forwards every bus event to the observers until ctx is done.
func (b *Bridge) RelayEvents(ctx context.Context) error {
	id := "observer-relay-" + uuid.NewString()
	ch := b.events.Subscribe(id)
	defer b.events.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := b.observers.Broadcast(evt); err != nil {
				b.logger.Warn("relay event failed", zap.String("event", string(evt.Type)), zap.Error(err))
			}
		}
	}
}

// Metrics returns the bridge's metric set.
func (b *Bridge) Metrics() *metrics.Metrics {
	return b.metrics
}

// Handler returns the HTTP handler without binding a listener.
func (b *Bridge) Handler() http.Handler {
	return b.server.Handler()
}

func (b *Bridge) onEditorConnect(info editor.Info) {
	b.metrics.EditorConnectionsTotal.Inc()
	b.events.Publish(events.Event{
		Type:    events.EditorConnected,
		Summary: "editor connected",
		Detail:  events.ConnectionDetail{RemoteAddr: info.RemoteAddr},
	})
}

func (b *Bridge) onEditorDisconnect(info editor.Info, err error) {
	// Clear first so queued calls released by FailAll never start.
	b.queue.Clear(ErrDisconnected)
	failed := b.table.FailAll(ErrDisconnected)

	detail := events.ConnectionDetail{
		RemoteAddr:  info.RemoteAddr,
		ProjectPath: info.ProjectPath,
		Failed:      failed,
	}
	if err != nil {
		detail.Reason = err.Error()
	}
	if failed > 0 {
		b.logger.Warn("editor disconnected with requests in flight", zap.Int("failed_requests", failed))
	}
	b.events.Publish(events.Event{
		Type:    events.EditorDisconnected,
		Summary: "editor disconnected",
		Detail:  detail,
	})
}

func (b *Bridge) onToolResult(res protocol.ToolResult) {
	var err error
	if res.Success {
		err = b.table.Complete(res.ID, res.Result)
	} else {
		err = b.table.Fail(res.ID, &RemoteError{Message: res.Error})
	}
	if err != nil {
		b.logger.Debug("ignoring tool_result", zap.String("id", res.ID), zap.Error(err))
	}
}

func (b *Bridge) onEditorReady(info editor.Info) {
	b.events.Publish(events.Event{
		Type:    events.EditorReady,
		Summary: "editor ready",
		Detail:  events.ConnectionDetail{RemoteAddr: info.RemoteAddr, ProjectPath: info.ProjectPath},
	})
}

func (b *Bridge) onEditorRejected(remoteAddr string) {
	b.metrics.EditorRejectionsTotal.Inc()
	b.events.Publish(events.Event{
		Type:    events.EditorRejected,
		Summary: protocol.CloseEditorBusyReason,
		Detail:  events.ConnectionDetail{RemoteAddr: remoteAddr, Reason: protocol.CloseEditorBusyReason},
	})
}

// stateSource feeds live gauges to the metrics registry.
type stateSource struct{ b *Bridge }

func (s stateSource) PendingRequests() int { return s.b.table.InFlight() }
func (s stateSource) QueuedResources() int { return s.b.queue.Len() }
func (s stateSource) ObserverCount() int   { return s.b.observers.Count() }
func (s stateSource) Connected() bool      { return s.b.editor.IsConnected() }

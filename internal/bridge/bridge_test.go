package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marcus-qen/editorbridge/internal/bridge/editor"
	"github.com/marcus-qen/editorbridge/internal/events"
	"github.com/marcus-qen/editorbridge/internal/metrics"
	"github.com/marcus-qen/editorbridge/internal/protocol"
	"go.uber.org/zap"
)

func waitFor(t *testing.T, timeout time.Duration, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ok() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition after %s", timeout)
}

// fakeEditor is a scripted editor connection driven by the test.
type fakeEditor struct {
	t       *testing.T
	conn    *websocket.Conn
	invokes chan protocol.ToolInvoke
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func connectEditor(t *testing.T, b *Bridge, srv *httptest.Server) *fakeEditor {
	t.Helper()
	e := &fakeEditor{
		t:       t,
		conn:    dialWS(t, srv, "/godot"),
		invokes: make(chan protocol.ToolInvoke, 16),
	}
	go func() {
		defer close(e.invokes)
		for {
			_, data, err := e.conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := protocol.DecodeOutbound(data)
			if err != nil || frame.Type != protocol.MsgToolInvoke {
				continue
			}
			e.invokes <- *frame.Invoke
		}
	}()
	waitFor(t, time.Second, b.IsConnected)
	return e
}

func (e *fakeEditor) next() protocol.ToolInvoke {
	e.t.Helper()
	select {
	case inv, ok := <-e.invokes:
		if !ok {
			e.t.Fatal("editor connection closed")
		}
		return inv
	case <-time.After(2 * time.Second):
		e.t.Fatal("timed out waiting for tool_invoke")
	}
	return protocol.ToolInvoke{}
}

func (e *fakeEditor) expectNone(d time.Duration) {
	e.t.Helper()
	select {
	case inv := <-e.invokes:
		e.t.Fatalf("unexpected tool_invoke %s (%s)", inv.Tool, inv.ID)
	case <-time.After(d):
	}
}

func (e *fakeEditor) reply(res protocol.ToolResult) {
	e.t.Helper()
	res.Type = protocol.MsgToolResult
	if err := e.conn.WriteJSON(res); err != nil {
		e.t.Fatalf("write tool_result: %v", err)
	}
}

type invokeResult struct {
	result json.RawMessage
	err    error
}

func invokeAsync(ctx context.Context, b *Bridge, name string, args map[string]any) <-chan invokeResult {
	ch := make(chan invokeResult, 1)
	go func() {
		res, err := b.InvokeTool(ctx, name, args)
		ch <- invokeResult{res, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan invokeResult) invokeResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("invocation did not settle")
	}
	return invokeResult{}
}

func newTestBridge(t *testing.T, opts Options) (*Bridge, *httptest.Server) {
	t.Helper()
	b := New(opts, zap.NewNop())
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	return b, srv
}

func TestInvokeWithoutEditor(t *testing.T) {
	b, _ := newTestBridge(t, Options{})

	_, err := b.InvokeTool(context.Background(), "get_scene_tree", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if got := b.Status().PendingRequests; got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
}

func TestInvokeRoundTrip(t *testing.T) {
	b, srv := newTestBridge(t, Options{})
	evts := b.Events().Subscribe("test")
	defer b.Events().Unsubscribe("test")
	ed := connectEditor(t, b, srv)

	ch := invokeAsync(context.Background(), b, "add_node", map[string]any{"parent": "/root", "type": "Node2D"})
	inv := ed.next()
	if inv.Tool != "add_node" || inv.Args["type"] != "Node2D" {
		t.Fatalf("unexpected invoke: %+v", inv)
	}
	if got := b.Status().PendingRequests; got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
	ed.reply(protocol.ToolResult{ID: inv.ID, Success: true, Result: json.RawMessage(`{"path":"/root/Node2D"}`)})

	r := await(t, ch)
	if r.err != nil {
		t.Fatalf("InvokeTool: %v", r.err)
	}
	if string(r.result) != `{"path":"/root/Node2D"}` {
		t.Fatalf("result = %s", r.result)
	}

	seen := map[events.EventType]bool{}
	waitFor(t, time.Second, func() bool {
		for {
			select {
			case evt := <-evts:
				seen[evt.Type] = true
			default:
				return seen[events.EditorConnected] && seen[events.ToolStart] && seen[events.ToolEnd]
			}
		}
	})
}

func TestRemoteFailure(t *testing.T) {
	b, srv := newTestBridge(t, Options{})
	ed := connectEditor(t, b, srv)

	ch := invokeAsync(context.Background(), b, "create_scene", nil)
	inv := ed.next()
	ed.reply(protocol.ToolResult{ID: inv.ID, Success: false, Error: "boom"})

	r := await(t, ch)
	var remote *RemoteError
	if !errors.As(r.err, &remote) {
		t.Fatalf("err = %v, want *RemoteError", r.err)
	}
	if r.err.Error() != "boom" {
		t.Fatalf("message = %q, want boom", r.err.Error())
	}

	ch = invokeAsync(context.Background(), b, "save_scene", nil)
	inv = ed.next()
	ed.reply(protocol.ToolResult{ID: inv.ID, Success: false})
	r = await(t, ch)
	if r.err == nil || r.err.Error() != "tool save_scene failed" {
		t.Fatalf("err = %v, want default failure message", r.err)
	}
}

func TestTimeoutNamesToolAndIgnoresLateResult(t *testing.T) {
	b, srv := newTestBridge(t, Options{RequestTimeout: 50 * time.Millisecond})
	ed := connectEditor(t, b, srv)

	ch := invokeAsync(context.Background(), b, "run_project", nil)
	inv := ed.next()

	r := await(t, ch)
	if !errors.Is(r.err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", r.err)
	}
	var te *TimeoutError
	if !errors.As(r.err, &te) || te.Tool != "run_project" {
		t.Fatalf("timeout error does not name the tool: %v", r.err)
	}
	if !strings.Contains(r.err.Error(), "run_project") {
		t.Fatalf("message %q should name the tool", r.err.Error())
	}

	ed.reply(protocol.ToolResult{ID: inv.ID, Success: true, Result: json.RawMessage(`{}`)})
	time.Sleep(20 * time.Millisecond)
	if !b.IsConnected() {
		t.Fatal("late result should not affect the connection")
	}
	if got := b.Status().PendingRequests; got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
}

func TestSameSceneCallsAreSerialized(t *testing.T) {
	b, srv := newTestBridge(t, Options{})
	ed := connectEditor(t, b, srv)
	args := map[string]any{"scenePath": "res://a.tscn"}

	first := invokeAsync(context.Background(), b, "create_scene", args)
	inv1 := ed.next()
	if inv1.Tool != "create_scene" {
		t.Fatalf("first invoke = %s", inv1.Tool)
	}

	second := invokeAsync(context.Background(), b, "set_node_properties", map[string]any{"scene_path": "res://a.tscn"})
	waitFor(t, time.Second, func() bool { return b.Status().QueuedResources == 1 })
	ed.expectNone(50 * time.Millisecond)

	ed.reply(protocol.ToolResult{ID: inv1.ID, Success: false, Error: "disk full"})
	if r := await(t, first); r.err == nil {
		t.Fatal("first call should fail")
	}

	inv2 := ed.next()
	if inv2.Tool != "set_node_properties" {
		t.Fatalf("second invoke = %s", inv2.Tool)
	}
	ed.reply(protocol.ToolResult{ID: inv2.ID, Success: true})
	if r := await(t, second); r.err != nil {
		t.Fatalf("second call: %v", r.err)
	}
	waitFor(t, time.Second, func() bool { return b.Status().QueuedResources == 0 })
}

func TestDistinctScenesRunConcurrently(t *testing.T) {
	b, srv := newTestBridge(t, Options{})
	ed := connectEditor(t, b, srv)

	a := invokeAsync(context.Background(), b, "save_scene", map[string]any{"scenePath": "res://a.tscn"})
	c := invokeAsync(context.Background(), b, "save_scene", map[string]any{"scenePath": "res://b.tscn"})

	inv1 := ed.next()
	inv2 := ed.next()
	ed.reply(protocol.ToolResult{ID: inv2.ID, Success: true})
	ed.reply(protocol.ToolResult{ID: inv1.ID, Success: true})

	if r := await(t, a); r.err != nil {
		t.Fatalf("a: %v", r.err)
	}
	if r := await(t, c); r.err != nil {
		t.Fatalf("b: %v", r.err)
	}
}

func TestDisconnectFailsEveryPendingAndQueuedRequest(t *testing.T) {
	b, srv := newTestBridge(t, Options{})
	ed := connectEditor(t, b, srv)

	var waiters []<-chan invokeResult
	for i := 0; i < 3; i++ {
		waiters = append(waiters, invokeAsync(context.Background(), b, "get_node", map[string]any{"n": i}))
	}
	waiters = append(waiters, invokeAsync(context.Background(), b, "save_scene", map[string]any{"scenePath": "res://a.tscn"}))
	for i := 0; i < 4; i++ {
		ed.next()
	}
	waiters = append(waiters, invokeAsync(context.Background(), b, "save_scene", map[string]any{"scenePath": "res://a.tscn"}))
	waitFor(t, time.Second, func() bool { return b.Status().PendingRequests == 4 })
	// Give the fifth call time to join the queue behind the fourth.
	time.Sleep(50 * time.Millisecond)

	_ = ed.conn.Close()

	for i, ch := range waiters {
		r := await(t, ch)
		if !errors.Is(r.err, ErrDisconnected) {
			t.Fatalf("waiter %d: err = %v, want ErrDisconnected", i, r.err)
		}
	}
	waitFor(t, time.Second, func() bool { return !b.IsConnected() })
	st := b.Status()
	if st.PendingRequests != 0 || st.QueuedResources != 0 {
		t.Fatalf("status after disconnect = %+v", st)
	}
}

func TestSecondEditorDoesNotDisturbFirst(t *testing.T) {
	b, srv := newTestBridge(t, Options{})
	ed := connectEditor(t, b, srv)
	if err := ed.conn.WriteJSON(protocol.Ready{Type: protocol.MsgReady, ProjectPath: "/games/demo"}); err != nil {
		t.Fatalf("write ready: %v", err)
	}
	waitFor(t, time.Second, func() bool { return b.Status().ProjectPath == "/games/demo" })

	ch := invokeAsync(context.Background(), b, "get_scene_tree", nil)
	inv := ed.next()

	intruder := dialWS(t, srv, "/godot")
	_ = intruder.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := intruder.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != protocol.CloseEditorBusy {
		t.Fatalf("intruder read = %v, want close %d", err, protocol.CloseEditorBusy)
	}

	st := b.Status()
	if !st.Connected || st.ProjectPath != "/games/demo" || st.PendingRequests != 1 {
		t.Fatalf("status disturbed by second editor: %+v", st)
	}

	ed.reply(protocol.ToolResult{ID: inv.ID, Success: true, Result: json.RawMessage(`[]`)})
	if r := await(t, ch); r.err != nil {
		t.Fatalf("original request: %v", r.err)
	}
}

func TestContextCancelAbandonsRequest(t *testing.T) {
	b, srv := newTestBridge(t, Options{})
	ed := connectEditor(t, b, srv)

	ctx, cancel := context.WithCancel(context.Background())
	ch := invokeAsync(ctx, b, "bake_lightmaps", nil)
	ed.next()
	cancel()

	r := await(t, ch)
	if !errors.Is(r.err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", r.err)
	}
	if got := b.Status().PendingRequests; got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
}

func TestStatusJSON(t *testing.T) {
	b, srv := newTestBridge(t, Options{Port: 7001})
	connectEditor(t, b, srv)

	data, err := json.Marshal(b.Status())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{`"port":7001`, `"connected":true`, `"pending_requests":0`, `"queued_resources":0`, `"observers":0`, `"connected_at"`, `"last_heartbeat"`} {
		if !strings.Contains(string(data), field) {
			t.Fatalf("status JSON %s missing %s", data, field)
		}
	}
}

func TestBroadcastToVisualizer(t *testing.T) {
	b, srv := newTestBridge(t, Options{})
	obs := dialWS(t, srv, "/visualizer")
	waitFor(t, time.Second, func() bool { return b.Status().Observers == 1 })

	n, err := b.BroadcastToVisualizer(map[string]string{"type": "node_added"})
	if err != nil || n != 1 {
		t.Fatalf("broadcast = (%d, %v)", n, err)
	}
	_ = obs.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := obs.ReadMessage()
	if err != nil || string(data) != `{"type":"node_added"}` {
		t.Fatalf("observer got %s, %v", data, err)
	}
	if b.IsConnected() {
		t.Fatal("observer must not count as an editor")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestStartStopLifecycle(t *testing.T) {
	if err := New(Options{}, nil).Stop(context.Background()); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}

	port := freePort(t)
	b := New(Options{Port: port}, zap.NewNop())
	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := b.Status().Port; got != port {
		t.Fatalf("status port = %d, want %d", got, port)
	}

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://127.0.0.1:"+strconv.Itoa(port)+"/godot", nil)
	if err != nil {
		t.Fatalf("dial editor: %v", err)
	}
	defer conn.Close()
	waitFor(t, time.Second, b.IsConnected)

	ch := invokeAsync(ctx, b, "get_scene_tree", nil)
	waitFor(t, time.Second, func() bool { return b.Status().PendingRequests == 1 })

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	r := await(t, ch)
	if !errors.Is(r.err, ErrStopped) || !errors.Is(r.err, ErrDisconnected) {
		t.Fatalf("err = %v, want ErrStopped wrapping ErrDisconnected", r.err)
	}
	if b.IsConnected() {
		t.Fatal("editor still connected after Stop")
	}
}

func TestStartBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	b := New(Options{Port: ln.Addr().(*net.TCPAddr).Port}, zap.NewNop())
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("expected bind error")
	}
	if b.Addr() != nil {
		t.Fatal("no address should be bound after failure")
	}
}

func TestRelayEventsReachesObservers(t *testing.T) {
	b, srv := newTestBridge(t, Options{})
	obs := dialWS(t, srv, "/visualizer")
	waitFor(t, time.Second, func() bool { return b.Status().Observers == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.RelayEvents(ctx) }()
	waitFor(t, time.Second, func() bool { return b.Events().SubscriberCount() == 1 })

	b.Events().Publish(events.Event{Type: events.EditorReady, Summary: "editor ready"})

	_ = obs.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := obs.ReadMessage()
	if err != nil {
		t.Fatalf("observer read: %v", err)
	}
	var evt events.Event
	if err := json.Unmarshal(data, &evt); err != nil || evt.Type != events.EditorReady {
		t.Fatalf("observer got %s, %v", data, err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RelayEvents: %v", err)
	}
	if n := b.Events().SubscriberCount(); n != 0 {
		t.Fatalf("relay left %d subscribers", n)
	}
}

func TestInvokeDuringDisconnectReportsDisconnected(t *testing.T) {
	b := New(Options{}, zap.NewNop())
	entered := make(chan struct{})
	release := make(chan struct{})
	b.editor = editor.NewManager(zap.NewNop(), time.Hour, editor.Hooks{
		OnDisconnect: func(info editor.Info, err error) {
			close(entered)
			<-release
			b.onEditorDisconnect(info, err)
		},
	})
	srv := httptest.NewServer(http.HandlerFunc(b.editor.HandleEditorWS))
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv, "/godot")
	waitFor(t, time.Second, b.IsConnected)
	_ = conn.Close()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect hook did not run")
	}
	if !b.IsConnected() {
		t.Fatal("bridge should still report the editor while the disconnect settles")
	}

	_, err := b.InvokeTool(context.Background(), "save_scene", map[string]any{"scenePath": "res://main.tscn"})
	close(release)
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("err = %v, want ErrDisconnected", err)
	}
	if got := outcomeOf(err); got != metrics.OutcomeDisconnected {
		t.Fatalf("outcome = %q, want %q", got, metrics.OutcomeDisconnected)
	}
	if n := b.Status().PendingRequests; n != 0 {
		t.Fatalf("pending requests = %d, want 0", n)
	}
}

package pending

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func mustTrack(t *testing.T, table *Table, id, tool string, timeout time.Duration) *Request {
	t.Helper()
	req, err := table.Track(id, tool, "", timeout)
	if err != nil {
		t.Fatalf("track %s: %v", id, err)
	}
	return req
}

func TestTrackAndComplete(t *testing.T) {
	table := New()
	req := mustTrack(t, table, "req-1", "get_scene_tree", time.Minute)

	if table.InFlight() != 1 {
		t.Fatalf("expected 1 in-flight, got %d", table.InFlight())
	}

	if err := table.Complete("req-1", json.RawMessage(`{"nodes":3}`)); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	select {
	case out := <-req.Done():
		if out.Err != nil {
			t.Fatalf("unexpected error: %v", out.Err)
		}
		if string(out.Result) != `{"nodes":3}` {
			t.Fatalf("unexpected result %s", out.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}

	if table.InFlight() != 0 {
		t.Fatalf("expected 0 in-flight after complete, got %d", table.InFlight())
	}
}

func TestTrackDuplicateID(t *testing.T) {
	table := New()
	mustTrack(t, table, "dup", "a", time.Minute)
	if _, err := table.Track("dup", "b", "", time.Minute); err == nil {
		t.Fatal("expected error when tracking a duplicate id")
	}
}

func TestCompleteUnknown(t *testing.T) {
	table := New()
	err := table.Complete("unknown-req", nil)
	if !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestTimeoutNamesToolAndIgnoresLateResult(t *testing.T) {
	table := New()
	req := mustTrack(t, table, "slow", "create_scene", 20*time.Millisecond)

	select {
	case out := <-req.Done():
		if !errors.Is(out.Err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", out.Err)
		}
		var te *TimeoutError
		if !errors.As(out.Err, &te) || te.Tool != "create_scene" {
			t.Fatalf("expected TimeoutError for create_scene, got %#v", out.Err)
		}
		if te.Elapsed < 20*time.Millisecond {
			t.Fatalf("elapsed %s shorter than timeout", te.Elapsed)
		}
		if !strings.Contains(out.Err.Error(), "create_scene") {
			t.Fatalf("message should name the tool: %q", out.Err.Error())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}

	if err := table.Complete("slow", json.RawMessage(`1`)); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("late result should be ignored, got %v", err)
	}
	select {
	case out := <-req.Done():
		t.Fatalf("request settled twice: %+v", out)
	default:
	}
}

func TestTimeoutsAreIndependent(t *testing.T) {
	table := New()
	fast := mustTrack(t, table, "fast", "a", 10*time.Millisecond)
	slow := mustTrack(t, table, "slow", "b", time.Minute)

	<-fast.Done()
	if table.InFlight() != 1 {
		t.Fatalf("expected the slow request to remain, got %d in flight", table.InFlight())
	}
	if err := table.Complete("slow", nil); err != nil {
		t.Fatalf("complete slow: %v", err)
	}
	if out := <-slow.Done(); out.Err != nil {
		t.Fatalf("slow request failed: %v", out.Err)
	}
}

func TestFailAll(t *testing.T) {
	table := New()
	sentinel := errors.New("editor disconnected")

	reqs := []*Request{
		mustTrack(t, table, "a", "t", time.Minute),
		mustTrack(t, table, "b", "t", time.Minute),
		mustTrack(t, table, "c", "t", 0),
	}

	if n := table.FailAll(sentinel); n != 3 {
		t.Fatalf("expected 3 failed, got %d", n)
	}
	for _, req := range reqs {
		select {
		case out := <-req.Done():
			if !errors.Is(out.Err, sentinel) {
				t.Fatalf("expected sentinel for %s, got %v", req.ID, out.Err)
			}
		default:
			t.Fatalf("request %s not settled synchronously", req.ID)
		}
	}
	if table.InFlight() != 0 {
		t.Fatalf("expected empty table, got %d", table.InFlight())
	}
}

func TestCancel(t *testing.T) {
	table := New()
	req := mustTrack(t, table, "req-cancel", "ls", time.Minute)

	table.Cancel("req-cancel")
	if table.InFlight() != 0 {
		t.Fatalf("expected 0 after cancel, got %d", table.InFlight())
	}
	if out := <-req.Done(); !errors.Is(out.Err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", out.Err)
	}

	// Cancelling again is a no-op.
	table.Cancel("req-cancel")
}

func TestListPending(t *testing.T) {
	table := New()
	if _, err := table.Track("req-a", "create_scene", "scene:res://a.tscn", time.Minute); err != nil {
		t.Fatal(err)
	}
	mustTrack(t, table, "req-b", "list_projects", time.Minute)

	list := table.ListPending()
	if len(list) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(list))
	}

	found := map[string]Summary{}
	for _, s := range list {
		found[s.ID] = s
	}
	if found["req-a"].ResourceKey != "scene:res://a.tscn" {
		t.Errorf("missing resource key on req-a: %+v", found["req-a"])
	}
	if _, ok := found["req-b"]; !ok {
		t.Error("missing req-b")
	}
}

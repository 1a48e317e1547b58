// Package pending tracks in-flight tool invocations and routes editor results
// back to their callers. Each request settles exactly once: by a matching
// result, by its own timeout, or by a connection-loss sweep.
package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("timed out waiting for editor response")
	// ErrUnknownRequest is returned when settling an id that is not tracked,
	// e.g. a late response after the request already timed out.
	ErrUnknownRequest = errors.New("no pending request")
	// ErrCanceled settles a request whose caller gave up waiting.
	ErrCanceled = errors.New("request canceled")
)

// TimeoutError reports which tool timed out and after how long.
type TimeoutError struct {
	Tool    string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %q timed out after %s", e.Tool, e.Elapsed.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrTimeout) hold for timeouts.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Outcome is the settled value of a request.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// Request represents one outstanding tool invocation.
type Request struct {
	ID          string
	Tool        string
	ResourceKey string
	Submitted   time.Time

	timer *time.Timer
	done  chan Outcome
}

// Done returns a channel that receives the request's outcome exactly once.
func (r *Request) Done() <-chan Outcome {
	return r.done
}

// Table manages in-flight requests keyed by correlation id.
type Table struct {
	pending map[string]*Request
	mu      sync.Mutex
	now     func() time.Time
}

// New creates an empty Table.
func New() *Table {
	return &Table{
		pending: make(map[string]*Request),
		now:     time.Now,
	}
}

// Track registers a request and arms its timeout. A non-positive timeout
// disables the timer. Tracking an id that is already pending is an error.
func (t *Table) Track(id, tool, resourceKey string, timeout time.Duration) (*Request, error) {
	req := &Request{
		ID:          id,
		Tool:        tool,
		ResourceKey: resourceKey,
		Submitted:   t.now(),
		done:        make(chan Outcome, 1),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[id]; exists {
		return nil, fmt.Errorf("request %s already pending", id)
	}
	t.pending[id] = req
	if timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() { t.expire(id) })
	}
	return req, nil
}

// take removes and returns the request for id, stopping its timer.
func (t *Table) take(id string) (*Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	delete(t.pending, id)
	if req.timer != nil {
		req.timer.Stop()
	}
	return req, true
}

// Complete delivers a successful result to the waiting caller.
func (t *Table) Complete(id string, result json.RawMessage) error {
	req, ok := t.take(id)
	if !ok {
		return fmt.Errorf("%w for id %s", ErrUnknownRequest, id)
	}
	req.done <- Outcome{Result: result}
	return nil
}

// Fail settles a request with err.
func (t *Table) Fail(id string, err error) error {
	req, ok := t.take(id)
	if !ok {
		return fmt.Errorf("%w for id %s", ErrUnknownRequest, id)
	}
	req.done <- Outcome{Err: err}
	return nil
}

// Cancel removes a request, settling it with ErrCanceled if it was still pending.
func (t *Table) Cancel(id string) {
	_ = t.Fail(id, ErrCanceled)
}

// FailAll settles every pending request with err and returns how many were failed.
func (t *Table) FailAll(err error) int {
	t.mu.Lock()
	reqs := make([]*Request, 0, len(t.pending))
	for id, req := range t.pending {
		if req.timer != nil {
			req.timer.Stop()
		}
		delete(t.pending, id)
		reqs = append(reqs, req)
	}
	t.mu.Unlock()

	for _, req := range reqs {
		req.done <- Outcome{Err: err}
	}
	return len(reqs)
}

// expire fires from the request's timer.
func (t *Table) expire(id string) {
	req, ok := t.take(id)
	if !ok {
		return
	}
	req.done <- Outcome{Err: &TimeoutError{Tool: req.Tool, Elapsed: t.now().Sub(req.Submitted)}}
}

// InFlight returns the number of currently tracked requests.
func (t *Table) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Summary is a JSON-safe view of a pending request.
type Summary struct {
	ID          string `json:"id"`
	Tool        string `json:"tool"`
	ResourceKey string `json:"resource_key,omitempty"`
	WaitingMS   int64  `json:"waiting_ms"`
}

// ListPending returns summaries of all pending requests.
func (t *Table) ListPending() []Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	result := make([]Summary, 0, len(t.pending))
	for _, req := range t.pending {
		result = append(result, Summary{
			ID:          req.ID,
			Tool:        req.Tool,
			ResourceKey: req.ResourceKey,
			WaitingMS:   now.Sub(req.Submitted).Milliseconds(),
		})
	}
	return result
}

// Package resqueue serializes tasks that touch the same persisted resource.
//
// Every key owns a chain: a task submitted for a key starts only after every
// task submitted earlier for that key has settled, successfully or not.
// Tasks for different keys run concurrently.
package resqueue

import (
	"context"
	"encoding/json"
	"sync"
)

// Task is a unit of work run in its key's turn.
type Task func(ctx context.Context) (json.RawMessage, error)

type link struct {
	done chan struct{}
}

type generation struct {
	cleared chan struct{}
	err     error
}

// Queue maps resource keys to their execution chains.
type Queue struct {
	mu    sync.Mutex
	tails map[string]*link
	gen   *generation
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{
		tails: make(map[string]*link),
		gen:   &generation{cleared: make(chan struct{})},
	}
}

// Do waits for key's turn, runs task and returns its outcome. If the queue is
// cleared while waiting, Do returns the error passed to Clear without running
// task. If ctx ends while waiting, Do returns ctx.Err(); the abandoned slot
// still holds its place so later tasks keep their order.
func (q *Queue) Do(ctx context.Context, key string, task Task) (json.RawMessage, error) {
	me := &link{done: make(chan struct{})}

	q.mu.Lock()
	prev := q.tails[key]
	q.tails[key] = me
	gen := q.gen
	q.mu.Unlock()

	if prev != nil {
		select {
		case <-prev.done:
			// A cleared generation wins even when the predecessor settled too.
			select {
			case <-gen.cleared:
				q.release(key, me)
				return nil, gen.err
			default:
			}
		case <-gen.cleared:
			q.release(key, me)
			return nil, gen.err
		case <-ctx.Done():
			go func() {
				select {
				case <-prev.done:
				case <-gen.cleared:
				}
				q.release(key, me)
			}()
			return nil, ctx.Err()
		}
	}

	defer q.release(key, me)
	return task(ctx)
}

// release marks me settled and drops the key when no newer task chained after it.
func (q *Queue) release(key string, me *link) {
	q.mu.Lock()
	if q.tails[key] == me {
		delete(q.tails, key)
	}
	q.mu.Unlock()
	close(me.done)
}

// Clear abandons every task that has not started yet; they return err.
// Tasks already running are left to finish on their own.
func (q *Queue) Clear(err error) {
	q.mu.Lock()
	old := q.gen
	old.err = err
	q.gen = &generation{cleared: make(chan struct{})}
	q.tails = make(map[string]*link)
	q.mu.Unlock()

	close(old.cleared)
}

// Len returns the number of keys with queued or running tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}

// Package events provides a pub/sub bus for bridge lifecycle and tool events.
// Dashboards, metrics and the observer broadcast subscribe to it.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType classifies bridge events.
type EventType string

const (
	ToolStart          EventType = "tool_start"
	ToolEnd            EventType = "tool_end"
	EditorConnected    EventType = "godot_connected"
	EditorDisconnected EventType = "godot_disconnected"
	EditorReady        EventType = "godot_ready"
	EditorRejected     EventType = "godot_rejected"
)

// Event represents a bridge event.
type Event struct {
	Type      EventType `json:"type"`
	Summary   string    `json:"summary,omitempty"`
	Detail    any       `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolStartDetail is the Detail of a ToolStart event.
type ToolStartDetail struct {
	ID          string         `json:"id"`
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args,omitempty"`
	ResourceKey string         `json:"resource_key,omitempty"`
}

// ToolEndDetail is the Detail of a ToolEnd event.
type ToolEndDetail struct {
	ID         string `json:"id"`
	Tool       string `json:"tool"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// ConnectionDetail is the Detail of editor connection events.
type ConnectionDetail struct {
	RemoteAddr  string `json:"remote_addr,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Failed      int    `json:"failed_requests,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Bus is a simple pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: drops events for slow subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe returns a channel of events. Call Unsubscribe with the same id when done.
// Subscribing twice with the same id replaces the earlier channel.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[id]; ok {
		close(old)
	}
	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

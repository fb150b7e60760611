// Package events is an in-memory pub/sub of execution lifecycle events with
// a small replay buffer so late subscribers can catch up.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle event types published by the dispatcher.
const (
	JobQueued    = "job.queued"
	JobStarted   = "job.started"
	JobCompleted = "job.completed"
	JobFailed    = "job.failed"
	JobCancelled = "job.cancelled"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// JobEvent is the payload of every job.* event. Fields that do not apply to
// a given transition are omitted.
type JobEvent struct {
	RequestID  string `json:"requestId"`
	Provider   string `json:"provider"`
	Model      string `json:"model,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	FileCount  int    `json:"fileCount,omitempty"`
	ErrorCode  string `json:"errorCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Filter selects event types. A nil or empty Filter matches everything.
type Filter map[string]struct{}

// ParseFilter reads a comma-separated type list such as
// "job.failed,job.cancelled".
func ParseFilter(v string) Filter {
	var f Filter
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		if f == nil {
			f = Filter{}
		}
		f[t] = struct{}{}
	}
	return f
}

func (f Filter) Match(eventType string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[eventType]
	return ok
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Hub fans events out to subscribers and keeps the last few for replay.
// IDs are assigned under the lock, so every subscriber sees them ascending.
type Hub struct {
	mu       sync.Mutex
	lastID   int64
	capacity int
	recent   []Event

	subs      map[int]subscriber
	nextSubID int

	dropped atomic.Int64
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		capacity: capacity,
		recent:   make([]Event, 0, capacity),
		subs:     make(map[int]subscriber),
	}
}

// Publish records an event with data marshalled as its JSON payload.
// Subscribers that are not keeping up miss the event rather than block.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, At: time.Now().UTC(), Data: payload}

	if len(h.recent) == h.capacity {
		copy(h.recent, h.recent[1:])
		h.recent = h.recent[:h.capacity-1]
	}
	h.recent = append(h.recent, ev)

	for _, s := range h.subs {
		if !s.filter.Match(eventType) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a listener for events matching f. The returned func
// unsubscribes and closes the channel; calling it more than once is safe.
func (h *Hub) Subscribe(f Filter) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = subscriber{ch: ch, filter: f}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
}

// SnapshotSince returns buffered events newer than lastID that match f,
// oldest first.
func (h *Hub) SnapshotSince(lastID int64, f Filter) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, len(h.recent))
	for _, ev := range h.recent {
		if ev.ID > lastID && f.Match(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

// LastID is the ID of the most recent event, or 0.
func (h *Hub) LastID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastID
}

// Dropped counts deliveries skipped because a subscriber's buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

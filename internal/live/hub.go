// Package live fans gateway notifications out to streaming front-end
// clients, keeping a short replay history, and serves them over gRPC.
package live

import (
	"sync"
	"sync/atomic"
	"time"

	"rtxbridge/internal/domain"
)

// Event is one notification as seen by subscribers. Seq increases by one
// per broadcast.
type Event struct {
	Seq  uint64
	Time time.Time
	domain.Notification
}

// Filter decides whether a subscriber receives a notification with the
// given flag. A nil Filter accepts everything.
type Filter func(flag string) bool

// FlagFilter accepts unflagged notifications and those whose flag is in
// flags.
func FlagFilter(flags []string) Filter {
	set := make(map[string]struct{}, len(flags))
	for _, f := range flags {
		set[f] = struct{}{}
	}
	return func(flag string) bool {
		if flag == "" {
			return true
		}
		_, ok := set[flag]
		return ok
	}
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Hub broadcasts notifications to subscribers and remembers the most recent
// ones for replay.
type Hub struct {
	mu      sync.RWMutex
	history []Event
	limit   int
	seq     uint64
	now     func() time.Time

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]*subscriber

	dropped atomic.Int64
}

// NewHub creates a hub that keeps the last historySize notifications.
func NewHub(historySize int) *Hub {
	return &Hub{
		limit: historySize,
		now:   time.Now,
		subs:  make(map[int]*subscriber),
	}
}

// Broadcast records n and delivers it to every subscriber whose filter
// accepts it. Subscribers that are not keeping up lose the event.
func (h *Hub) Broadcast(n domain.Notification) {
	h.mu.Lock()
	h.seq++
	evt := Event{Seq: h.seq, Time: h.now(), Notification: n}
	if h.limit > 0 {
		if len(h.history) == h.limit {
			copy(h.history, h.history[1:])
			h.history = h.history[:h.limit-1]
		}
		h.history = append(h.history, evt)
	}
	h.mu.Unlock()

	h.subsMu.Lock()
	for _, sub := range h.subs {
		if sub.filter != nil && !sub.filter(n.Flag) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Slow subscriber, drop event.
			h.dropped.Add(1)
		}
	}
	h.subsMu.Unlock()
}

// History returns a copy of the retained notifications, oldest first.
func (h *Hub) History() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Event, len(h.history))
	copy(out, h.history)
	return out
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Subscribe creates a new subscription channel.
func (h *Hub) Subscribe(bufSize int, filter Filter) (id int, ch <-chan Event) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	id = h.nextSubID
	h.nextSubID++
	c := make(chan Event, bufSize)
	h.subs[id] = &subscriber{ch: c, filter: filter}
	return id, c
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	if sub, ok := h.subs[id]; ok {
		close(sub.ch)
		delete(h.subs, id)
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	return len(h.subs)
}

// Package datasync holds the process-wide refresh counters that tell views
// when to re-fetch their data.
package datasync

import (
	"context"
	"sync"
)

// Counters is a point-in-time copy of every counter.
type Counters map[Counter]uint64

// CounterUpdate is delivered to subscribers when a counter moves.
type CounterUpdate struct {
	Counter Counter `json:"counter"`
	Value   uint64  `json:"value"`
}

// Hub owns the refresh counters. Create one per application and inject it.
type Hub struct {
	mu          sync.Mutex
	counters    map[Counter]uint64
	subscribers map[Counter]map[int64]*hubSubscriber
	nextID      int64
}

type hubSubscriber struct {
	id     int64
	stream chan CounterUpdate
}

// NewHub returns a hub with every counter at zero.
func NewHub() *Hub {
	counters := make(map[Counter]uint64, len(knownCounters))
	for _, counter := range knownCounters {
		counters[counter] = 0
	}
	return &Hub{
		counters:    counters,
		subscribers: make(map[Counter]map[int64]*hubSubscriber),
	}
}

// Trigger requests a refresh of counter without a server event. It
// increments counter and "all"; an unknown counter moves only "all".
func (h *Hub) Trigger(counter Counter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.incrementLocked(CounterAll)
	if counter != CounterAll && counter.IsKnown() {
		h.incrementLocked(counter)
	}
}

// TriggerMessage applies the fan-out for message.Type. "all" always moves;
// an unrecognized type moves nothing else.
func (h *Hub) TriggerMessage(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.incrementLocked(CounterAll)
	for _, counter := range fanOut[message.Type] {
		h.incrementLocked(counter)
	}
}

// Counter returns the current value of counter. Unknown counters read the
// "all" counter so callers still observe global churn.
func (h *Hub) Counter(counter Counter) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	value, ok := h.counters[counter]
	if !ok {
		return h.counters[CounterAll]
	}
	return value
}

// Snapshot copies every counter under one lock.
func (h *Hub) Snapshot() Counters {
	h.mu.Lock()
	defer h.mu.Unlock()
	snapshot := make(Counters, len(h.counters))
	for counter, value := range h.counters {
		snapshot[counter] = value
	}
	return snapshot
}

// Subscribe streams updates of counter until ctx ends or cleanup runs. The
// stream holds at most one pending update; a slow reader skips intermediate
// values but always sees the latest one.
func (h *Hub) Subscribe(ctx context.Context, counter Counter) (<-chan CounterUpdate, func()) {
	if !counter.IsKnown() {
		counter = CounterAll
	}
	subscriber := &hubSubscriber{stream: make(chan CounterUpdate, 1)}

	h.mu.Lock()
	h.nextID++
	subscriber.id = h.nextID
	if _, ok := h.subscribers[counter]; !ok {
		h.subscribers[counter] = make(map[int64]*hubSubscriber)
	}
	h.subscribers[counter][subscriber.id] = subscriber
	h.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			close(done)
			h.unregisterSubscriber(counter, subscriber.id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return subscriber.stream, cleanup
}

// Watch returns a Watcher positioned at the current value of counter.
func (h *Hub) Watch(counter Counter) *Watcher {
	return &Watcher{hub: h, counter: counter, last: h.Counter(counter)}
}

func (h *Hub) incrementLocked(counter Counter) {
	h.counters[counter]++
	update := CounterUpdate{Counter: counter, Value: h.counters[counter]}
	for _, subscriber := range h.subscribers[counter] {
		select {
		case subscriber.stream <- update:
		default:
			select {
			case <-subscriber.stream:
			default:
			}
			select {
			case subscriber.stream <- update:
			default:
			}
		}
	}
}

func (h *Hub) unregisterSubscriber(counter Counter, subscriberID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := h.subscribers[counter]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(h.subscribers, counter)
	}
}

// Watcher remembers the last counter value a consumer acted on.
type Watcher struct {
	hub     *Hub
	counter Counter
	mu      sync.Mutex
	last    uint64
}

// Changed reports whether the counter moved since the previous call that
// returned true, and records the current value.
func (w *Watcher) Changed() bool {
	current := w.hub.Counter(w.counter)
	w.mu.Lock()
	defer w.mu.Unlock()
	if current == w.last {
		return false
	}
	w.last = current
	return true
}

// Last returns the value most recently acted on.
func (w *Watcher) Last() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

type hubContextKey struct{}

// WithHub provisions hub for everything derived from ctx.
func WithHub(ctx context.Context, hub *Hub) context.Context {
	return context.WithValue(ctx, hubContextKey{}, hub)
}

// FromContext returns the provisioned hub. It panics when none was
// provisioned: that is a wiring bug, not a runtime condition.
func FromContext(ctx context.Context) *Hub {
	hub, ok := ctx.Value(hubContextKey{}).(*Hub)
	if !ok || hub == nil {
		panic("datasync: FromContext called without a provisioned hub")
	}
	return hub
}

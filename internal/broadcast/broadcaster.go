package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the queue length used when Subscribe is given a
// non-positive size.
const DefaultBuffer = 64

// Logger defines the logging interface used by the Broadcaster.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stats is a point-in-time view of broadcaster counters.
type Stats struct {
	Observers int    `json:"observers"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

// Broadcaster delivers events to every subscribed Observer.
//
// The observer set has its own lock and is never held while the registry
// mutates device state. All methods are safe for concurrent use.
type Broadcaster struct {
	mu        sync.RWMutex
	observers map[*Observer]struct{}

	published atomic.Uint64
	dropped   atomic.Uint64

	logger Logger
}

// New creates an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		observers: make(map[*Observer]struct{}),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the broadcaster.
func (b *Broadcaster) SetLogger(logger Logger) {
	b.logger = logger
}

// Subscribe registers a new observer with a queue of the given length.
func (b *Broadcaster) Subscribe(name string, buffer int) *Observer {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	o := &Observer{
		name:   name,
		events: make(chan Event, buffer),
	}

	b.mu.Lock()
	b.observers[o] = struct{}{}
	count := len(b.observers)
	b.mu.Unlock()

	b.logger.Debug("observer subscribed", "observer", name, "observers", count)
	return o
}

// Unsubscribe removes the observer and closes its event channel.
// Calling it more than once is safe.
func (b *Broadcaster) Unsubscribe(o *Observer) {
	b.mu.Lock()
	_, ok := b.observers[o]
	delete(b.observers, o)
	count := len(b.observers)
	b.mu.Unlock()

	if !ok {
		return
	}
	o.close()
	b.logger.Debug("observer unsubscribed", "observer", o.name, "observers", count, "dropped", o.Dropped())
}

// Publish offers ev to every observer without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for o := range b.observers {
		if o.offer(ev) {
			b.dropped.Add(1)
		}
	}
}

// Stats returns the current counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	n := len(b.observers)
	b.mu.RUnlock()

	return Stats{
		Observers: n,
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Close unsubscribes every observer. Their Run loops return.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	observers := b.observers
	b.observers = make(map[*Observer]struct{})
	b.mu.Unlock()

	for o := range observers {
		o.close()
	}
}

// Observer is one consumer's bounded event queue.
type Observer struct {
	name   string
	events chan Event

	// mu serialises senders so the drop-oldest step cannot interleave, and
	// guards closed so nothing sends on a closed channel.
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// Name returns the name given at Subscribe.
func (o *Observer) Name() string {
	return o.name
}

// Events returns the receive side of the queue. It is closed on Unsubscribe.
func (o *Observer) Events() <-chan Event {
	return o.events
}

// Dropped returns how many events this observer lost to overflow.
func (o *Observer) Dropped() uint64 {
	return o.dropped.Load()
}

// Run calls handle for each event until ctx is done or the observer is
// unsubscribed.
func (o *Observer) Run(ctx context.Context, handle func(Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-o.events:
			if !ok {
				return nil
			}
			handle(ev)
		}
	}
}

// offer enqueues ev, discarding the oldest queued event if the queue is
// full. It reports whether an event was dropped.
func (o *Observer) offer(ev Event) (dropped bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}

	for {
		select {
		case o.events <- ev:
			return dropped
		default:
		}

		// Full: evict the head. The consumer may have drained it already,
		// in which case the retry succeeds.
		select {
		case <-o.events:
			o.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

func (o *Observer) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	close(o.events)
}

package vpn

import (
	"sync"

	"github.com/google/uuid"

	"github.com/yllada/vpn-session-manager/common"
)

// Observer receives state-change events.
//
// OnStateChange is called synchronously while the transition is being
// published and before the call that caused it returns. Implementations
// must not call Connect or Disconnect from inside OnStateChange; use a
// ChannelObserver to react from another goroutine.
type Observer interface {
	OnStateChange(ev Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev Event)

// OnStateChange calls f(ev).
func (f ObserverFunc) OnStateChange(ev Event) { f(ev) }

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id   string
	list *observerList
	once sync.Once
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// Close removes the observer. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.list.remove(s.id) })
}

type observerEntry struct {
	id       string
	observer Observer
}

// observerList keeps observers in subscription order.
type observerList struct {
	mu      sync.RWMutex
	entries []observerEntry
}

func (l *observerList) add(o Observer) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := uuid.NewString()
	l.entries = append(l.entries, observerEntry{id: id, observer: o})
	return &Subscription{id: id, list: l}
}

func (l *observerList) remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

func (l *observerList) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *observerList) notify(ev Event) {
	l.mu.RLock()
	entries := make([]observerEntry, len(l.entries))
	copy(entries, l.entries)
	l.mu.RUnlock()

	for _, e := range entries {
		deliver(e, ev)
	}
}

func deliver(e observerEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			common.LogError("Observer %s panicked on %s -> %s: %v", common.ShortID(e.id), ev.Old, ev.New, r)
		}
	}()
	e.observer.OnStateChange(ev)
}

// ChannelObserver queues events for consumption on another goroutine.
// The queue is unbounded so publishing never blocks and nothing is dropped.
type ChannelObserver struct {
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	out    chan Event
	closed chan struct{}
	once   sync.Once
}

// NewChannelObserver creates a ChannelObserver and starts its pump.
func NewChannelObserver() *ChannelObserver {
	c := &ChannelObserver{
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		closed: make(chan struct{}),
	}
	go c.pump()
	return c
}

// OnStateChange implements Observer.
func (c *ChannelObserver) OnStateChange(ev Event) {
	c.mu.Lock()
	c.queue = append(c.queue, ev)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Events returns the channel events are delivered on, in order.
// It is closed after Close.
func (c *ChannelObserver) Events() <-chan Event {
	return c.out
}

// Close stops delivery. Queued events are discarded.
func (c *ChannelObserver) Close() {
	c.once.Do(func() { close(c.closed) })
}

func (c *ChannelObserver) pump() {
	defer close(c.out)
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			select {
			case <-c.signal:
				continue
			case <-c.closed:
				return
			}
		}
		ev := c.queue[0]
		c.queue[0] = Event{}
		c.queue = c.queue[1:]
		c.mu.Unlock()

		select {
		case c.out <- ev:
		case <-c.closed:
			return
		}
	}
}

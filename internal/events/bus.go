// Package events carries catalog change notifications from the watcher to
// the parts of the node that track them.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fruitsalade/chunkshare/internal/metrics"
)

// Type is the kind of catalog change.
type Type string

const (
	Added    Type = "added"
	Removed  Type = "removed"
	Modified Type = "modified"
)

// Event is one catalog change. Seq and Time are assigned by Publish.
type Event struct {
	Seq  uint64
	Type Type
	Name string
	Size uint64
	Hash string
	Time time.Time
}

// Bus stamps events with a sequence number and delivers them to every
// subscription without blocking the publisher.
type Bus struct {
	mu   sync.Mutex
	seq  uint64
	subs map[*Subscription]struct{}
}

// NewBus returns a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription receives events published after it was created.
type Subscription struct {
	bus     *Bus
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// Subscribe registers a subscription buffering up to buffer events. Events
// published while the buffer is full are counted in Dropped and lost.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{bus: b, ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events did not fit in the buffer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// Publish assigns the next sequence number and delivers ev. The stamped
// event is returned.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
	metrics.RecordCatalogChange(string(ev.Type))
	return ev
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

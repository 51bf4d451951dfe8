// Package eventbus fans engine events out to in-process listeners
// (metrics, operator alerts, the due-item dispatcher).
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine.
const (
	QueueTransition   = "queue.transition"
	QueueDue          = "queue.due"
	AssignmentChanged = "assignment.changed"
	EmergencyInjected = "emergency.injected"
	HealthChanged     = "health.changed"
)

// Event is a small in-memory signal.
//
// Publish never blocks. Subscribers get buffered channels and a slow
// subscriber loses events instead of stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Transition is the payload of QueueTransition.
type Transition struct {
	ItemID    int64
	AccountID int64
	From      string
	To        string
	Emergency bool
}

// AssignmentChange is the payload of AssignmentChanged.
type AssignmentChange struct {
	AssignmentID int64
	AccountID    int64
	SprintID     int64
	Status       string
}

// Injection is the payload of EmergencyInjected.
type Injection struct {
	BatchID   string
	Priority  string
	Strategy  string
	Succeeded int
	Failed    int
	Skipped   int
}

type Bus interface {
	Publish(e Event)
	// Subscribe receives every event, or only the listed types when any are given.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries lost to full subscriber buffers.
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]subscriber{}}
}

// Nop discards every event.
func Nop() Bus { return nopBus{} }

type subscriber struct {
	ch    chan Event
	types []string
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if len(s.types) == 0 || slices.Contains(s.types, e.Type) {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// The channel may be closed by a concurrent unsubscribe.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = subscriber{ch: ch, types: slices.Clone(types)}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
func (nopBus) Dropped() uint64 { return 0 }

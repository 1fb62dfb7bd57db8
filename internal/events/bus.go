// Package events is the in-process publish/subscribe registry shared by the
// monitoring core. Handlers run synchronously, in registration order, on the
// publisher's goroutine.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Name identifies an event stream.
type Name string

const (
	NewMetric         Name = "newMetric"
	Alert             Name = "alert"
	NewAlert          Name = "newAlert"
	Resolution        Name = "resolution"
	HealthCheckUpdate Name = "healthCheckUpdate"
	NewPattern        Name = "newPattern"
	PatternRejected   Name = "patternRejected"
	NewMessage        Name = "newMessage"
	LearningUpdate    Name = "learningUpdate"
	AgentLearningSync Name = "agentLearningSync"
)

// Event is one published occurrence. Payload's concrete type is fixed per Name.
type Event struct {
	Name      Name      `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Handler receives events.
type Handler func(Event)

type subscription struct {
	id      uint64
	name    Name // empty for wildcard subscriptions
	handler Handler
}

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	byName map[Name][]*subscription
	all    []*subscription
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		byName: make(map[Name][]*subscription),
	}
}

// Subscription is a handle returned by Subscribe. Unsubscribe is idempotent.
type Subscription struct {
	bus  *Bus
	id   uint64
	name Name
	once sync.Once
}

// Subscribe registers h for events named name.
func (b *Bus) Subscribe(name Name, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, name: name, handler: h}
	b.byName[name] = append(b.byName[name], sub)
	return &Subscription{bus: b, id: sub.id, name: name}
}

// SubscribeAll registers h for every event. Wildcard handlers run after the
// named handlers of the same event.
func (b *Bus) SubscribeAll(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, handler: h}
	b.all = append(b.all, sub)
	return &Subscription{bus: b, id: sub.id}
}

// Unsubscribe removes the handler.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.bus.remove(s.name, s.id)
	})
}

func (b *Bus) remove(name Name, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "" {
		b.all = without(b.all, id)
		return
	}
	b.byName[name] = without(b.byName[name], id)
	if len(b.byName[name]) == 0 {
		delete(b.byName, name)
	}
}

func without(subs []*subscription, id uint64) []*subscription {
	out := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers payload to every subscriber of name. A panicking handler
// is logged and skipped; remaining handlers still run.
func (b *Bus) Publish(name Name, payload any) {
	b.mu.RLock()
	named := b.byName[name]
	wildcard := b.all
	b.mu.RUnlock()

	if len(named) == 0 && len(wildcard) == 0 {
		return
	}

	ev := Event{Name: name, Timestamp: time.Now().UTC(), Payload: payload}
	for _, s := range named {
		b.invoke(s, ev)
	}
	for _, s := range wildcard {
		b.invoke(s, ev)
	}
}

func (b *Bus) invoke(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("events: handler panicked", "event", ev.Name, "subscription", s.id, "panic", r)
		}
	}()
	s.handler(ev)
}

// SubscriberCount returns the number of handlers for name, excluding wildcards.
func (b *Bus) SubscriberCount(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byName[name])
}

package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashita-ai/mimamori/internal/events"
)

// Broker fans out bus events to SSE subscribers. Every event is encoded as
// JSON once and sent to all active subscriber channels.
type Broker struct {
	bus    *events.Bus
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
	sub         *events.Subscription

	dropped atomic.Int64
}

// NewBroker creates a new SSE broker. Call Start to begin forwarding.
func NewBroker(bus *events.Bus, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		bus:         bus,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start subscribes to every event on the bus. Calling it twice is a no-op.
func (b *Broker) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil || b.bus == nil {
		return
	}
	b.sub = b.bus.SubscribeAll(b.publish)
	b.logger.Info("broker: forwarding bus events")
}

// Stop detaches from the bus. Existing subscribers stay registered until
// their handlers return.
func (b *Broker) Stop() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (b *Broker) publish(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("broker: encode event", "event", ev.Name, "error", err)
		return
	}
	b.broadcast(formatSSE(string(ev.Name), string(data)))
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Subscribers returns the number of connected SSE clients.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many events were skipped for slow subscribers.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }

// broadcast sends an event to all subscribers. A subscriber with a full
// buffer misses the event so one slow client cannot block the publisher.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// formatSSE formats one event as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}

// Package events fans gateway notifications out to every connected
// application instance.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dalfonso89/fine-life/internal/models"
)

const defaultBuffer = 64

// Publisher is the sending half of the bus
type Publisher interface {
	Publish(message models.Message)
}

// Bus delivers each published message to all current subscribers.
// Publish never blocks; a subscriber with a full buffer misses the message.
type Bus struct {
	logger logrus.FieldLogger

	mu          sync.RWMutex
	subscribers map[string]chan models.Message
	closed      bool
}

// NewBus creates an empty bus
func NewBus(logger logrus.FieldLogger) *Bus {
	return &Bus{
		logger:      logger,
		subscribers: make(map[string]chan models.Message),
	}
}

// Subscribe registers a new subscriber. The returned func unsubscribes and
// closes the channel; calling it more than once is safe.
func (bus *Bus) Subscribe() (<-chan models.Message, func()) {
	id := uuid.NewString()
	ch := make(chan models.Message, defaultBuffer)

	bus.mu.Lock()
	if bus.closed {
		bus.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	bus.subscribers[id] = ch
	bus.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			bus.mu.Lock()
			defer bus.mu.Unlock()
			if existing, ok := bus.subscribers[id]; ok {
				delete(bus.subscribers, id)
				close(existing)
			}
		})
	}
}

// Publish stamps and broadcasts message
func (bus *Bus) Publish(message models.Message) {
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().UnixMilli()
	}

	bus.mu.RLock()
	defer bus.mu.RUnlock()

	for id, ch := range bus.subscribers {
		select {
		case ch <- message:
		default:
			bus.logger.Warnf("Subscriber %s buffer full, dropped %s message", id, message.Type)
		}
	}
}

// SubscriberCount returns the number of live subscribers
func (bus *Bus) SubscriberCount() int {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	return len(bus.subscribers)
}

// Close unsubscribes everyone
func (bus *Bus) Close() {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.closed = true
	for id, ch := range bus.subscribers {
		delete(bus.subscribers, id)
		close(ch)
	}
}

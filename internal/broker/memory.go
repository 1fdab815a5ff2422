package broker

import (
	"strings"
	"sync"

	"github.com/Ario-Inc/spark-protocol/internal/models"
)

// MemoryBus is an in-process event bus with the same contract as NATSBus,
// used when no NATS URL is configured and by tests.
type MemoryBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*memorySub
}

type memorySub struct {
	prefix   string
	deviceID *models.DeviceID
	cb       func(*models.Event)
}

// NewMemoryBus builds an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]*memorySub)}
}

// Publish delivers the event to every matching subscriber synchronously.
func (b *MemoryBus) Publish(event *models.Event) error {
	b.mu.Lock()
	matched := make([]func(*models.Event), 0, len(b.subs))
	for _, sub := range b.subs {
		if !strings.HasPrefix(event.Name, sub.prefix) {
			continue
		}
		if sub.deviceID != nil && event.DeviceID != *sub.deviceID {
			continue
		}
		matched = append(matched, sub.cb)
	}
	b.mu.Unlock()

	for _, cb := range matched {
		cb(event)
	}
	return nil
}

// Subscribe registers a prefix-filtered callback.
func (b *MemoryBus) Subscribe(name string, deviceID *models.DeviceID, subscriberID string, cb func(*models.Event)) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &memorySub{prefix: name, deviceID: deviceID, cb: cb}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

// AnnounceRoute is a no-op for the in-process bus.
func (b *MemoryBus) AnnounceRoute(deviceID models.DeviceID, serverID string) {}

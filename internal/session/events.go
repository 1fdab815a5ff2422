// Package session implements the per-connection device session core: the
// CoAP state machine, the listener facility, the device verbs, and the OTA
// flasher.
package session

import (
	"sync"

	"github.com/Ario-Inc/spark-protocol/pkg/coap"
)

// Event names emitted by a session beyond the message-table names.
const (
	EventReady        = "Ready"
	EventDisconnect   = "Disconnect"
	EventFlashStarted = "FlashStarted"
	EventFlashSuccess = "FlashSuccess"
	EventFlashFailed  = "FlashFailed"
)

// Event is one occurrence dispatched on a session: an inbound message keyed
// by its table name, or a lifecycle event.
type Event struct {
	Name    string
	Message *coap.Message
	Reason  string // Disconnect and FlashFailed carry the cause here
}

// Handler receives dispatched events.
type Handler func(Event)

// Detach removes a registered handler. Safe to call more than once.
type Detach func()

// dispatcher is a named-event dispatch table. Registration returns a detach
// handle; emission is synchronous on the emitting goroutine, so listeners
// see inbound messages in wire-arrival order.
type dispatcher struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]Handler
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string]map[int]Handler)}
}

func (d *dispatcher) on(name string, h Handler) Detach {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	if d.handlers[name] == nil {
		d.handlers[name] = make(map[int]Handler)
	}
	d.handlers[name][id] = h

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers[name], id)
	}
}

func (d *dispatcher) emit(ev Event) {
	d.mu.Lock()
	hs := make([]Handler, 0, len(d.handlers[ev.Name]))
	for _, h := range d.handlers[ev.Name] {
		hs = append(hs, h)
	}
	d.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}

func (d *dispatcher) detachAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = make(map[string]map[int]Handler)
}

package session

import (
	"bytes"
	"errors"
	"strings"
	"time"

	"github.com/Ario-Inc/spark-protocol/pkg/coap"
)

// Listener errors.
var (
	ErrTimeout      = errors.New("Request timed out")
	ErrDisconnected = errors.New("device disconnected")
)

// ListenFilter narrows a listener beyond the event name. Zero fields match
// everything.
type ListenFilter struct {
	URIPrefix string
	Token     []byte
}

func (f ListenFilter) matches(m *coap.Message) bool {
	if m == nil {
		return false
	}
	if f.URIPrefix != "" && !strings.HasPrefix(m.UriPath(), f.URIPrefix) {
		return false
	}
	if len(f.Token) > 0 && !bytes.Equal(f.Token, m.Token) {
		return false
	}
	return true
}

// waiter is a one-shot timed subscription on the session's dispatch table.
type waiter struct {
	ch     chan *coap.Message
	detach Detach
	done   <-chan struct{}
}

// listenFor registers a one-shot listener for the named event. The returned
// waiter must be waited on exactly once.
func (s *Session) listenFor(name string, filter ListenFilter) *waiter {
	return s.listenMatch(name, filter.matches)
}

// listenMatch is listenFor with an arbitrary predicate.
func (s *Session) listenMatch(name string, pred func(*coap.Message) bool) *waiter {
	w := &waiter{
		ch:   make(chan *coap.Message, 1),
		done: s.done,
	}
	w.detach = s.events.on(name, func(ev Event) {
		if !pred(ev.Message) {
			return
		}
		select {
		case w.ch <- ev.Message:
		default:
		}
	})
	return w
}

// wait blocks until the listener fires, the session disconnects, or the
// timeout elapses. The listener detaches on every path.
func (w *waiter) wait(timeout time.Duration) (*coap.Message, error) {
	defer w.detach()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-w.ch:
		return m, nil
	case <-w.done:
		return nil, ErrDisconnected
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// AwaitEvent is the first-class listener primitive: it waits for the named
// event, optionally narrowed by filter, for at most timeout (the configured
// listener timeout when zero or negative).
func (s *Session) AwaitEvent(name string, filter ListenFilter, timeout time.Duration) (*coap.Message, error) {
	if timeout <= 0 {
		timeout = s.cfg.ListenerTimeout
	}
	return s.listenFor(name, filter).wait(timeout)
}

// On registers a persistent observer for the named session event.
func (s *Session) On(name string, h Handler) Detach {
	return s.events.on(name, h)
}

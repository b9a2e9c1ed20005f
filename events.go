package regiond

import (
	"log/slog"
	"sync"
)

// EventKind discriminates connection lifecycle events.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
)

// Event describes a connection being registered with or removed from
// the Broker.
type Event struct {
	Kind       EventKind
	Ident      string
	RemoteAddr string
}

// notifier delivers connection events to subscribers in the order they
// were fired, on a dedicated goroutine so firing never blocks the
// broker's add/remove paths.
type notifier struct {
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[uint64]func(Event)
	nextID   uint64

	queue chan Event
	stop  chan struct{}
	done  chan struct{}
}

func newNotifier(logger *slog.Logger) *notifier {
	var n = &notifier{
		logger:   logger,
		handlers: make(map[uint64]func(Event)),
		queue:    make(chan Event, 1024),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go n.dispatch()
	return n
}

// subscribe registers a handler for all future events. The returned
// function cancels the subscription.
func (n *notifier) subscribe(handler func(Event)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	var id = n.nextID
	n.nextID++
	n.handlers[id] = handler

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.handlers, id)
	}
}

// fire enqueues an event for delivery. It never blocks; if the queue is
// full the event is dropped and logged.
func (n *notifier) fire(event Event) {
	select {
	case n.queue <- event:
	default:
		n.logger.Warn("event queue full, dropping event",
			"kind", event.Kind,
			"ident", event.Ident)
	}
}

// close stops the dispatcher after draining any queued events.
func (n *notifier) close() {
	close(n.stop)
	<-n.done
}

func (n *notifier) dispatch() {
	defer close(n.done)

	for {
		select {
		case event := <-n.queue:
			n.deliver(event)
		case <-n.stop:
			// Drain what was queued before the stop.
			for {
				select {
				case event := <-n.queue:
					n.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (n *notifier) deliver(event Event) {
	n.mu.Lock()
	var handlers = make([]func(Event), 0, len(n.handlers))
	for _, handler := range n.handlers {
		handlers = append(handlers, handler)
	}
	n.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

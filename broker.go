package regiond

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Broker tracks which rack controllers currently hold live RPC sessions
// to this process and hands out client handles for them. All mutation
// of the connection table funnels through AddConnection and
// RemoveConnection; callers needing a client that does not exist yet
// may park until one registers.
type Broker struct {
	options options
	events  *notifier

	mu      sync.Mutex
	conns   map[string]map[Connection]struct{}
	waiters *waiterRegistry
}

// NewBroker creates an empty connection broker.
func NewBroker(opts ...Option) *Broker {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Broker{
		options: options,
		events:  newNotifier(options.logger),
		conns:   make(map[string]map[Connection]struct{}),
		waiters: newWaiterRegistry(),
	}
}

// AddConnection registers a live connection for the given rack
// controller and wakes every waiter parked on that ident. Safe for
// concurrent use; concurrently added connections are never lost.
func (b *Broker) AddConnection(ident string, conn Connection) {
	b.mu.Lock()
	var set, ok = b.conns[ident]
	if !ok {
		set = make(map[Connection]struct{})
		b.conns[ident] = set
	}
	set[conn] = struct{}{}
	b.waiters.notify(ident, conn)
	b.mu.Unlock()

	b.events.fire(Event{
		Kind:       EventConnected,
		Ident:      ident,
		RemoteAddr: remoteAddr(conn),
	})

	b.options.logger.Info("rack controller connected",
		"ident", ident,
		"remote", remoteAddr(conn))
}

// RemoveConnection removes a connection. It is idempotent: removing a
// connection that was never added still succeeds. The ident key is
// retained with an empty set so callers can distinguish a known rack
// with no live connection from a never-seen rack.
func (b *Broker) RemoveConnection(ident string, conn Connection) {
	b.mu.Lock()
	var set, ok = b.conns[ident]
	if !ok {
		set = make(map[Connection]struct{})
		b.conns[ident] = set
	}
	delete(set, conn)
	b.mu.Unlock()

	b.events.fire(Event{
		Kind:       EventDisconnected,
		Ident:      ident,
		RemoteAddr: remoteAddr(conn),
	})

	b.options.logger.Info("rack controller disconnected",
		"ident", ident,
		"remote", remoteAddr(conn))
}

// GetClientFor returns a client for the given rack controller. When
// several connections exist one is chosen uniformly at random,
// reselected on every call. When the ident is known but has no live
// connection, the caller parks until a connection registers or timeout
// elapses. A never-seen ident fails immediately; the failed lookup
// seeds the table so subsequent lookups of the same ident can wait.
func (b *Broker) GetClientFor(ctx context.Context, ident string, timeout time.Duration) (Client, error) {
	b.mu.Lock()
	var set, known = b.conns[ident]
	if len(set) > 0 {
		var conn = pickConnection(set)
		b.mu.Unlock()
		return Client{conn: conn}, nil
	}
	if !known {
		// Seed the ident so the next lookup finds waitable state.
		b.conns[ident] = make(map[Connection]struct{})
		b.mu.Unlock()
		return Client{}, &NoConnectionError{Ident: ident}
	}
	if timeout <= 0 {
		b.mu.Unlock()
		return Client{}, &NoConnectionError{Ident: ident}
	}

	// Registering under the same lock as the table check closes the
	// race where a connection lands between check and registration.
	var w = b.waiters.register(ident)
	b.mu.Unlock()

	var timer = time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case conn := <-w.ch:
		b.deregister(ident, w)
		return Client{conn: conn}, nil
	case <-timer.C:
		b.deregister(ident, w)
		// A delivery may have raced the timer; prefer it.
		select {
		case conn := <-w.ch:
			return Client{conn: conn}, nil
		default:
		}
		return Client{}, &NoConnectionError{Ident: ident, TimedOut: true}
	case <-ctx.Done():
		b.deregister(ident, w)
		return Client{}, fmt.Errorf("waiting for rack controller %s: %w", ident, ctx.Err())
	}
}

// deregister removes a waiter once its outcome is determined. After it
// returns no further delivery can reach the waiter.
func (b *Broker) deregister(ident string, w *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waiters.remove(ident, w)
}

// GetAllClients returns one client per live connection the broker
// holds, across every rack controller. Racks with multiple links
// contribute one client per link, mirroring broadcast use.
func (b *Broker) GetAllClients() []Client {
	b.mu.Lock()
	defer b.mu.Unlock()

	var clients = make([]Client, 0)
	for _, set := range b.conns {
		for conn := range set {
			clients = append(clients, Client{conn: conn})
		}
	}
	return clients
}

// Clients returns a client for every live connection to one rack
// controller. The result is empty for idents with no connection.
func (b *Broker) Clients(ident string) []Client {
	b.mu.Lock()
	defer b.mu.Unlock()

	var clients = make([]Client, 0)
	for conn := range b.conns[ident] {
		clients = append(clients, Client{conn: conn})
	}
	return clients
}

// KnownIdents returns every rack controller ident the broker has seen,
// including those whose last connection has gone away.
func (b *Broker) KnownIdents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var idents = make([]string, 0, len(b.conns))
	for ident := range b.conns {
		idents = append(idents, ident)
	}
	return idents
}

// ConnectionCounts returns the number of live connections per known
// rack controller ident.
func (b *Broker) ConnectionCounts() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	var counts = make(map[string]int, len(b.conns))
	for ident, set := range b.conns {
		counts[ident] = len(set)
	}
	return counts
}

// Subscribe registers a handler for connect/disconnect events. Events
// are delivered in firing order on a dispatcher goroutine. The returned
// function cancels the subscription.
func (b *Broker) Subscribe(handler func(Event)) func() {
	return b.events.subscribe(handler)
}

// Close stops event dispatch. The broker must not be used afterwards.
func (b *Broker) Close() {
	b.events.close()
}

// pickConnection chooses one connection uniformly at random.
func pickConnection(set map[Connection]struct{}) Connection {
	var n = rand.Intn(len(set))
	for conn := range set {
		if n == 0 {
			return conn
		}
		n--
	}
	panic("unreachable")
}

func remoteAddr(conn Connection) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

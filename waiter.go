package regiond

// waiter is a pending request for any connection to one rack
// controller. Its channel holds at most one delivery; it exists only
// between registration and fulfillment, timeout or cancellation.
type waiter struct {
	ch chan Connection
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan Connection, 1)}
}

// waiterRegistry maps a rack controller ident to its outstanding
// waiters. It is owned by the Broker and must only be touched with the
// broker mutex held.
type waiterRegistry struct {
	waiters map[string]map[*waiter]struct{}
}

func newWaiterRegistry() *waiterRegistry {
	return &waiterRegistry{
		waiters: make(map[string]map[*waiter]struct{}),
	}
}

// register creates a waiter for ident and records it.
func (r *waiterRegistry) register(ident string) *waiter {
	var set, ok = r.waiters[ident]
	if !ok {
		set = make(map[*waiter]struct{})
		r.waiters[ident] = set
	}

	var w = newWaiter()
	set[w] = struct{}{}
	return w
}

// remove deregisters a waiter. It is a no-op if the waiter already
// consumed a delivery and was removed.
func (r *waiterRegistry) remove(ident string, w *waiter) {
	var set, ok = r.waiters[ident]
	if !ok {
		return
	}

	delete(set, w)
	if len(set) == 0 {
		delete(r.waiters, ident)
	}
}

// notify offers conn to every waiter currently registered for ident.
// Each waiter keeps only its first delivery; later offers to the same
// waiter are discarded without error.
func (r *waiterRegistry) notify(ident string, conn Connection) {
	for w := range r.waiters[ident] {
		select {
		case w.ch <- conn:
		default:
		}
	}
}

// pending returns how many waiters are outstanding for ident.
func (r *waiterRegistry) pending(ident string) int {
	return len(r.waiters[ident])
}

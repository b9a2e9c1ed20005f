package regiond

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvents(t *testing.T) {
	var newBroker = func(t *testing.T) *Broker {
		var b = NewBroker()
		t.Cleanup(b.Close)
		return b
	}

	t.Run("should deliver connect and disconnect events in order", func(t *testing.T) {
		// Arrange
		var (
			sut    = newBroker(t)
			conn   = newFakeConn("rack-1")
			mu     sync.Mutex
			events []Event
		)
		var cancel = sut.Subscribe(func(event Event) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		})
		defer cancel()

		// Act
		sut.AddConnection("rack-1", conn)
		sut.RemoveConnection("rack-1", conn)

		// Assert
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(events) == 2
		}, time.Second, 10*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, EventConnected, events[0].Kind)
		assert.Equal(t, EventDisconnected, events[1].Kind)
		assert.Equal(t, "rack-1", events[0].Ident)
		assert.Equal(t, "rack-1", events[1].Ident)
		assert.NotEmpty(t, events[0].RemoteAddr)
	})

	t.Run("should stop delivering after subscription is cancelled", func(t *testing.T) {
		// Arrange
		var (
			sut   = newBroker(t)
			conn  = newFakeConn("rack-1")
			mu    sync.Mutex
			count int
		)
		var cancel = sut.Subscribe(func(Event) {
			mu.Lock()
			count++
			mu.Unlock()
		})

		sut.AddConnection("rack-1", conn)
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return count == 1
		}, time.Second, 10*time.Millisecond)

		// Act
		cancel()
		sut.RemoveConnection("rack-1", conn)

		// Assert - give the dispatcher a chance to misbehave
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1, count)
	})

	t.Run("should not block the broker while a handler is slow", func(t *testing.T) {
		// Arrange
		var (
			sut  = newBroker(t)
			gate = make(chan struct{})
		)
		var cancel = sut.Subscribe(func(Event) {
			<-gate
		})
		defer cancel()
		defer close(gate)

		// Act - the handler is stuck, yet add/remove must return promptly
		var start = time.Now()
		for i := 0; i < 5; i++ {
			var conn = newFakeConn("rack-1")
			sut.AddConnection("rack-1", conn)
			sut.RemoveConnection("rack-1", conn)
		}

		// Assert
		assert.Less(t, time.Since(start), time.Second)
	})
}

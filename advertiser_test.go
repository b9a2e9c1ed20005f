package regiond

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRecord is an in-memory advertising record for loop tests.
type fakeRecord struct {
	mu        sync.Mutex
	updates   int
	updateErr error
	updating  chan struct{} // if set, receives on update entry
	release   chan struct{} // if set, update blocks until it closes
	demoted   bool
}

func (r *fakeRecord) Update(ctx context.Context, endpoints []Endpoint) error {
	r.mu.Lock()
	r.updates++
	var updating, release, err = r.updating, r.release, r.updateErr
	r.mu.Unlock()

	if updating != nil {
		updating <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return err
}

func (r *fakeRecord) Demote(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.demoted = true
	return nil
}

func (r *fakeRecord) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

func (r *fakeRecord) wasDemoted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.demoted
}

func TestAdvertiser(t *testing.T) {
	var (
		fastOptions = func() options {
			var o = defaultOptions()
			o.tickInterval = 10 * time.Millisecond
			o.startRetryDelay = 10 * time.Millisecond
			return o
		}
		noEndpoints = func() []Endpoint {
			return nil
		}
	)

	t.Run("should promote and reach running state", func(t *testing.T) {
		// Arrange
		var (
			record  = &fakeRecord{}
			promote = func(ctx context.Context) (advertisingRecord, error) {
				return record, nil
			}
			sut = newAdvertiser(promote, noEndpoints, fastOptions())
		)

		// Act
		require.NoError(t, sut.Start())

		// Assert
		require.Eventually(t, func() bool {
			return sut.State() == StateRunning
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, sut.Stop(context.Background()))
		assert.Equal(t, StateStopped, sut.State())
	})

	t.Run("should retry promotion failures until they stop", func(t *testing.T) {
		// Arrange
		var (
			mu       sync.Mutex
			attempts int
			record   = &fakeRecord{}
		)
		var promote = func(ctx context.Context) (advertisingRecord, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return nil, errors.New("store unavailable")
			}
			return record, nil
		}
		var sut = newAdvertiser(promote, noEndpoints, fastOptions())

		// Act
		require.NoError(t, sut.Start())

		// Assert - failures during starting are retried, never fatal
		require.Eventually(t, func() bool {
			return sut.State() == StateRunning
		}, time.Second, 5*time.Millisecond)

		mu.Lock()
		assert.GreaterOrEqual(t, attempts, 3)
		mu.Unlock()

		require.NoError(t, sut.Stop(context.Background()))
	})

	t.Run("should keep ticking when updates fail", func(t *testing.T) {
		// Arrange - first update succeeds so starting completes, then
		// every tick fails.
		var (
			record  = &fakeRecord{}
			promote = func(ctx context.Context) (advertisingRecord, error) {
				return record, nil
			}
			sut = newAdvertiser(promote, noEndpoints, fastOptions())
		)

		require.NoError(t, sut.Start())
		require.Eventually(t, func() bool {
			return sut.State() == StateRunning
		}, time.Second, 5*time.Millisecond)

		record.mu.Lock()
		record.updateErr = errors.New("transaction conflict")
		record.mu.Unlock()

		var before = record.updateCount()

		// Act & Assert - the timer survives tick failures
		require.Eventually(t, func() bool {
			return record.updateCount() >= before+3
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, StateRunning, sut.State())

		require.NoError(t, sut.Stop(context.Background()))
	})

	t.Run("should demote on stop after running", func(t *testing.T) {
		// Arrange
		var (
			record  = &fakeRecord{}
			promote = func(ctx context.Context) (advertisingRecord, error) {
				return record, nil
			}
			sut = newAdvertiser(promote, noEndpoints, fastOptions())
		)
		require.NoError(t, sut.Start())
		require.Eventually(t, func() bool {
			return sut.State() == StateRunning
		}, time.Second, 5*time.Millisecond)

		// Act
		require.NoError(t, sut.Stop(context.Background()))

		// Assert
		assert.True(t, record.wasDemoted())
		assert.Equal(t, StateStopped, sut.State())
	})

	t.Run("should skip demote when stopped before promotion completes", func(t *testing.T) {
		// Arrange - promotion never succeeds
		var (
			record  = &fakeRecord{}
			promote = func(ctx context.Context) (advertisingRecord, error) {
				return nil, errors.New("store unavailable")
			}
			sut = newAdvertiser(promote, noEndpoints, fastOptions())
		)
		require.NoError(t, sut.Start())
		time.Sleep(30 * time.Millisecond)

		// Act
		require.NoError(t, sut.Stop(context.Background()))

		// Assert
		assert.False(t, record.wasDemoted())
		assert.Equal(t, StateStopped, sut.State())
	})

	t.Run("should wait for an in-flight tick before demoting", func(t *testing.T) {
		// Arrange - block the tick after start-up completes
		var (
			record = &fakeRecord{
				updating: make(chan struct{}, 8),
				release:  make(chan struct{}),
			}
			promote = func(ctx context.Context) (advertisingRecord, error) {
				return record, nil
			}
			sut = newAdvertiser(promote, noEndpoints, fastOptions())
		)
		require.NoError(t, sut.Start())
		<-record.updating // first update (start-up) entered
		close(record.release)
		record.mu.Lock()
		record.release = make(chan struct{})
		record.mu.Unlock()
		require.Eventually(t, func() bool {
			return sut.State() == StateRunning
		}, time.Second, 5*time.Millisecond)
		<-record.updating // a periodic tick is now in flight and blocked

		var stopped = make(chan error, 1)
		go func() {
			stopped <- sut.Stop(context.Background())
		}()

		// Assert - stop must not complete while the tick is in flight
		select {
		case <-stopped:
			t.Fatal("stop returned while a tick was in flight")
		case <-time.After(50 * time.Millisecond):
		}

		// Act - let the tick finish
		record.mu.Lock()
		close(record.release)
		record.mu.Unlock()

		require.NoError(t, <-stopped)
		assert.True(t, record.wasDemoted())
	})

	t.Run("should reject starting twice", func(t *testing.T) {
		// Arrange
		var (
			record  = &fakeRecord{}
			promote = func(ctx context.Context) (advertisingRecord, error) {
				return record, nil
			}
			sut = newAdvertiser(promote, noEndpoints, fastOptions())
		)
		require.NoError(t, sut.Start())
		defer sut.Stop(context.Background())

		// Act & Assert
		require.ErrorIs(t, sut.Start(), ErrAlreadyStarted)
	})

	t.Run("should reject stopping before starting", func(t *testing.T) {
		// Arrange
		var sut = newAdvertiser(nil, noEndpoints, fastOptions())

		// Act & Assert
		require.ErrorIs(t, sut.Stop(context.Background()), ErrNotStarted)
	})
}

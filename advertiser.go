package regiond

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// AdvertiserState is the lifecycle state of the advertising loop.
type AdvertiserState int32

const (
	StateStopped AdvertiserState = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s AdvertiserState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// advertisingRecord is the store-backed record the loop drives. It is
// satisfied by *Advertising; tests substitute fakes.
type advertisingRecord interface {
	Update(ctx context.Context, endpoints []Endpoint) error
	Demote(ctx context.Context) error
}

// Advertiser periodically publishes this process's identity and
// endpoints. Starting promotes and performs the first update, retrying
// on a fixed backoff until cancelled; failures never kill the process.
// While running, tick failures are logged in full and swallowed so the
// timer always survives.
type Advertiser struct {
	promote   func(ctx context.Context) (advertisingRecord, error)
	endpoints func() []Endpoint
	options   options

	mu     sync.Mutex
	state  AdvertiserState
	record advertisingRecord
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAdvertiser creates the advertising loop for this process. The
// endpoints function is consulted on every tick, so transiently unbound
// listeners simply advertise an empty set until they return.
func NewAdvertiser(db *sql.DB, regionID, hostname string, macs []string, endpoints func() []Endpoint, opts ...Option) *Advertiser {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	var promote = func(ctx context.Context) (advertisingRecord, error) {
		return Promote(ctx, db, regionID, hostname, macs, opts...)
	}

	return newAdvertiser(promote, endpoints, options)
}

func newAdvertiser(promote func(ctx context.Context) (advertisingRecord, error), endpoints func() []Endpoint, options options) *Advertiser {
	return &Advertiser{
		promote:   promote,
		endpoints: endpoints,
		options:   options,
		state:     StateStopped,
	}
}

// Start launches the loop. It returns immediately; promotion proceeds
// in the background.
func (ad *Advertiser) Start() error {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	if ad.state != StateStopped {
		return fmt.Errorf("advertiser is %s: %w", ad.state, ErrAlreadyStarted)
	}

	var ctx context.Context
	ctx, ad.cancel = context.WithCancel(context.Background())
	ad.done = make(chan struct{})
	ad.state = StateStarting

	go ad.run(ctx)
	return nil
}

func (ad *Advertiser) run(ctx context.Context) {
	defer close(ad.done)

	var record, ok = ad.startUp(ctx)
	if !ok {
		return
	}

	ad.mu.Lock()
	ad.record = record
	ad.state = StateRunning
	ad.mu.Unlock()

	var ticker = time.NewTicker(ad.options.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := record.Update(ctx, ad.endpoints()); err != nil {
				if ctx.Err() != nil {
					return
				}
				ad.options.logger.Error("failed to advertise", "error", err)
			}
		}
	}
}

// startUp promotes and performs the first update, retrying on a fixed
// backoff until both succeed or the loop is cancelled.
func (ad *Advertiser) startUp(ctx context.Context) (advertisingRecord, bool) {
	for {
		record, err := ad.promote(ctx)
		if err == nil {
			if err = record.Update(ctx, ad.endpoints()); err == nil {
				return record, true
			}
		}

		if ctx.Err() != nil {
			return nil, false
		}

		ad.options.logger.Error("failed to start advertising, will retry",
			"error", err,
			"retry_in", ad.options.startRetryDelay)

		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(ad.options.startRetryDelay):
		}
	}
}

// Stop cancels the loop, waits for any in-flight tick to finish, then
// demotes. It is safe to call while the loop is still starting, in
// which case the in-progress start is cancelled and demotion skipped
// because promotion never completed.
func (ad *Advertiser) Stop(ctx context.Context) error {
	ad.mu.Lock()
	if ad.state == StateStopped || ad.state == StateStopping {
		ad.mu.Unlock()
		return ErrNotStarted
	}
	ad.state = StateStopping
	var cancel, done = ad.cancel, ad.done
	ad.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for advertising loop to stop: %w", ctx.Err())
	}

	ad.mu.Lock()
	var record = ad.record
	ad.record = nil
	ad.cancel = nil
	ad.state = StateStopped
	ad.mu.Unlock()

	if record != nil {
		if err := record.Demote(ctx); err != nil {
			return fmt.Errorf("failed to demote: %w", err)
		}
	}
	return nil
}

// State returns the loop's current lifecycle state.
func (ad *Advertiser) State() AdvertiserState {
	ad.mu.Lock()
	defer ad.mu.Unlock()
	return ad.state
}

// Current returns the live advertising record, or nil before promotion
// completes.
func (ad *Advertiser) Current() *Advertising {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	if advertising, ok := ad.record.(*Advertising); ok {
		return advertising
	}
	return nil
}

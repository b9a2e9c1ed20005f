package regiond

import (
	"io"
	"log/slog"
	"time"
)

// options configures the region service behavior (internal only).
type options struct {
	expectedProcesses int
	stalenessWindow   time.Duration
	tickInterval      time.Duration
	lookupTimeout     time.Duration
	startRetryDelay   time.Duration
	logger            *slog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		expectedProcesses: 4,
		stalenessWindow:   90 * time.Second,
		tickInterval:      30 * time.Second,
		lookupTimeout:     30 * time.Second,
		startRetryDelay:   5 * time.Second,
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring the region service.
type Option func(*options)

// WithExpectedProcesses sets how many region processes are expected to
// be advertising before the region controller counts as fully running.
func WithExpectedProcesses(count int) Option {
	return func(o *options) {
		o.expectedProcesses = count
	}
}

// WithStalenessWindow sets how long a process row may go without a
// refresh before peers consider it dead and prune it.
func WithStalenessWindow(window time.Duration) Option {
	return func(o *options) {
		o.stalenessWindow = window
	}
}

// WithTickInterval sets how often the advertising loop republishes this
// process's endpoints.
func WithTickInterval(interval time.Duration) Option {
	return func(o *options) {
		o.tickInterval = interval
	}
}

// WithLookupTimeout sets the default timeout for connection lookups
// that park a waiter.
func WithLookupTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.lookupTimeout = timeout
	}
}

// WithStartRetryDelay sets the backoff between promotion attempts while
// the advertising loop is starting.
func WithStartRetryDelay(delay time.Duration) Option {
	return func(o *options) {
		o.startRetryDelay = delay
	}
}

// WithLogger sets the logger for the service.
// If the logger is nil, the service will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}

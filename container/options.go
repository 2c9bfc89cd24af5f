package container

import (
	"io"
	"log/slog"
	"time"
)

const (
	defaultMaxWorkers         = 10
	defaultParentCallsTracked = 10
	defaultStaleThreshold     = 30 * time.Second
	defaultShutdownTimeout    = 30 * time.Second
)

// Config carries the container's boot-time settings. Its fields map
// directly onto the module's configuration keys (core/config.RelayConfig):
// MaxWorkers from MAX_WORKERS, ParentCallsTracked from PARENT_CALLS_TRACKED.
type Config struct {
	ServiceName        string
	MaxWorkers         int
	ParentCallsTracked int
}

type options struct {
	logger          *slog.Logger
	staleThreshold  time.Duration
	shutdownTimeout time.Duration
	newID           func() string
}

// Option configures optional Container behavior beyond Config.
type Option func(*options)

// WithLogger sets the structured logger used for lifecycle and worker
// events. Defaults to a logger discarding everything, matching the
// teacher's command.Dispatcher/queue.Worker default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStaleThreshold sets how long the worker pool may stay fully saturated
// before Healthcheck reports ErrStuck.
func WithStaleThreshold(d time.Duration) Option {
	return func(o *options) { o.staleThreshold = d }
}

// WithShutdownTimeout bounds how long Stop waits for in-flight workers to
// drain before giving up and returning control to the caller (the managed
// threads and dependencies continue their own stop sequence regardless).
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) { o.shutdownTimeout = d }
}

// WithIDGenerator overrides the unique-ID generator used to build worker
// contexts. Defaults to uuid.NewString; tests may supply a deterministic
// generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

func defaultOptions() options {
	return options{
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		staleThreshold:  defaultStaleThreshold,
		shutdownTimeout: defaultShutdownTimeout,
	}
}

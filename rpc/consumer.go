package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/relaykit/relaykit/broker"
	"github.com/relaykit/relaykit/core/logger"
)

// KillFunc is the owning container's Kill method, injected into Consumer so
// a fatal dispatch error can bring the container down without rpc
// importing container (which itself does not import rpc, avoiding a cycle).
type KillFunc func(ctx context.Context, cause error) error

// Consumer is the shared, per-container RPC consumer (§4.4): one durable
// queue, "rpc-{service}", bound to every routing key under
// "{service}.*", fanning deliveries out to whichever EntrypointProvider
// registered for that method. Exactly one Consumer exists per container,
// shared by every EntrypointProvider the service declares.
type Consumer struct {
	service   string
	exchange  string
	br        broker.Broker
	logger    *slog.Logger
	kill      KillFunc
	responder *Responder

	mu        sync.RWMutex
	providers map[string]*EntrypointProvider

	dispatched atomic.Int64
	notFound   atomic.Int64
	cancel     context.CancelFunc
	stopped    chan struct{}
	startOnce  sync.Once
}

// NewConsumer builds a Consumer for service, publishing/consuming on
// exchange via br. kill is called with a fatal error if dispatch fails for
// any reason other than method-not-found, which is replied to and is not
// fatal.
func NewConsumer(service, exchange string, br broker.Broker, kill KillFunc, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Consumer{
		service:   service,
		exchange:  exchange,
		br:        br,
		logger:    logger,
		kill:      kill,
		responder: NewResponder(exchange, br),
		providers: make(map[string]*EntrypointProvider),
		stopped:   make(chan struct{}),
	}
}

// register binds an EntrypointProvider under its method name. Called by
// EntrypointProvider.Start.
func (c *Consumer) register(p *EntrypointProvider) {
	c.mu.Lock()
	c.providers[p.methodName] = p
	c.mu.Unlock()
}

// unregister removes an EntrypointProvider's binding. Called by
// EntrypointProvider.Stop/Kill; once unregistered, further deliveries for
// that method are treated as method-not-found.
func (c *Consumer) unregister(methodName string) {
	c.mu.Lock()
	delete(c.providers, methodName)
	c.mu.Unlock()
}

// Prepare declares the exchange.
func (c *Consumer) Prepare(ctx context.Context) error {
	return c.br.DeclareExchange(ctx, c.exchange)
}

// Start subscribes to the service's binding pattern and begins dispatching
// deliveries. Safe to call more than once; only the first call starts the
// dispatch loop.
func (c *Consumer) Start(ctx context.Context) error {
	var startErr error
	c.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		deliveries, err := c.br.Consume(runCtx, c.exchange, QueueName(c.service), BindingPattern(c.service))
		if err != nil {
			startErr = fmt.Errorf("rpc: consumer subscribe: %w", err)
			cancel()
			close(c.stopped)
			return
		}
		go c.run(runCtx, deliveries)
	})
	return startErr
}

func (c *Consumer) run(ctx context.Context, deliveries <-chan broker.Message) {
	defer close(c.stopped)
	for msg := range deliveries {
		c.dispatch(ctx, msg)
	}
}

func (c *Consumer) dispatch(ctx context.Context, msg broker.Message) {
	method, ok := MethodFromRoutingKey(c.service, msg.RoutingKey)
	if !ok {
		c.replyMethodNotFound(ctx, msg, msg.RoutingKey)
		return
	}

	c.mu.RLock()
	provider, ok := c.providers[method]
	c.mu.RUnlock()
	if !ok {
		c.replyMethodNotFound(ctx, msg, method)
		return
	}

	var req Request
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		c.fail(ctx, msg, fmt.Errorf("rpc: decode request: %w", err))
		return
	}

	c.dispatched.Add(1)
	if err := provider.deliver(ctx, msg, req); err != nil {
		c.fail(ctx, msg, fmt.Errorf("rpc: dispatch %s: %w", method, err))
	}
}

// replyMethodNotFound handles §4.4's explicit, non-fatal path: an unrouted
// delivery gets a MethodNotFound reply and is acknowledged (acknowledgement
// is implicit for this broker model: the delivery was already taken off the
// channel by the time dispatch runs). This does not kill the container,
// unlike every other dispatch failure (§7: "Method-not-found ... does NOT
// kill the container").
func (c *Consumer) replyMethodNotFound(ctx context.Context, msg broker.Message, name string) {
	c.notFound.Add(1)
	err := fmt.Errorf("%w: %q", ErrMethodNotFound, name)
	c.logger.WarnContext(ctx, "rpc: method not found",
		logger.ServiceName(c.service), logger.RoutingKey(msg.RoutingKey))
	reply := Reply{Error: NewErrorEnvelope(err)}
	if sendErr := c.responder.Reply(ctx, msg.ReplyTo, msg.CorrelationID, reply); sendErr != nil {
		c.logger.ErrorContext(ctx, "rpc: failed to publish method-not-found reply",
			logger.ServiceName(c.service), logger.Error(sendErr))
	}
}

// fail treats any routing/dispatch error other than method-not-found as
// fatal, per REDESIGN FLAGS: the shared consumer has no way to recover the
// caller's expectations once dispatch itself breaks (a malformed body, a
// worker that cannot be spawned), so rather than guess at a lenient retry policy it kills
// the owning container.
func (c *Consumer) fail(ctx context.Context, msg broker.Message, err error) {
	c.logger.ErrorContext(ctx, "rpc: fatal dispatch error",
		logger.ServiceName(c.service), logger.RoutingKey(msg.RoutingKey), logger.Error(err))
	if c.kill != nil {
		go func() { _ = c.kill(context.Background(), err) }()
	}
}

// Stop stops accepting new deliveries.
func (c *Consumer) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
		<-c.stopped
	}
	return nil
}

// Kill is equivalent to Stop for the consumer: there is nothing further to
// unwind beyond tearing down the subscription.
func (c *Consumer) Kill(ctx context.Context, cause error) error {
	return c.Stop(ctx)
}

// Stats reports dispatch accounting (supplemented feature, grounded on
// command.Dispatcher.Stats).
type Stats struct {
	Dispatched     int64
	MethodNotFound int64
}

// Stats returns a snapshot of dispatch counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Dispatched:     c.dispatched.Load(),
		MethodNotFound: c.notFound.Load(),
	}
}

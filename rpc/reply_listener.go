package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/relaykit/relaykit/broker"
	"github.com/relaykit/relaykit/core/logger"
	"github.com/relaykit/relaykit/pkg/async"
)

// ReplyListener owns the single per-container reply queue,
// "rpc.reply-{service}-{uuid}" (§4.7, §6.3), and correlates each arriving
// reply back to the Proxy call that is waiting on it via a
// correlation-ID-to-one-shot-event map.
type ReplyListener struct {
	service string
	queue   string
	exchange string
	br      broker.Broker
	logger  *slog.Logger

	mu     sync.Mutex
	events map[string]*async.Event

	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewReplyListener builds a ReplyListener for service, publishing/consuming
// on exchange via br.
func NewReplyListener(service, exchange string, br broker.Broker, logger *slog.Logger) *ReplyListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyListener{
		service:  service,
		queue:    ReplyQueueName(service, uuid.NewString()),
		exchange: exchange,
		br:       br,
		logger:   logger,
		events:   make(map[string]*async.Event),
		stopped:  make(chan struct{}),
	}
}

// QueueName returns this listener's reply queue name, to be sent as
// reply_to on outgoing calls.
func (l *ReplyListener) QueueName() string { return l.queue }

// Prepare declares the exchange.
func (l *ReplyListener) Prepare(ctx context.Context) error {
	return l.br.DeclareExchange(ctx, l.exchange)
}

// Start subscribes to this listener's reply queue.
func (l *ReplyListener) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	deliveries, err := l.br.Consume(runCtx, l.exchange, l.queue, l.queue)
	if err != nil {
		cancel()
		close(l.stopped)
		return fmt.Errorf("rpc: reply listener subscribe: %w", err)
	}
	go l.run(runCtx, deliveries)
	return nil
}

func (l *ReplyListener) run(ctx context.Context, deliveries <-chan broker.Message) {
	defer close(l.stopped)
	for msg := range deliveries {
		l.deliver(ctx, msg)
	}
}

func (l *ReplyListener) deliver(ctx context.Context, msg broker.Message) {
	l.mu.Lock()
	ev, ok := l.events[msg.CorrelationID]
	if ok {
		delete(l.events, msg.CorrelationID)
	}
	l.mu.Unlock()
	if !ok {
		l.logger.WarnContext(ctx, "rpc: reply for unknown correlation id",
			logger.CorrelationID(msg.CorrelationID))
		return
	}

	var reply Reply
	if err := json.Unmarshal(msg.Body, &reply); err != nil {
		ev.Fire(fmt.Errorf("rpc: decode reply: %w", err))
		return
	}
	ev.Fire(reply)
}

// Await registers correlationID and returns the Event that will fire once
// the matching reply arrives (or the caller gives up and calls Forget).
func (l *ReplyListener) Await(correlationID string) *async.Event {
	ev := async.NewEvent()
	l.mu.Lock()
	l.events[correlationID] = ev
	l.mu.Unlock()
	return ev
}

// Forget removes a pending correlation ID, e.g. after a timed-out call.
func (l *ReplyListener) Forget(correlationID string) {
	l.mu.Lock()
	delete(l.events, correlationID)
	l.mu.Unlock()
}

// Stop stops accepting new deliveries.
func (l *ReplyListener) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
		<-l.stopped
	}
	return nil
}

// Kill is equivalent to Stop for the reply listener.
func (l *ReplyListener) Kill(ctx context.Context, cause error) error {
	return l.Stop(ctx)
}

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/relaykit/relaykit/core/logger"
)

// wireMessage is the envelope published on a redis channel. Redis pub/sub
// carries only an opaque payload, no headers or routing metadata of its
// own, so RedisBroker folds everything Message needs into this envelope.
type wireMessage struct {
	RoutingKey    string            `json:"routing_key"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          []byte            `json:"body"`
}

// RedisBroker implements Broker on top of redis PUBLISH/PSUBSCRIBE. It is
// the default transport: topic routing is server-side via redis's glob
// pattern matching, at the cost of AMQP's exact single-segment "*"
// semantics (redis "*" matches across "." boundaries too; for the RPC
// consumer's binding pattern, "{service}.*", that is a strict superset,
// never a miss, and the reply listener binds its literal queue name, which
// holds no wildcard).
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewRedisBroker wraps an already-connected *redis.Client. Connection
// lifecycle (dialing, retries, health checks) is owned by
// integration/database/redis, not by this package.
func NewRedisBroker(client *redis.Client, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{client: client, logger: logger}
}

// DeclareExchange has nothing to declare on redis; it only checks
// connectivity.
func (b *RedisBroker) DeclareExchange(ctx context.Context, exchange string) error {
	return b.client.Ping(ctx).Err()
}

// Publish JSON-encodes a wireMessage and PUBLISHes it on
// "{exchange}:{routingKey}".
func (b *RedisBroker) Publish(ctx context.Context, exchange string, opts PublishOptions, body []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	wm := wireMessage{
		RoutingKey:    opts.RoutingKey,
		ReplyTo:       opts.ReplyTo,
		CorrelationID: opts.CorrelationID,
		Headers:       opts.Headers,
		Body:          body,
	}
	payload, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("broker: marshal message: %w", err)
	}
	channel := channelName(exchange, opts.RoutingKey)
	return b.client.Publish(ctx, channel, payload).Err()
}

// Consume PSUBSCRIBEs to "{exchange}:{bindingPattern}" and decodes each
// delivery back into a Message.
func (b *RedisBroker) Consume(ctx context.Context, exchange, queue, bindingPattern string) (<-chan Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	pattern := channelName(exchange, bindingPattern)
	sub := b.client.PSubscribe(ctx, pattern)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("broker: subscribe %s: %w", pattern, err)
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var wm wireMessage
				if err := json.Unmarshal([]byte(raw.Payload), &wm); err != nil {
					b.logger.ErrorContext(ctx, "broker: malformed redis payload",
						logger.Queue(queue), logger.Error(err))
					continue
				}
				msg := Message{
					Body:          wm.Body,
					RoutingKey:    wm.RoutingKey,
					ReplyTo:       wm.ReplyTo,
					CorrelationID: wm.CorrelationID,
					Headers:       wm.Headers,
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close marks the broker closed. In-flight Consume subscriptions are torn
// down by their own context cancellation; Close does not force-close the
// underlying *redis.Client, which may be shared.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func channelName(exchange, routingKey string) string {
	return exchange + ":" + strings.TrimSpace(routingKey)
}

package broker

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaykit/relaykit/core/logger"
)

// PostgresBroker implements Broker on top of LISTEN/NOTIFY, demonstrating
// that the rpc package is broker-agnostic. Postgres channels have no
// wildcard matching of their own (unlike redis PSUBSCRIBE), so every
// exchange is backed by a single LISTEN channel and routing-key matching
// against bindingPattern happens client-side via MatchRoutingKey.
//
// NOTIFY payloads are capped at 8000 bytes by Postgres itself; this
// transport is meant for modestly sized RPC request/reply bodies, not
// bulk payloads.
type PostgresBroker struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewPostgresBroker wraps an already-connected *pgxpool.Pool. Connection
// lifecycle is owned by integration/database/pg, not by this package.
func NewPostgresBroker(pool *pgxpool.Pool, logger *slog.Logger) *PostgresBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresBroker{pool: pool, logger: logger}
}

// DeclareExchange has nothing to declare; it only checks connectivity.
func (b *PostgresBroker) DeclareExchange(ctx context.Context, exchange string) error {
	return b.pool.Ping(ctx)
}

// Publish NOTIFYs the exchange's derived channel with a JSON envelope
// carrying the routing key alongside the body, so consumers can filter.
func (b *PostgresBroker) Publish(ctx context.Context, exchange string, opts PublishOptions, body []byte) error {
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
	channel := pgChannelName(exchange)
	_, err = b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload))
	return err
}

// Consume LISTENs on the exchange's channel using a dedicated connection
// (LISTEN is connection-scoped, so it cannot run through the shared pool)
// and delivers every notification whose routing key matches bindingPattern.
func (b *PostgresBroker) Consume(ctx context.Context, exchange, queue, bindingPattern string) (<-chan Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker: acquire listen connection: %w", err)
	}
	channel := pgChannelName(exchange)
	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		conn.Release()
		return nil, fmt.Errorf("broker: listen %s: %w", channel, err)
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		defer conn.Release()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.ErrorContext(ctx, "broker: postgres notification wait failed",
					logger.Queue(queue), logger.Error(err))
				return
			}
			var wm wireMessage
			if err := json.Unmarshal([]byte(n.Payload), &wm); err != nil {
				b.logger.ErrorContext(ctx, "broker: malformed postgres payload",
					logger.Queue(queue), logger.Error(err))
				continue
			}
			if !MatchRoutingKey(bindingPattern, wm.RoutingKey) {
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
	}()
	return out, nil
}

// Close marks the broker closed. Open Consume connections are released by
// their own context cancellation.
func (b *PostgresBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

var nonIdentRe = regexp.MustCompile(`[^a-z0-9_]+`)

// pgChannelName derives a valid, stable Postgres identifier (<=63 bytes)
// from an arbitrary exchange name.
func pgChannelName(exchange string) string {
	sanitized := nonIdentRe.ReplaceAllString(exchange, "_")
	name := "relay_" + sanitized
	if len(name) <= 63 {
		return name
	}
	sum := sha1.Sum([]byte(exchange))
	return "relay_" + hex.EncodeToString(sum[:])[:16]
}

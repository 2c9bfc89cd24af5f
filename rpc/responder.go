package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaykit/relaykit/broker"
)

const (
	responderMaxRetries  = 3
	responderRetryWait   = 100 * time.Millisecond
)

// Responder publishes RPC replies to a caller's reply_to queue, correlated
// by correlation_id (§4.6), retrying transient publish failures up to
// responderMaxRetries times.
type Responder struct {
	exchange string
	br       broker.Broker
}

// NewResponder builds a Responder publishing on exchange via br.
func NewResponder(exchange string, br broker.Broker) *Responder {
	return &Responder{exchange: exchange, br: br}
}

// Reply publishes reply to replyTo, tagged with correlationID.
func (r *Responder) Reply(ctx context.Context, replyTo, correlationID string, reply Reply) error {
	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("rpc: marshal reply: %w", err)
	}

	opts := broker.PublishOptions{
		RoutingKey:    replyTo,
		CorrelationID: correlationID,
	}

	var lastErr error
	for attempt := 0; attempt <= responderMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(responderRetryWait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = r.br.Publish(ctx, r.exchange, opts, body); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("rpc: publish reply after %d attempts: %w", responderMaxRetries+1, lastErr)
}

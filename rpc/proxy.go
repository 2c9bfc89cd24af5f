package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/relaykit/relaykit/broker"
)

// CallerContext is the subset of *workerctx.Context a Proxy needs to
// propagate call-chain data to a nested call. A nil CallerContext means the
// call originates outside any worker (e.g. a CLI or test harness), so no
// call chain is propagated.
type CallerContext interface {
	ContextData() map[string]any
}

// Proxy is the outbound service/method proxy (§4.8): it publishes a
// request, registers a correlation ID with the container's ReplyListener,
// and cooperatively waits for the matching reply.
type Proxy struct {
	exchange string
	br       broker.Broker
	replies  *ReplyListener
}

// NewProxy builds a Proxy publishing on exchange via br, correlating
// replies through replies.
func NewProxy(exchange string, br broker.Broker, replies *ReplyListener) *Proxy {
	return &Proxy{exchange: exchange, br: br, replies: replies}
}

// Call invokes service.method(args, kwargs) and blocks until a reply
// arrives or ctx is done. caller, if non-nil, supplies the context data
// (including call ID stack) to propagate to the callee.
func (p *Proxy) Call(ctx context.Context, service, method string, args []any, kwargs map[string]any, caller CallerContext) (any, error) {
	req := Request{Args: args, Kwargs: kwargs}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}

	correlationID := uuid.NewString()
	var headers map[string]string
	if caller != nil {
		headers = EncodeHeaders(caller.ContextData())
	}

	ev := p.replies.Await(correlationID)

	opts := broker.PublishOptions{
		RoutingKey:    RequestRoutingKey(service, method),
		ReplyTo:       p.replies.QueueName(),
		CorrelationID: correlationID,
		Headers:       headers,
	}
	if err := p.br.Publish(ctx, p.exchange, opts, body); err != nil {
		p.replies.Forget(correlationID)
		return nil, fmt.Errorf("rpc: publish request: %w", err)
	}

	select {
	case <-ev.Done():
		switch v := ev.Wait().(type) {
		case Reply:
			if v.Error != nil {
				return nil, v.Error
			}
			return v.Result, nil
		case error:
			return nil, v
		default:
			return nil, fmt.Errorf("rpc: unexpected reply value %T", v)
		}
	case <-ctx.Done():
		p.replies.Forget(correlationID)
		return nil, ErrProxyTimeout
	}
}

package rpc

import (
	"context"
	"fmt"

	"github.com/relaykit/relaykit/broker"
	"github.com/relaykit/relaykit/workerctx"
)

// Spawner is the subset of *container.Container an EntrypointProvider
// needs. Defined here rather than imported so rpc has no dependency on
// container (container has none on rpc either).
type Spawner interface {
	SpawnWorker(ctx context.Context, methodName string, args []any, kwargs map[string]any, data map[string]any, handleResult func(wc *workerctx.Context, result any, err error)) (*workerctx.Context, error)
}

// EntrypointProvider is the per-method RPC entrypoint (§4.5): it registers
// itself with the service's shared Consumer under a method name, and turns
// each matching delivery into a container.SpawnWorker call, replying
// through a Responder once the worker finishes.
type EntrypointProvider struct {
	methodName string
	consumer   *Consumer
	spawner    Spawner
	responder  *Responder
}

// NewEntrypointProvider builds a provider for methodName, backed by
// consumer for delivery routing, spawner for worker execution, and
// responder for reply publication.
func NewEntrypointProvider(methodName string, consumer *Consumer, spawner Spawner, responder *Responder) *EntrypointProvider {
	return &EntrypointProvider{
		methodName: methodName,
		consumer:   consumer,
		spawner:    spawner,
		responder:  responder,
	}
}

// EntrypointName implements depset.Entrypoint.
func (p *EntrypointProvider) EntrypointName() string { return p.methodName }

// Prepare is a no-op; the shared Consumer owns exchange declaration.
func (p *EntrypointProvider) Prepare(ctx context.Context) error { return nil }

// Start registers this provider with the shared Consumer so deliveries
// routed to its method name reach it.
func (p *EntrypointProvider) Start(ctx context.Context) error {
	p.consumer.register(p)
	return nil
}

// Stop unregisters this provider; no new deliveries for its method will be
// dispatched afterward (§4.3's "stop entrypoints" step, before the worker
// pool drain).
func (p *EntrypointProvider) Stop(ctx context.Context) error {
	p.consumer.unregister(p.methodName)
	return nil
}

// Kill is equivalent to Stop for an entrypoint provider: unregister
// immediately.
func (p *EntrypointProvider) Kill(ctx context.Context, cause error) error {
	p.consumer.unregister(p.methodName)
	return nil
}

// deliver is called by the Consumer's dispatch loop for a matched delivery.
// It spawns a worker and, once it completes, publishes the reply via
// Responder.
func (p *EntrypointProvider) deliver(ctx context.Context, msg broker.Message, req Request) error {
	data := DecodeHeaders(msg.Headers)
	_, err := p.spawner.SpawnWorker(ctx, p.methodName, req.Args, req.Kwargs, data, func(wc *workerctx.Context, result any, callErr error) {
		reply := Reply{Result: result}
		if callErr != nil {
			reply.Result = nil
			reply.Error = NewErrorEnvelope(callErr)
		}
		if p.responder != nil {
			_ = p.responder.Reply(context.Background(), msg.ReplyTo, msg.CorrelationID, reply)
		}
	})
	if err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}
	return nil
}

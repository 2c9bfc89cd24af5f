package rpc

import (
	"context"

	"github.com/relaykit/relaykit/broker"
	"github.com/relaykit/relaykit/depset"
)

// ServiceProxy is the per-worker value bound onto a service instance by
// ProxyInjection: a Proxy pre-bound to one target service, with the
// invoking worker's call-chain context attached to every call it makes so
// nested RPC hops keep propagating the call ID stack (§6.2).
type ServiceProxy struct {
	proxy   *Proxy
	service string
	caller  CallerContext
}

// Call invokes method on the bound target service, waiting for the reply.
func (s *ServiceProxy) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	return s.proxy.Call(ctx, s.service, method, args, kwargs, s.caller)
}

// ProxyInjection is the Service/Method Proxy (§4.8) expressed as a
// depset.Injection: declared once per target service a service depends on,
// it binds a *ServiceProxy onto the service instance under InjectionName
// for the duration of each worker.
type ProxyInjection struct {
	name          string
	targetService string
	proxy         *Proxy
}

// NewProxyInjection builds a ProxyInjection bound under name, calling
// targetService over exchange via br, correlating replies through replies.
// replies must already be part of the same container's dependency set (it
// has its own Prepare/Start/Stop/Kill lifecycle as a nested provider);
// ProxyInjection itself owns no broker resources of its own to prepare.
func NewProxyInjection(name, targetService, exchange string, br broker.Broker, replies *ReplyListener) *ProxyInjection {
	return &ProxyInjection{
		name:          name,
		targetService: targetService,
		proxy:         NewProxy(exchange, br, replies),
	}
}

// InjectionName implements depset.Injection.
func (p *ProxyInjection) InjectionName() string { return p.name }

// Prepare is a no-op: the underlying ReplyListener, not this injection,
// owns the reply queue's lifecycle.
func (p *ProxyInjection) Prepare(ctx context.Context) error { return nil }

// Start is a no-op for the same reason as Prepare.
func (p *ProxyInjection) Start(ctx context.Context) error { return nil }

// Stop is a no-op for the same reason as Prepare.
func (p *ProxyInjection) Stop(ctx context.Context) error { return nil }

// Kill is a no-op for the same reason as Prepare.
func (p *ProxyInjection) Kill(ctx context.Context, cause error) error { return nil }

// Inject binds a *ServiceProxy carrying wc's call-chain context onto the
// worker's service instance.
func (p *ProxyInjection) Inject(ctx context.Context, wc depset.WorkerContext) (any, error) {
	caller, _ := wc.(CallerContext)
	return &ServiceProxy{proxy: p.proxy, service: p.targetService, caller: caller}, nil
}

// WorkerSetup is a no-op: there is no per-worker state to prepare beyond
// the bound *ServiceProxy value itself.
func (p *ProxyInjection) WorkerSetup(ctx context.Context, wc depset.WorkerContext) error { return nil }

// WorkerResult is a no-op: the proxy has no interest in the worker's own
// outcome, only in replies to calls it makes on the worker's behalf.
func (p *ProxyInjection) WorkerResult(ctx context.Context, wc depset.WorkerContext, result any, resultErr error) error {
	return nil
}

// WorkerTeardown is a no-op.
func (p *ProxyInjection) WorkerTeardown(ctx context.Context, wc depset.WorkerContext) error { return nil }

// Release is a no-op: a *ServiceProxy holds no per-worker resource that
// needs releasing; any in-flight call it made was already resolved or
// forgotten by the time the worker pipeline reaches Release.
func (p *ProxyInjection) Release(ctx context.Context, wc depset.WorkerContext) error { return nil }

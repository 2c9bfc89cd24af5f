package container_test

// End-to-end coverage of scenario 2 in the core spec's testable
// properties: three services (grandparent, parent, child) wired with real
// rpc.Consumer/EntrypointProvider/ReplyListener/ProxyInjection instances
// sharing one in-memory broker, each owned by its own container.Container.
// Grandparent.grandparent_do calls Parent.parent_do, which calls
// Child.child_do, which returns 1. This exercises every component in the
// spec's data flow (§2) together, not just in isolation.

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/relaykit/broker"
	"github.com/relaykit/relaykit/container"
	"github.com/relaykit/relaykit/depset"
	"github.com/relaykit/relaykit/rpc"
	"github.com/relaykit/relaykit/workerctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBroker is a minimal in-process broker.Broker shared by every
// container in this test, standing in for a real redis/postgres transport.
type memBroker struct {
	mu   sync.Mutex
	subs []*memSub
}

type memSub struct {
	exchange, pattern string
	ch                chan broker.Message
}

func (b *memBroker) DeclareExchange(ctx context.Context, exchange string) error { return nil }

func (b *memBroker) Publish(ctx context.Context, exchange string, opts broker.PublishOptions, body []byte) error {
	msg := broker.Message{
		Body:          body,
		RoutingKey:    opts.RoutingKey,
		ReplyTo:       opts.ReplyTo,
		CorrelationID: opts.CorrelationID,
		Headers:       opts.Headers,
	}
	b.mu.Lock()
	subs := append([]*memSub(nil), b.subs...)
	b.mu.Unlock()
	for _, s := range subs {
		if s.exchange == exchange && broker.MatchRoutingKey(s.pattern, opts.RoutingKey) {
			s.ch <- msg
		}
	}
	return nil
}

func (b *memBroker) Consume(ctx context.Context, exchange, queue, bindingPattern string) (<-chan broker.Message, error) {
	ch := make(chan broker.Message, 16)
	s := &memSub{exchange: exchange, pattern: bindingPattern, ch: ch}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (b *memBroker) Close() error { return nil }

// recordingService forwards Invoke calls to a closure and remembers
// whichever *rpc.ServiceProxy injections get bound to it, so the closure
// can reach them to make a nested call.
type recordingService struct {
	mu      sync.Mutex
	proxies map[string]*rpc.ServiceProxy
	invoke  func(ctx context.Context, s *recordingService, method string, args []any, kwargs map[string]any) (any, error)
}

func (s *recordingService) BindInjection(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proxies == nil {
		s.proxies = map[string]*rpc.ServiceProxy{}
	}
	if p, ok := value.(*rpc.ServiceProxy); ok {
		s.proxies[name] = p
	}
}

func (s *recordingService) proxy(name string) *rpc.ServiceProxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxies[name]
}

func (s *recordingService) Invoke(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	return s.invoke(ctx, s, method, args, kwargs)
}

// TestEndToEnd_CallChainThroughThreeContainers wires three independent
// containers over one shared in-memory broker and drives a single inbound
// call through all of them, matching §8 scenario 2 verbatim: Grandparent
// calls Parent calls Child, which returns 1.
func TestEndToEnd_CallChainThroughThreeContainers(t *testing.T) {
	br := &memBroker{}
	const exchange = "relay-rpc"
	ctx := context.Background()

	// --- child: answers child_do with 1, no outbound calls of its own ---
	child := &recordingService{
		invoke: func(ctx context.Context, s *recordingService, method string, args []any, kwargs map[string]any) (any, error) {
			return 1, nil
		},
	}
	childDeps := depset.New()
	childContainer := container.New(container.Config{ServiceName: "child", MaxWorkers: 4, ParentCallsTracked: 10},
		childDeps, func() any { return child })
	childConsumer := rpc.NewConsumer("child", exchange, br, nil, nil)
	childDeps.Add(childConsumer)
	childDeps.Add(rpc.NewEntrypointProvider("child_do", childConsumer, childContainer, rpc.NewResponder(exchange, br)))
	require.NoError(t, childContainer.Start(ctx))
	defer childContainer.Stop(ctx)

	// --- parent: answers parent_do by calling child.child_do ---
	parentDeps := depset.New()
	parentReplies := rpc.NewReplyListener("parent", exchange, br, nil)
	childProxy := rpc.NewProxyInjection("child", "child", exchange, br, parentReplies)
	parent := &recordingService{
		invoke: func(ctx context.Context, s *recordingService, method string, args []any, kwargs map[string]any) (any, error) {
			return s.proxy("child").Call(ctx, "child_do", nil, nil)
		},
	}
	parentContainer := container.New(container.Config{ServiceName: "parent", MaxWorkers: 4, ParentCallsTracked: 10},
		parentDeps, func() any { return parent })
	parentConsumer := rpc.NewConsumer("parent", exchange, br, nil, nil)
	parentDeps.Add(parentConsumer)
	parentDeps.Add(parentReplies)
	parentDeps.Add(childProxy)
	parentDeps.Add(rpc.NewEntrypointProvider("parent_do", parentConsumer, parentContainer, rpc.NewResponder(exchange, br)))
	require.NoError(t, parentContainer.Start(ctx))
	defer parentContainer.Stop(ctx)

	// --- grandparent: calls parent.parent_do, has no entrypoint of its
	// own in this test (its single invocation is driven directly via
	// SpawnWorker, standing in for an inbound grandparent_do delivery) ---
	grandparentDeps := depset.New()
	grandparentReplies := rpc.NewReplyListener("grandparent", exchange, br, nil)
	parentProxy := rpc.NewProxyInjection("parent", "parent", exchange, br, grandparentReplies)
	grandparentDeps.Add(grandparentReplies)
	grandparentDeps.Add(parentProxy)
	grandparent := &recordingService{
		invoke: func(ctx context.Context, s *recordingService, method string, args []any, kwargs map[string]any) (any, error) {
			return s.proxy("parent").Call(ctx, "parent_do", nil, nil)
		},
	}
	grandparentContainer := container.New(container.Config{ServiceName: "grandparent", MaxWorkers: 4, ParentCallsTracked: 10},
		grandparentDeps, func() any { return grandparent })
	require.NoError(t, grandparentContainer.Start(ctx))
	defer grandparentContainer.Stop(ctx)

	var result any
	var callErr error
	done := make(chan struct{})
	_, err := grandparentContainer.SpawnWorker(ctx, "grandparent_do", nil, nil, nil,
		func(wc *workerctx.Context, res any, resErr error) {
			result, callErr = res, resErr
			close(done)
		})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("call chain did not complete")
	}

	require.NoError(t, callErr)
	// result crossed the broker as JSON (Responder marshals, ReplyListener
	// unmarshals into any), so the child's int(1) arrives as float64(1).
	assert.EqualValues(t, 1, result)
}

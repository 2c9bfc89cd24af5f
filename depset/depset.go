// Package depset implements the dependency set: the classification and
// fan-out machinery the service container uses to run lifecycle hooks
// (prepare, start, stop, kill) and, for injections, the per-worker hooks
// (inject, worker setup, worker result, worker teardown, release) across
// every dependency a service declares.
//
// Dependencies are classified by capability interface, not by declaration
// order or a registration tag: a Provider that also satisfies Entrypoint is
// an entrypoint, one that satisfies Injection is an injection, and anything
// declared as a sub-dependency of another provider (via NestedDeclarer) that
// is itself neither is a nested provider.
package depset

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Provider is the lifecycle surface every dependency must implement,
// regardless of its role.
type Provider interface {
	Prepare(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Kill(ctx context.Context, cause error) error
}

// Entrypoint is a Provider that triggers worker execution from the outside
// world (an RPC consumer, an event handler).
type Entrypoint interface {
	Provider
	EntrypointName() string
}

// Injection is a Provider that supplies a value to the service instance for
// the duration of a single worker and participates in the per-worker
// lifecycle.
type Injection interface {
	Provider
	InjectionName() string
	Inject(ctx context.Context, wc WorkerContext) (any, error)
	WorkerSetup(ctx context.Context, wc WorkerContext) error
	WorkerResult(ctx context.Context, wc WorkerContext, result any, resultErr error) error
	WorkerTeardown(ctx context.Context, wc WorkerContext) error
	Release(ctx context.Context, wc WorkerContext) error
}

// WorkerContext is the subset of *workerctx.Context an Injection needs. It
// is defined here, not imported, so depset has no dependency on workerctx
// (workerctx has none on depset either; container wires the two together).
type WorkerContext interface {
	MethodName() string
	CallID() string
}

// WorkerLifecycle is the optional capability behind §4.3's worker_setup and
// worker_teardown steps, which run "on all dependencies" rather than only
// on injections. Injection already requires both methods, so every
// injection automatically satisfies WorkerLifecycle; an entrypoint or
// nested provider that wants the same per-worker hooks implements this
// interface directly instead of growing the base Provider surface every
// dependency would otherwise have to no-op.
type WorkerLifecycle interface {
	WorkerSetup(ctx context.Context, wc WorkerContext) error
	WorkerTeardown(ctx context.Context, wc WorkerContext) error
}

// NestedDeclarer lets a Provider declare sub-dependencies of its own. Those
// sub-dependencies are folded into the Set's Nested view; they are never
// entrypoints or injections themselves even if classification would
// otherwise make them one (a provider declared as nested is never promoted).
type NestedDeclarer interface {
	NestedDependencies() []Provider
}

// Set holds every dependency declared for a service, classified into
// entrypoints, injections, and nested providers.
type Set struct {
	entrypoints []Entrypoint
	injections  []Injection
	nested      []Provider
}

// New returns an empty Set.
func New() *Set {
	return &Set{}
}

// Add classifies and adds p. A Provider satisfying both Entrypoint and
// Injection is classified as an Injection (the richer capability); this
// mirrors the teacher's middleware-chain classification-by-widest-interface
// convention in core/command/processor.go.
func (s *Set) Add(p Provider) {
	switch typed := p.(type) {
	case Injection:
		s.injections = append(s.injections, typed)
	case Entrypoint:
		s.entrypoints = append(s.entrypoints, typed)
	default:
		s.nested = append(s.nested, p)
	}
	if nd, ok := p.(NestedDeclarer); ok {
		s.nested = append(s.nested, nd.NestedDependencies()...)
	}
}

// Entrypoints returns a view over every declared entrypoint.
func (s *Set) Entrypoints() View {
	providers := make([]Provider, len(s.entrypoints))
	for i, e := range s.entrypoints {
		providers[i] = e
	}
	return View{providers: providers}
}

// Injections returns a view over every declared injection.
func (s *Set) Injections() View {
	providers := make([]Provider, len(s.injections))
	for i, inj := range s.injections {
		providers[i] = inj
	}
	return View{providers: providers}
}

// InjectionList returns the typed injection slice, for the per-worker
// lifecycle steps that only injections participate in (inject, worker
// result, release).
func (s *Set) InjectionList() []Injection {
	return append([]Injection(nil), s.injections...)
}

// WorkerLifecycleList returns every declared dependency that implements
// WorkerLifecycle, for the per-worker steps §4.3 runs "on all
// dependencies" (worker setup, worker teardown): every injection
// (Injection embeds WorkerLifecycle) plus any entrypoint or nested
// provider that opts in.
func (s *Set) WorkerLifecycleList() []WorkerLifecycle {
	var out []WorkerLifecycle
	for _, p := range s.All().All() {
		if wl, ok := p.(WorkerLifecycle); ok {
			out = append(out, wl)
		}
	}
	return out
}

// Nested returns a view over every nested (non-entrypoint, non-injection)
// provider.
func (s *Set) Nested() View {
	return View{providers: append([]Provider(nil), s.nested...)}
}

// All returns a view over every declared dependency: entrypoints,
// injections, and nested providers together.
func (s *Set) All() View {
	all := make([]Provider, 0, len(s.entrypoints)+len(s.injections)+len(s.nested))
	for _, e := range s.entrypoints {
		all = append(all, e)
	}
	for _, inj := range s.injections {
		all = append(all, inj)
	}
	all = append(all, s.nested...)
	return View{providers: all}
}

// View is an immutable slice of providers with a concurrent fan-out helper.
type View struct {
	providers []Provider
}

// All returns the providers in this view.
func (v View) All() []Provider {
	return append([]Provider(nil), v.providers...)
}

// Len returns the number of providers in this view.
func (v View) Len() int { return len(v.providers) }

// Hook is a lifecycle operation applied to a single provider.
type Hook func(ctx context.Context, p Provider) error

// Apply runs hook against every provider in the view concurrently (ordering
// across members of the same view is unspecified) and returns the first
// error encountered, cancelling the shared context for the rest. Matching
// the teacher's queue.Worker/command.Processor style, fan-out uses
// golang.org/x/sync/errgroup rather than a hand-rolled WaitGroup.
func (v View) Apply(ctx context.Context, hook Hook) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range v.providers {
		p := p
		g.Go(func() error {
			return hook(gctx, p)
		})
	}
	return g.Wait()
}

// Package container implements the service container: the per-service
// lifecycle and concurrency supervisor that owns worker execution,
// dependency lifecycles, and managed background threads.
package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relaykit/core/logger"
	"github.com/relaykit/relaykit/depset"
	"github.com/relaykit/relaykit/pkg/async"
	"github.com/relaykit/relaykit/workerctx"
)

// state is the container's lifecycle state: Fresh -> Running -> Dead. There
// is no path back; a dead container is discarded, not restarted, matching
// the teacher's command.Dispatcher/queue.Worker one-shot lifecycle.
type state int32

const (
	stateFresh state = iota
	stateRunning
	stateDead
)

// Invoker is implemented by a service so the container can dispatch a named
// method call into it. This is the idiomatic Go analogue of the original
// system's dynamic attribute lookup: Go has no getattr, so the service
// itself owns the method-name-to-method dispatch, typically via a switch.
type Invoker interface {
	Invoke(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error)
}

// Bindable is implemented by a service that wants injected dependency
// values bound onto it before a worker runs. Injections without a matching
// Bindable service are simply not bound; Inject is still called so the
// injection's own bookkeeping runs.
type Bindable interface {
	BindInjection(name string, value any)
}

// ResultHandler observes a worker's outcome after the WorkerResult,
// WorkerTeardown, and Release stages. Once a lifecycle hook has failed, the
// stages after it are skipped, and the handler is still called. Entrypoints
// pass one in to SpawnWorker to learn the result (e.g. to publish an RPC
// reply).
//
// This is a type alias, not a defined type: rpc.Spawner declares this
// parameter as the equivalent anonymous func type so it can describe
// *Container's method signature without importing container, and an alias
// keeps the two identical for interface satisfaction (a defined type would
// not be).
type ResultHandler = func(wc *workerctx.Context, result any, err error)

// NewServiceFunc builds a fresh service instance for a single worker to run
// against. Called once per SpawnWorker invocation.
type NewServiceFunc func() any

// Container is the service container. It owns the dependency set, a
// bounded worker pool, and the registries of managed background threads.
type Container struct {
	cfg        Config
	deps       *depset.Set
	newService NewServiceFunc
	opts       options

	state atomic.Int32
	sem   chan struct{}

	mu               sync.Mutex
	workers          map[uint64]context.CancelFunc // in-flight SpawnWorker calls
	activeThreads    map[uint64]context.CancelFunc // unprotected SpawnManagedThread calls
	protectedThreads map[uint64]context.CancelFunc // protected SpawnManagedThread calls
	nextThreadID     atomic.Uint64

	workerWG    sync.WaitGroup
	activeWG    sync.WaitGroup
	protectedWG sync.WaitGroup

	stopOnce sync.Once
	died     *async.Event
	lastWork atomic.Int64 // unix nanos of the last SpawnWorker call
}

// New constructs a Container in the Fresh state. deps must already contain
// every entrypoint, injection, and nested provider the service declares.
func New(cfg Config, deps *depset.Set, newService NewServiceFunc, opts ...Option) *Container {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.ParentCallsTracked <= 0 {
		cfg.ParentCallsTracked = defaultParentCallsTracked
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}

	c := &Container{
		cfg:              cfg,
		deps:             deps,
		newService:       newService,
		opts:             o,
		sem:              make(chan struct{}, cfg.MaxWorkers),
		workers:          make(map[uint64]context.CancelFunc),
		activeThreads:    make(map[uint64]context.CancelFunc),
		protectedThreads: make(map[uint64]context.CancelFunc),
		died:             async.NewEvent(),
	}
	return c
}

// ServiceName implements workerctx.ContainerHandle.
func (c *Container) ServiceName() string { return c.cfg.ServiceName }

// Start runs Prepare then Start across every declared dependency
// concurrently (per-view fan-out; ordering within a view is unspecified)
// and transitions Fresh -> Running. A failed Start leaves dependencies that
// already started running; callers must call Kill to unwind them, matching
// §4.3's explicit "Start failure does not auto-kill" invariant.
func (c *Container) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(stateFresh), int32(stateRunning)) {
		return ErrAlreadyStarted
	}
	all := c.deps.All()
	if err := all.Apply(ctx, func(ctx context.Context, p depset.Provider) error {
		return p.Prepare(ctx)
	}); err != nil {
		return fmt.Errorf("container: prepare: %w", err)
	}
	if err := all.Apply(ctx, func(ctx context.Context, p depset.Provider) error {
		return p.Start(ctx)
	}); err != nil {
		return fmt.Errorf("container: start: %w", err)
	}
	c.opts.logger.InfoContext(ctx, "container started", logger.ServiceName(c.cfg.ServiceName))
	return nil
}

// Stop performs a graceful shutdown in the mandated order: stop entrypoints
// (no new work is accepted), drain the worker pool, stop injections, stop
// nested providers, kill any remaining active managed threads, then kill
// protected managed threads. Stop is idempotent: a second call observes the
// first call's outcome instead of repeating it.
func (c *Container) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		stopErr := c.runStop(ctx)
		c.died.Fire(stopErr)
		c.state.Store(int32(stateDead))
	})
	<-c.died.Done()
	if v := c.died.Wait(); v != nil {
		return v.(error)
	}
	return nil
}

func (c *Container) runStop(ctx context.Context) error {
	var errs []error
	if err := c.deps.Entrypoints().Apply(ctx, func(ctx context.Context, p depset.Provider) error {
		return p.Stop(ctx)
	}); err != nil {
		errs = append(errs, fmt.Errorf("stop entrypoints: %w", err))
	}

	// Graceful drain: let in-flight workers finish on their own, without
	// cancelling them, before tearing down the injections they depend on.
	if waitTimeout(&c.workerWG, c.opts.shutdownTimeout) {
		errs = append(errs, errors.New("stop: timed out waiting for worker pool to drain"))
	}

	if err := c.deps.Injections().Apply(ctx, func(ctx context.Context, p depset.Provider) error {
		return p.Stop(ctx)
	}); err != nil {
		errs = append(errs, fmt.Errorf("stop injections: %w", err))
	}
	if err := c.deps.Nested().Apply(ctx, func(ctx context.Context, p depset.Provider) error {
		return p.Stop(ctx)
	}); err != nil {
		errs = append(errs, fmt.Errorf("stop nested: %w", err))
	}

	c.cancelThreadSet(c.activeThreads, &c.activeWG)
	c.cancelThreadSet(c.protectedThreads, &c.protectedWG)

	c.opts.logger.InfoContext(ctx, "container stopped", logger.ServiceName(c.cfg.ServiceName))
	return errors.Join(errs...)
}

// Kill performs an immediate, best-effort shutdown: kill entrypoints, cancel
// in-flight workers, cancel active managed threads, kill the remaining
// dependencies, kill protected managed threads, then mark the container
// dead with cause. Like Stop, Kill is idempotent; the cause of whichever
// call won the race is what Wait eventually observes.
func (c *Container) Kill(ctx context.Context, cause error) error {
	c.stopOnce.Do(func() {
		_ = c.deps.Entrypoints().Apply(ctx, func(ctx context.Context, p depset.Provider) error {
			return p.Kill(ctx, cause)
		})
		c.cancelThreadSet(c.workers, &c.workerWG)
		c.cancelThreadSet(c.activeThreads, &c.activeWG)
		_ = c.deps.Injections().Apply(ctx, func(ctx context.Context, p depset.Provider) error {
			return p.Kill(ctx, cause)
		})
		_ = c.deps.Nested().Apply(ctx, func(ctx context.Context, p depset.Provider) error {
			return p.Kill(ctx, cause)
		})
		c.cancelThreadSet(c.protectedThreads, &c.protectedWG)

		c.opts.logger.ErrorContext(ctx, "container killed",
			logger.ServiceName(c.cfg.ServiceName), logger.Error(cause))
		c.died.Fire(cause)
		c.state.Store(int32(stateDead))
	})
	<-c.died.Done()
	return nil
}

// Wait blocks until the container dies (via Stop or Kill) and returns the
// cause: nil for a graceful Stop, the triggering error for a Kill.
func (c *Container) Wait() error {
	v := c.died.Wait()
	if v == nil {
		return nil
	}
	return v.(error)
}

// SpawnWorker acquires a worker pool slot, builds a fresh workerctx.Context,
// and runs the full per-worker lifecycle (inject, worker setup, invoke,
// worker result, worker teardown, release) in a new goroutine. It returns
// as soon as the worker context is built; handleResult, if non-nil, is
// called with the outcome once the worker finishes.
func (c *Container) SpawnWorker(
	ctx context.Context,
	methodName string,
	args []any,
	kwargs map[string]any,
	data map[string]any,
	handleResult ResultHandler,
) (*workerctx.Context, error) {
	if state(c.state.Load()) != stateRunning {
		return nil, ErrNotRunning
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	wc := workerctx.New(c, c.newService(), methodName, args, kwargs, data, c.cfg.ParentCallsTracked, c.opts.newID)
	c.lastWork.Store(time.Now().UnixNano())

	workerCtx, cancel := context.WithCancel(ctx)
	id := c.registerThread(c.workers, &c.workerWG, cancel)

	go c.runWorker(workerCtx, id, wc, handleResult)
	return wc, nil
}

func (c *Container) runWorker(ctx context.Context, id uint64, wc *workerctx.Context, handleResult ResultHandler) {
	defer func() { <-c.sem }()
	defer c.finishThread(c.workers, &c.workerWG, id)

	var result any
	var callErr error
	var lifecycleErr error

	func() {
		defer func() {
			if r := recover(); r != nil {
				callErr = fmt.Errorf("panic in worker: %v", r)
			}
		}()

		injections := c.deps.InjectionList()
		for _, inj := range injections {
			val, err := inj.Inject(ctx, wc)
			if err != nil {
				lifecycleErr = fmt.Errorf("inject %s: %w", inj.InjectionName(), err)
				return
			}
			if bindable, ok := wc.Service().(Bindable); ok {
				bindable.BindInjection(inj.InjectionName(), val)
			}
		}
		// §4.3 step 2: worker_setup runs on all dependencies, not only
		// injections (every injection already satisfies WorkerLifecycle; an
		// entrypoint or nested provider opts in by implementing it too).
		for _, wl := range c.deps.WorkerLifecycleList() {
			if err := wl.WorkerSetup(ctx, wc); err != nil {
				lifecycleErr = fmt.Errorf("worker setup %T: %w", wl, err)
				return
			}
		}

		invoker, ok := wc.Service().(Invoker)
		if !ok {
			callErr = fmt.Errorf("container: service does not implement Invoker")
			return
		}
		result, callErr = invoker.Invoke(ctx, wc.MethodName(), wc.Args(), wc.Kwargs())
	}()

	injections := c.deps.InjectionList()
	if lifecycleErr == nil {
		for _, inj := range injections {
			if err := inj.WorkerResult(ctx, wc, result, callErr); err != nil {
				lifecycleErr = fmt.Errorf("worker result %s: %w", inj.InjectionName(), err)
				break
			}
		}
	}
	// §4.3 step 5: worker_teardown likewise runs on all dependencies.
	if lifecycleErr == nil {
		for _, wl := range c.deps.WorkerLifecycleList() {
			if err := wl.WorkerTeardown(ctx, wc); err != nil {
				lifecycleErr = fmt.Errorf("worker teardown %T: %w", wl, err)
				break
			}
		}
	}
	if lifecycleErr == nil {
		for _, inj := range injections {
			if err := inj.Release(ctx, wc); err != nil {
				lifecycleErr = fmt.Errorf("release %s: %w", inj.InjectionName(), err)
				break
			}
		}
	}

	if lifecycleErr != nil {
		// Async: runWorker is itself a registered worker, and Kill waits on
		// the worker WaitGroup. Calling Kill synchronously here would
		// deadlock waiting on this very goroutine's exit.
		go func() { _ = c.Kill(context.Background(), lifecycleErr) }()
	}

	if handleResult != nil {
		handleResult(wc, result, callErr)
	}
}

// SpawnManagedThread runs fn in a new goroutine registered in the active
// (or, if protected is true, the protected) thread registry. A managed
// thread that returns a non-nil, non-context.Canceled error kills the
// container with that error, per §4.3's managed-thread exit handler.
func (c *Container) SpawnManagedThread(ctx context.Context, protected bool, fn func(ctx context.Context) error) error {
	if state(c.state.Load()) != stateRunning {
		return ErrNotRunning
	}

	threadCtx, cancel := context.WithCancel(ctx)
	registry, wg := c.activeThreads, &c.activeWG
	if protected {
		registry, wg = c.protectedThreads, &c.protectedWG
	}
	id := c.registerThread(registry, wg, cancel)

	go func() {
		defer c.finishThread(registry, wg, id)

		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic in managed thread: %v", r)
				}
			}()
			return fn(threadCtx)
		}()

		switch {
		case err == nil, errors.Is(err, context.Canceled):
			return
		default:
			go func() { _ = c.Kill(context.Background(), err) }()
		}
	}()
	return nil
}

func (c *Container) registerThread(registry map[uint64]context.CancelFunc, wg *sync.WaitGroup, cancel context.CancelFunc) uint64 {
	id := c.nextThreadID.Add(1)
	wg.Add(1)
	c.mu.Lock()
	registry[id] = cancel
	c.mu.Unlock()
	return id
}

func (c *Container) finishThread(registry map[uint64]context.CancelFunc, wg *sync.WaitGroup, id uint64) {
	c.mu.Lock()
	delete(registry, id)
	c.mu.Unlock()
	wg.Done()
}

func (c *Container) cancelThreadSet(registry map[uint64]context.CancelFunc, wg *sync.WaitGroup) {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(registry))
	for _, cancel := range registry {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	wg.Wait()
}

// Healthcheck reports whether the container is fit to keep serving traffic:
// an error if the container has not started, is dead, or has had its
// worker pool fully saturated for longer than the configured stale
// threshold.
func (c *Container) Healthcheck() error {
	switch state(c.state.Load()) {
	case stateFresh:
		return errors.New("container: not started")
	case stateDead:
		return ErrDead
	}

	if len(c.sem) < cap(c.sem) {
		return nil
	}
	last := c.lastWork.Load()
	if last == 0 {
		return nil
	}
	if time.Since(time.Unix(0, last)) > c.opts.staleThreshold {
		return ErrStuck
	}
	return nil
}

// Stats reports a point-in-time snapshot of worker pool utilization.
type Stats struct {
	MaxWorkers    int
	ActiveWorkers int
}

// Stats returns the current worker pool utilization.
func (c *Container) Stats() Stats {
	return Stats{
		MaxWorkers:    cap(c.sem),
		ActiveWorkers: len(c.sem),
	}
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) (timedOut bool) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return false
	case <-time.After(timeout):
		return true
	}
}

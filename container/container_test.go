package container_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaykit/relaykit/container"
	"github.com/relaykit/relaykit/depset"
	"github.com/relaykit/relaykit/workerctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lifecycleCounts struct {
	prepare, start, stop, kill atomic.Int32
}

type fakeEntrypoint struct {
	lifecycleCounts
	name string

	// stopOrder, if set, is a counter shared with the rest of a test's
	// dependencies so stoppedAt records each provider's position in the
	// sequence of Stop calls, letting a test assert ordering rather than
	// just counts.
	stopOrder *atomic.Int64
	stoppedAt atomic.Int64
}

func (f *fakeEntrypoint) Prepare(context.Context) error { f.prepare.Add(1); return nil }
func (f *fakeEntrypoint) Start(context.Context) error   { f.start.Add(1); return nil }
func (f *fakeEntrypoint) Stop(context.Context) error {
	f.stop.Add(1)
	if f.stopOrder != nil {
		f.stoppedAt.Store(f.stopOrder.Add(1))
	}
	return nil
}
func (f *fakeEntrypoint) Kill(context.Context, error) error { f.kill.Add(1); return nil }
func (f *fakeEntrypoint) EntrypointName() string            { return f.name }

type fakeInjection struct {
	lifecycleCounts
	name       string
	injectErr  error
	setupCalls atomic.Int32

	stopOrder *atomic.Int64
	stoppedAt atomic.Int64
}

func (f *fakeInjection) Prepare(context.Context) error { f.prepare.Add(1); return nil }
func (f *fakeInjection) Start(context.Context) error   { f.start.Add(1); return nil }
func (f *fakeInjection) Stop(context.Context) error {
	f.stop.Add(1)
	if f.stopOrder != nil {
		f.stoppedAt.Store(f.stopOrder.Add(1))
	}
	return nil
}
func (f *fakeInjection) Kill(context.Context, error) error { f.kill.Add(1); return nil }
func (f *fakeInjection) InjectionName() string             { return f.name }
func (f *fakeInjection) Inject(context.Context, depset.WorkerContext) (any, error) {
	return "value-" + f.name, f.injectErr
}
func (f *fakeInjection) WorkerSetup(context.Context, depset.WorkerContext) error {
	f.setupCalls.Add(1)
	return nil
}
func (f *fakeInjection) WorkerResult(context.Context, depset.WorkerContext, any, error) error {
	return nil
}
func (f *fakeInjection) WorkerTeardown(context.Context, depset.WorkerContext) error { return nil }
func (f *fakeInjection) Release(context.Context, depset.WorkerContext) error        { return nil }

type echoService struct {
	mu    sync.Mutex
	bound map[string]any
	delay time.Duration
}

func (s *echoService) BindInjection(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound == nil {
		s.bound = map[string]any{}
	}
	s.bound[name] = value
}

func (s *echoService) Invoke(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if method == "boom" {
		return nil, errors.New("boom")
	}
	return method, nil
}

func newTestContainer(t *testing.T, maxWorkers int, deps *depset.Set, factory func() any) *container.Container {
	t.Helper()
	cfg := container.Config{ServiceName: "svc", MaxWorkers: maxWorkers, ParentCallsTracked: 10}
	c := container.New(cfg, deps, factory, container.WithShutdownTimeout(2*time.Second))
	require.NoError(t, c.Start(context.Background()))
	return c
}

func TestContainer_StartRunsPrepareThenStart(t *testing.T) {
	ep := &fakeEntrypoint{name: "ep"}
	deps := depset.New()
	deps.Add(ep)
	c := newTestContainer(t, 2, deps, func() any { return &echoService{} })
	defer c.Stop(context.Background())

	assert.Equal(t, int32(1), ep.prepare.Load())
	assert.Equal(t, int32(1), ep.start.Load())
}

func TestContainer_SpawnWorkerRunsInjectionLifecycle(t *testing.T) {
	inj := &fakeInjection{name: "db"}
	deps := depset.New()
	deps.Add(inj)
	c := newTestContainer(t, 2, deps, func() any { return &echoService{} })
	defer c.Stop(context.Background())

	var got any
	var gotErr error
	done := make(chan struct{})
	_, err := c.SpawnWorker(context.Background(), "hello", nil, nil, nil, func(wc *workerctx.Context, result any, resultErr error) {
		got, gotErr = result, resultErr
		close(done)
	})
	require.NoError(t, err)
	<-done

	assert.Equal(t, "hello", got)
	assert.NoError(t, gotErr)
	assert.Equal(t, int32(1), inj.setupCalls.Load())
}

func TestContainer_MaxWorkersBoundsConcurrency(t *testing.T) {
	deps := depset.New()
	c := newTestContainer(t, 2, deps, func() any { return &echoService{delay: 100 * time.Millisecond} })
	defer c.Stop(context.Background())

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 4; i++ {
		wg.Add(1)
		_, err := c.SpawnWorker(context.Background(), "m", nil, nil, nil, func(*workerctx.Context, any, error) {
			wg.Done()
		})
		require.NoError(t, err)
	}
	wg.Wait()
	// 4 calls through a 2-slot pool with 100ms work each take at least 2 rounds.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestContainer_StopIsIdempotentAndOrdered(t *testing.T) {
	var stopOrder atomic.Int64
	ep := &fakeEntrypoint{name: "ep", stopOrder: &stopOrder}
	inj := &fakeInjection{name: "db", stopOrder: &stopOrder}
	deps := depset.New()
	deps.Add(ep)
	deps.Add(inj)
	c := newTestContainer(t, 2, deps, func() any { return &echoService{} })

	err1 := c.Stop(context.Background())
	err2 := c.Stop(context.Background())
	require.NoError(t, err1)
	require.NoError(t, err2)

	assert.Equal(t, int32(1), ep.stop.Load())
	assert.Equal(t, int32(1), inj.stop.Load())
	assert.NoError(t, c.Wait())

	// §4.3: entrypoints stop strictly before injections.
	assert.Less(t, ep.stoppedAt.Load(), inj.stoppedAt.Load())

	// A further Stop on an already-dead container must not re-invoke
	// dependency shutdown.
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, int32(1), ep.stop.Load())
	assert.Equal(t, int32(1), inj.stop.Load())
}

func TestContainer_LifecycleErrorKillsContainer(t *testing.T) {
	inj := &fakeInjection{name: "db", injectErr: errors.New("inject failed")}
	deps := depset.New()
	deps.Add(inj)
	c := newTestContainer(t, 2, deps, func() any { return &echoService{} })

	_, err := c.SpawnWorker(context.Background(), "m", nil, nil, nil, nil)
	require.NoError(t, err)

	waitErr := c.Wait()
	require.Error(t, waitErr)
	assert.Contains(t, waitErr.Error(), "inject failed")
}

func TestContainer_KillIsIdempotent(t *testing.T) {
	deps := depset.New()
	c := newTestContainer(t, 2, deps, func() any { return &echoService{} })

	cause := errors.New("first cause")
	_ = c.Kill(context.Background(), cause)
	_ = c.Kill(context.Background(), errors.New("second cause"))

	assert.ErrorIs(t, c.Wait(), cause)
}

func TestContainer_HealthcheckReflectsState(t *testing.T) {
	cfg := container.Config{ServiceName: "svc", MaxWorkers: 1, ParentCallsTracked: 1}
	deps := depset.New()
	c := container.New(cfg, deps, func() any { return &echoService{} })

	assert.Error(t, c.Healthcheck()) // not started

	require.NoError(t, c.Start(context.Background()))
	assert.NoError(t, c.Healthcheck())

	require.NoError(t, c.Stop(context.Background()))
	assert.ErrorIs(t, c.Healthcheck(), container.ErrDead)
}

// Package async provides a small coordination primitive used throughout the
// container and rpc packages: a one-shot signal that fires at most once and
// that any number of goroutines may wait on.
//
// # Event
//
// Event backs the container's death signal and the RPC reply listener's
// per-correlation-ID wait:
//
//	ev := async.NewEvent()
//	go func() { ev.Fire(result) }()
//	v := ev.Wait()
//
// # Concurrency Safety
//
// Event is safe for concurrent use; it uses sync.Once internally so only the
// first Fire call has effect.
package async

package container

import "errors"

var (
	// ErrAlreadyStarted is returned by Start when the container has already
	// left the Fresh state.
	ErrAlreadyStarted = errors.New("container: already started")
	// ErrNotRunning is returned by SpawnWorker/SpawnManagedThread when the
	// container is not in the Running state.
	ErrNotRunning = errors.New("container: not running")
	// ErrDead is reported by Healthcheck once the container has reached the
	// Dead state.
	ErrDead = errors.New("container: dead")
	// ErrStuck is reported by Healthcheck when the worker pool has been
	// saturated for longer than the configured stale threshold.
	ErrStuck = errors.New("container: worker pool saturated")
)

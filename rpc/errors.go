package rpc

import "errors"

var (
	// ErrMethodNotFound is the error kind replied to the caller (§4.4, §7)
	// when a delivery's routing key names a method with no registered
	// EntrypointProvider. Unlike other dispatch failures, this one is
	// reported to the caller and acknowledged, not treated as fatal.
	ErrMethodNotFound = errors.New("rpc: method not found")
	// ErrProxyTimeout is returned by Proxy.Call when no reply arrives
	// before the call's context is done.
	ErrProxyTimeout = errors.New("rpc: timed out waiting for reply")
	// ErrConsumerClosed names the condition of a stopped shared consumer.
	// No function in this package returns it.
	ErrConsumerClosed = errors.New("rpc: consumer closed")
)

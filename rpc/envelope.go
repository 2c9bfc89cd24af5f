// Package rpc implements the request/reply RPC subsystem: the shared
// consumer, per-method entrypoint providers, the responder that publishes
// replies, the reply listener that correlates them back to callers, and the
// outbound service/method proxy.
package rpc

import (
	"errors"
	"fmt"
)

// Request is the wire body of an RPC call (§6.1).
type Request struct {
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// Reply is the wire body of an RPC reply (§6.1). At most one of Result or
// Error is set: a failed call carries only Error, and a call that returned
// nil carries neither.
type Reply struct {
	Result any            `json:"result,omitempty"`
	Error  *ErrorEnvelope `json:"error,omitempty"`
}

// ErrorEnvelope is the stable error wire schema (§6.1, REDESIGN FLAGS):
// exception type name, string value, and an optional traceback for
// diagnostics. It implements error so it can travel as a Go error on the
// calling side.
type ErrorEnvelope struct {
	ExcType   string `json:"exc_type"`
	Value     string `json:"value"`
	Traceback string `json:"traceback,omitempty"`
}

func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.ExcType, e.Value)
}

// NewErrorEnvelope builds an ErrorEnvelope from a Go error. An error that
// already is an *ErrorEnvelope is returned as is; exc_type is
// "MethodNotFound" for errors wrapping ErrMethodNotFound and "error" for
// every other error. Callers that want a specific exc_type (e.g. a domain
// error code) should construct an ErrorEnvelope directly.
func NewErrorEnvelope(err error) *ErrorEnvelope {
	if err == nil {
		return nil
	}
	if ee, ok := err.(*ErrorEnvelope); ok {
		return ee
	}
	if errors.Is(err, ErrMethodNotFound) {
		return &ErrorEnvelope{ExcType: "MethodNotFound", Value: err.Error()}
	}
	return &ErrorEnvelope{ExcType: "error", Value: err.Error()}
}

// RemoteError is what Proxy returns when the remote side replied with an
// error; it is the same type as the wire envelope, so errors.As(err,
// &(*ErrorEnvelope)(nil)) reaches ExcType/Value/Traceback directly.
type RemoteError = ErrorEnvelope

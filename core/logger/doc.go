// Package logger provides structured logging attribute helpers built on
// Go's standard slog package. Every exported function returns an
// slog.Attr, using the empty-Attr-for-zero-value pattern so call sites can
// pass through values that might be absent without an explicit nil check
// (e.g. logger.Error(err) is a no-op slog.Attr when err is nil).
//
// # Basic Usage
//
//	import "github.com/relaykit/relaykit/core/logger"
//
//	log.ErrorContext(ctx, "dispatch failed",
//		logger.ServiceName("billing"),
//		logger.MethodName("charge"),
//		logger.CallID(wc.CallID()),
//		logger.Error(err),
//	)
//
// # RPC Attributes
//
// ServiceName, MethodName, CallID, RoutingKey, Queue, and Exchange cover
// the identifiers that show up throughout the container and rpc packages'
// log lines.
//
// # Generic Attributes
//
// Component, Event, Action, Result, Duration, Elapsed, and the identifier
// helpers (ID, Key, RequestID, TraceID, CorrelationID) round out the set
// for anything not specific to RPC dispatch.
package logger

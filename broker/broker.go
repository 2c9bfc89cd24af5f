// Package broker abstracts the message transport the RPC subsystem runs
// over: a topic-exchange-like publish/consume surface with routing-key glob
// matching, reply-to addressing, and correlation IDs. The "underlying
// broker client library" is an external collaborator (per the core spec);
// this package defines the seam and two concrete implementations, redis and
// postgres, so the rpc package never depends on either transport directly.
package broker

import (
	"context"
	"errors"
	"strings"
)

// ErrClosed is returned by Publish/Consume once the broker has been closed.
var ErrClosed = errors.New("broker: closed")

// Message is a single delivery handed to a consumer.
type Message struct {
	Body          []byte
	RoutingKey    string
	ReplyTo       string
	CorrelationID string
	Headers       map[string]string
}

// PublishOptions carries the per-message routing metadata a publish needs
// beyond the exchange and body.
type PublishOptions struct {
	RoutingKey    string
	ReplyTo       string
	CorrelationID string
	Headers       map[string]string
}

// Broker is the transport seam the rpc package is built against.
type Broker interface {
	// DeclareExchange ensures the named exchange exists (or is reachable);
	// it is a no-op for transports with no exchange concept of their own.
	DeclareExchange(ctx context.Context, exchange string) error

	// Publish sends body to exchange, routed by opts.RoutingKey.
	Publish(ctx context.Context, exchange string, opts PublishOptions, body []byte) error

	// Consume subscribes to every message on exchange whose routing key
	// matches bindingPattern (a dot-delimited pattern where "*" matches
	// exactly one segment and "#" matches zero or more, mirroring AMQP
	// topic-exchange semantics), returning a channel of deliveries. queue
	// names the logical, durable binding for transports that have a queue
	// concept; transports without one use it only for logging.
	Consume(ctx context.Context, exchange, queue, bindingPattern string) (<-chan Message, error)

	// Close marks the broker closed, so later Publish and Consume calls
	// return ErrClosed. Channels returned by Consume are not closed by
	// Close; each closes when the context passed to its Consume call is
	// cancelled.
	Close() error
}

// MatchRoutingKey reports whether key matches an AMQP-style topic pattern:
// dot-delimited segments, "*" matching exactly one segment, "#" matching
// zero or more segments. Used by transports (postgres) that have no
// server-side glob filtering of their own.
func MatchRoutingKey(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	head := pattern[0]
	switch head {
	case "#":
		if matchSegments(pattern[1:], key) {
			return true
		}
		if len(key) == 0 {
			return false
		}
		return matchSegments(pattern, key[1:])
	case "*":
		if len(key) == 0 {
			return false
		}
		return matchSegments(pattern[1:], key[1:])
	default:
		if len(key) == 0 || key[0] != head {
			return false
		}
		return matchSegments(pattern[1:], key[1:])
	}
}

package rpc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaykit/relaykit/workerctx"
)

// HeaderPrefix namespaces every context-data header on the wire (§6.2,
// REDESIGN FLAGS: this module uses "relay." rather than the original
// system's own prefix; both ends of this module agree, so the only
// invariant §6.2 actually requires — round-tripping — still holds).
const HeaderPrefix = "relay."

// EncodeHeaders turns worker context data into broker headers, one header
// per key. Values are JSON-encoded except plain strings, which are carried
// as-is for readability on the wire.
func EncodeHeaders(data map[string]any) map[string]string {
	headers := make(map[string]string, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok {
			headers[HeaderPrefix+k] = s
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		headers[HeaderPrefix+k] = string(b)
	}
	return headers
}

// DecodeHeaders reverses EncodeHeaders. CallIDStackKey is always decoded as
// a []string; every other allowed key is decoded as a plain string.
func DecodeHeaders(headers map[string]string) map[string]any {
	data := make(map[string]any, len(headers))
	for k, v := range headers {
		if !strings.HasPrefix(k, HeaderPrefix) {
			continue
		}
		key := strings.TrimPrefix(k, HeaderPrefix)
		if key == workerctx.CallIDStackKey {
			var stack []string
			if err := json.Unmarshal([]byte(v), &stack); err == nil {
				data[key] = stack
				continue
			}
		}
		data[key] = v
	}
	return data
}

// RequestRoutingKey is the routing key a call to service.method is
// published under, and the suffix a Consumer's binding pattern
// ("{service}.*") matches against.
func RequestRoutingKey(service, method string) string {
	return fmt.Sprintf("%s.%s", service, method)
}

// MethodFromRoutingKey extracts the method name from a routing key built by
// RequestRoutingKey, given the owning service name.
func MethodFromRoutingKey(service, routingKey string) (string, bool) {
	prefix := service + "."
	if !strings.HasPrefix(routingKey, prefix) {
		return "", false
	}
	return strings.TrimPrefix(routingKey, prefix), true
}

// QueueName is the durable queue name a service's shared RPC consumer binds
// (§6.3): "rpc-{service_name}".
func QueueName(service string) string {
	return "rpc-" + service
}

// ReplyQueueName is the per-container reply queue name (§6.3):
// "rpc.reply-{service_name}-{uuid}".
func ReplyQueueName(service, uniqueID string) string {
	return fmt.Sprintf("rpc.reply-%s-%s", service, uniqueID)
}

// BindingPattern is the routing-key pattern a service's shared consumer
// binds its queue with: every method of that service.
func BindingPattern(service string) string {
	return service + ".*"
}

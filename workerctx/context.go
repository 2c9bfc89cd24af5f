// Package workerctx implements the worker context: the immutable record of
// "who is calling what, with what data, as part of which call chain" that is
// built once per worker and threaded through dependency lifecycle hooks and
// the invoked method.
package workerctx

import "fmt"

// CallIDStackKey is the context-data key under which the caller's call ID
// stack travels across a hop. It never appears in ContextData's "incoming"
// half; it is always recomputed from ParentCallStack plus the new CallID.
const CallIDStackKey = "call_id_stack"

// AllowedContextKeys enumerates the context-data keys that are propagated
// from an incoming call to any outgoing nested calls it makes. Any other key
// present on incoming data is visible on this worker but is not forwarded.
var AllowedContextKeys = []string{"language", "user_id", "auth_token", CallIDStackKey}

// ContainerHandle is the minimal surface a Context needs from its owning
// container: just enough to build a globally-distinguishable call ID.
type ContainerHandle interface {
	ServiceName() string
}

// IDGenerator produces the unique suffix used to build a call ID. Production
// callers pass uuid.NewString; tests pass a deterministic generator.
type IDGenerator func() string

// Context is the immutable worker context handed to a single unit of work.
// It is built once, by New, and never mutated afterward.
type Context struct {
	container  ContainerHandle
	service    any
	methodName string
	args       []any
	kwargs     map[string]any
	data       map[string]any

	uniqueID              string
	callID                string
	parentCallStack       []string
	callIDStack           []string
	immediateParentCallID string
	hasParent             bool
	contextData           map[string]any
}

// New builds a Context for a unit of work about to run on service, as
// methodName(args, kwargs), inside container.
//
// data is the incoming context data (request headers, in RPC terms). It is
// never mutated; New copies what it needs. If data carries a
// CallIDStackKey entry, it is treated as the caller's call ID stack and is
// truncated to at most parentCallsTracked entries (the oldest entries are
// dropped first) before this worker's own call ID is appended. A negative
// parentCallsTracked means unbounded.
func New(
	container ContainerHandle,
	service any,
	methodName string,
	args []any,
	kwargs map[string]any,
	data map[string]any,
	parentCallsTracked int,
	newID IDGenerator,
) *Context {
	if newID == nil {
		panic("workerctx: newID generator must not be nil")
	}

	incoming := make(map[string]any, len(data))
	for k, v := range data {
		incoming[k] = v
	}

	var parentStack []string
	if raw, ok := incoming[CallIDStackKey]; ok {
		parentStack = toStringSlice(raw)
		delete(incoming, CallIDStackKey)
	}

	id := newID()
	callID := fmt.Sprintf("%s.%s.%s", container.ServiceName(), methodName, id)

	tracked := parentStack
	if parentCallsTracked >= 0 && len(tracked) > parentCallsTracked {
		tracked = tracked[len(tracked)-parentCallsTracked:]
	}
	callIDStack := make([]string, 0, len(tracked)+1)
	callIDStack = append(callIDStack, tracked...)
	callIDStack = append(callIDStack, callID)

	var immediateParent string
	var hasParent bool
	if len(parentStack) > 0 {
		immediateParent = parentStack[len(parentStack)-1]
		hasParent = true
	}

	contextData := make(map[string]any, len(AllowedContextKeys))
	for _, k := range AllowedContextKeys {
		if k == CallIDStackKey {
			continue
		}
		if v, ok := incoming[k]; ok {
			contextData[k] = v
		}
	}
	contextData[CallIDStackKey] = append([]string{}, callIDStack...)

	return &Context{
		container:             container,
		service:               service,
		methodName:            methodName,
		args:                  args,
		kwargs:                kwargs,
		data:                  incoming,
		uniqueID:              id,
		callID:                callID,
		parentCallStack:       parentStack,
		callIDStack:           callIDStack,
		immediateParentCallID: immediateParent,
		hasParent:             hasParent,
		contextData:           contextData,
	}
}

// Container returns the owning container handle.
func (c *Context) Container() ContainerHandle { return c.container }

// Service returns the service instance this worker is executing against.
func (c *Context) Service() any { return c.service }

// MethodName returns the method being invoked.
func (c *Context) MethodName() string { return c.methodName }

// Args returns the positional call arguments.
func (c *Context) Args() []any { return c.args }

// Kwargs returns the keyword call arguments.
func (c *Context) Kwargs() map[string]any { return c.kwargs }

// Data returns the full incoming context data, with CallIDStackKey removed
// (it is reconstructed; use CallIDStack instead).
func (c *Context) Data() map[string]any { return c.data }

// UniqueID returns the random suffix used to build CallID.
func (c *Context) UniqueID() string { return c.uniqueID }

// CallID returns this worker's own call ID, "{service}.{method}.{uniqueID}".
func (c *Context) CallID() string { return c.callID }

// ParentCallStack returns the caller's call ID stack exactly as received,
// before truncation.
func (c *Context) ParentCallStack() []string {
	return append([]string(nil), c.parentCallStack...)
}

// CallIDStack returns the truncated parent stack with this worker's CallID
// appended. This is what gets forwarded as CallIDStackKey on any outgoing
// nested call.
func (c *Context) CallIDStack() []string {
	return append([]string(nil), c.callIDStack...)
}

// ImmediateParentCallID returns the call ID of the direct caller, if any.
func (c *Context) ImmediateParentCallID() (string, bool) {
	return c.immediateParentCallID, c.hasParent
}

// ContextData returns the subset of context data allowed to propagate to
// nested calls (AllowedContextKeys), with CallIDStackKey set to
// CallIDStack(). Callers must treat the returned map as read-only.
func (c *Context) ContextData() map[string]any { return c.contextData }

func toStringSlice(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

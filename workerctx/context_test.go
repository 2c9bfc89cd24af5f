package workerctx_test

import (
	"testing"

	"github.com/relaykit/relaykit/workerctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContainer struct{ name string }

func (f fakeContainer) ServiceName() string { return f.name }

func sequentialIDs(ids ...string) workerctx.IDGenerator {
	i := 0
	return func() string {
		id := ids[i]
		i++
		return id
	}
}

func TestNew_BuildsCallID(t *testing.T) {
	c := workerctx.New(fakeContainer{"billing"}, nil, "charge", []any{1}, nil, nil, 10, sequentialIDs("abc"))
	assert.Equal(t, "billing.charge.abc", c.CallID())
	assert.Equal(t, []string{"billing.charge.abc"}, c.CallIDStack())
	_, hasParent := c.ImmediateParentCallID()
	assert.False(t, hasParent)
}

func TestNew_TruncatesParentStack(t *testing.T) {
	// parent_calls_tracked=1: only the single most recent ancestor survives.
	data := map[string]any{
		"call_id_stack": []string{"a.x.1", "b.y.2", "c.z.3"},
	}
	c := workerctx.New(fakeContainer{"billing"}, nil, "charge", nil, nil, data, 1, sequentialIDs("new1"))

	require.Equal(t, []string{"a.x.1", "b.y.2", "c.z.3"}, c.ParentCallStack())
	assert.Equal(t, []string{"c.z.3", "billing.charge.new1"}, c.CallIDStack())

	parent, ok := c.ImmediateParentCallID()
	assert.True(t, ok)
	assert.Equal(t, "c.z.3", parent)
}

func TestNew_UnboundedWhenNegative(t *testing.T) {
	stack := []string{"a.x.1", "b.y.2", "c.z.3", "d.w.4"}
	data := map[string]any{"call_id_stack": stack}
	c := workerctx.New(fakeContainer{"svc"}, nil, "m", nil, nil, data, -1, sequentialIDs("n"))
	assert.Len(t, c.CallIDStack(), len(stack)+1)
}

func TestNew_ContextDataFiltersDisallowedKeys(t *testing.T) {
	data := map[string]any{
		"language":     "en",
		"user_id":      "u-1",
		"secret_stuff": "not propagated",
	}
	c := workerctx.New(fakeContainer{"svc"}, nil, "m", nil, nil, data, 10, sequentialIDs("id"))

	cd := c.ContextData()
	assert.Equal(t, "en", cd["language"])
	assert.Equal(t, "u-1", cd["user_id"])
	assert.NotContains(t, cd, "secret_stuff")
	assert.Equal(t, []string{"svc.m.id"}, cd["call_id_stack"])

	// The raw Data() view drops call_id_stack but keeps everything else,
	// including keys not in AllowedContextKeys.
	assert.Equal(t, "not propagated", c.Data()["secret_stuff"])
	assert.NotContains(t, c.Data(), "call_id_stack")
}

func TestNew_NilDataIsSafe(t *testing.T) {
	c := workerctx.New(fakeContainer{"svc"}, nil, "m", nil, nil, nil, 10, sequentialIDs("id"))
	assert.Empty(t, c.ParentCallStack())
	assert.Equal(t, []string{"svc.m.id"}, c.CallIDStack())
}

func TestNew_PanicsWithoutIDGenerator(t *testing.T) {
	assert.Panics(t, func() {
		workerctx.New(fakeContainer{"svc"}, nil, "m", nil, nil, nil, 10, nil)
	})
}

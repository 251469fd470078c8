package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_OneShotTokenRetiresOnTake(t *testing.T) {
	reg := newRegistry(4)
	calls := 0
	tok := reg.register(func(int32, uint32) { calls++ }, nil, false)

	h, _, res := reg.take(tok)
	require.Equal(t, tokenFound, res)
	h(0, 0)
	assert.Equal(t, 1, calls)

	_, _, res = reg.take(tok)
	assert.Equal(t, tokenRetired, res)
	assert.Equal(t, 0, reg.live())
}

func TestRegistry_PermanentTokenSurvivesTake(t *testing.T) {
	reg := newRegistry(4)
	tok := reg.register(func(int32, uint32) {}, nil, true)
	for i := 0; i < 3; i++ {
		_, _, res := reg.take(tok)
		require.Equal(t, tokenFound, res)
	}
	assert.True(t, reg.retire(tok))
	assert.False(t, reg.retire(tok))
	_, _, res := reg.take(tok)
	assert.Equal(t, tokenRetired, res)
}

func TestRegistry_ReusedSlotGetsNewGeneration(t *testing.T) {
	reg := newRegistry(4)
	old := reg.register(func(int32, uint32) {}, nil, true)
	reg.retire(old)

	fresh := reg.register(func(int32, uint32) {}, nil, true)
	oldSlot, oldGen := splitToken(old)
	freshSlot, freshGen := splitToken(fresh)
	assert.Equal(t, oldSlot, freshSlot)
	assert.Greater(t, freshGen, oldGen)

	_, _, res := reg.take(old)
	assert.Equal(t, tokenRetired, res, "stale token must not reach the new handler")
	_, _, res = reg.take(fresh)
	assert.Equal(t, tokenFound, res)
}

func TestRegistry_UnknownTokens(t *testing.T) {
	reg := newRegistry(4)
	tok := reg.register(func(int32, uint32) {}, nil, true)
	slot, gen := splitToken(tok)

	for _, unknown := range []uint64{
		0,
		uint64(gen+1)<<32 | uint64(slot),
		uint64(gen)<<32 | uint64(slot+10),
	} {
		_, _, res := reg.take(unknown)
		assert.Equal(t, tokenUnknown, res, "token %#x", unknown)
	}
}

func TestRegistry_DrainSwapsHandlerAndOwner(t *testing.T) {
	reg := newRegistry(4)
	owner := &countingCloser{}
	var got []string
	tok := reg.register(func(int32, uint32) { got = append(got, "owner") }, owner, true)

	require.True(t, reg.drain(tok, func(res int32, _ uint32) { got = append(got, "drain") }))
	h, o, res := reg.take(tok)
	require.Equal(t, tokenFound, res)
	assert.Nil(t, o)
	h(0, 0)
	assert.Equal(t, []string{"drain"}, got)

	_, _, res = reg.take(tok)
	assert.Equal(t, tokenRetired, res, "drained token is one-shot")
	assert.False(t, reg.drain(tok, func(int32, uint32) {}))
}

type countingCloser struct{ closed int }

func (c *countingCloser) Close() error {
	c.closed++
	return nil
}

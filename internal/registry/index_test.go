package registry

import (
	"errors"
	"testing"

	"github.com/loykin/supervisr/internal/controller"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndex_RegisterFindPop(t *testing.T) {
	osTable := newAlive()
	x := NewIndex[string]()
	c, p := spawned(t, osTable, 70, 1)
	require.NoError(t, x.Register("sid-1", c))

	found, ok := x.Find("sid-1")
	require.True(t, ok)
	assert.Same(t, c, found)

	other, _ := spawned(t, osTable, 71, 1)
	err := x.Register("sid-1", other)
	assert.True(t, errors.Is(err, ErrDuplicateKey))

	_, ok = x.Pop("sid-1")
	assert.True(t, ok)
	_, ok = x.Pop("sid-1")
	assert.False(t, ok)

	assert.Equal(t, int32(0), p.terminates.Load())
	c.Release()
	other.Release()
	assert.Equal(t, int32(1), p.terminates.Load())
}

func TestIndex_StaleKeyIsReplaced(t *testing.T) {
	osTable := newAlive()
	x := NewIndex[string]()
	old, _ := spawned(t, osTable, 80, 1)
	require.NoError(t, x.Register("m", old))
	old.Release()
	old.Stop()

	fresh, _ := spawned(t, osTable, 81, 1)
	require.NoError(t, x.Register("m", fresh))
	found, ok := x.Find("m")
	require.True(t, ok)
	assert.Same(t, fresh, found)
	assert.True(t, old.TornDown())
	fresh.Release()
	x.Pop("m")
}

func TestIndex_PopControllerRemovesEveryKey(t *testing.T) {
	osTable := newAlive()
	x := NewIndex[string]()
	c, p := spawned(t, osTable, 90, 1)
	require.NoError(t, x.Register("a", c))
	require.NoError(t, x.Register("b", c))
	assert.Equal(t, int32(3), c.Refs())
	c.Release()

	keys := x.PopController(c)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
	assert.Equal(t, 0, x.Len())
	assert.True(t, c.TornDown())
	assert.Equal(t, int32(1), p.terminates.Load())
	assert.Empty(t, x.PopController(c))
}

func TestPrimaryAndSecondary_DeferredTeardown(t *testing.T) {
	osTable := newAlive()
	r := New()
	x := NewIndex[string]()
	c, p := spawned(t, osTable, 95, 1)
	require.NoError(t, r.Register(95, c))
	require.NoError(t, x.Register("mid", c))
	c.Release()

	r.Pop(95)
	assert.Equal(t, controller.Active, c.Lifecycle(), "secondary share defers teardown")
	assert.Equal(t, int32(0), p.terminates.Load())

	x.Pop("mid")
	assert.True(t, c.TornDown())
	assert.Equal(t, int32(1), p.terminates.Load())
}

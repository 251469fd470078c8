//go:build linux
// +build linux

package reactor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup_RoundRobin(t *testing.T) {
	g, err := NewGroup(3, nil, testOptions(WithName("g"))...)
	require.NoError(t, err)
	defer g.Shutdown()

	require.Equal(t, 3, g.Len())
	rs := g.Reactors()
	for i, r := range rs {
		assert.Equal(t, fmt.Sprintf("g-%d", i), r.Name())
	}
	for i := 0; i < 7; i++ {
		assert.Same(t, rs[i%3], g.Next())
	}
}

func TestGroup_StartAndShutdown(t *testing.T) {
	requireRing(t)
	g, err := NewGroup(2, nil, testOptions()...)
	require.NoError(t, err)
	require.NoError(t, g.Start())

	done := make(chan struct{}, g.Len())
	for _, r := range g.Reactors() {
		r := r
		require.NoError(t, r.Execute(func() {
			if r.InReactorThread() {
				done <- struct{}{}
			}
		}))
	}
	for i := 0; i < g.Len(); i++ {
		waitFor(t, done, "group task")
	}
	require.NoError(t, g.Shutdown())
	for _, r := range g.Reactors() {
		assert.Equal(t, StateTerminated, r.State())
	}
}

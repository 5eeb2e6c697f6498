package agentloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePlanning, StateExecuting, true},
		{StatePlanning, StateBlocked, true},
		{StateBlocked, StateExecuting, true},
		{StateExecuting, StateValidating, true},
		{StateValidating, StateSucceeded, true},
		{StateValidating, StateRefining, true},
		{StateRefining, StateExecuting, true},
		{StateRefining, StateBlocked, true},
		{StateExecuting, StateFailed, true},
		{StatePlanning, StateValidating, false},
		{StateExecuting, StateSucceeded, false},
		{StateSucceeded, StateExecuting, false},
		{StateFailed, StatePlanning, false},
		{StateBlocked, StateValidating, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestMachine(t *testing.T) {
	m := newMachine()
	require.NoError(t, m.to(StateExecuting))
	require.NoError(t, m.to(StateValidating))
	require.Error(t, m.to(StatePlanning))
	require.NoError(t, m.to(StateSucceeded))
	assert.True(t, m.state.Terminal())
	assert.Equal(t, []State{StatePlanning, StateExecuting, StateValidating, StateSucceeded}, m.history)
}

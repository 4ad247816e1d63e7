package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineLegalTransitions(t *testing.T) {
	events := NewEventBus()
	sm := NewStateMachine(events, StateInitial, lifecycleEdges)

	var lastFrom interface{}
	for _, name := range []string{"connecting", "connected", "disconnected", "connecting", "disconnected", "failed", "connecting"} {
		events.On(name, func(args ...interface{}) {
			if len(args) == 1 {
				lastFrom = args[0]
			}
		})
	}

	steps := []LifecycleState{
		StateConnecting, StateConnected, StateDisconnected,
		StateConnecting, StateDisconnected, StateFailed, StateConnecting,
	}
	for _, to := range steps {
		from := sm.Current()
		sm.Update(to)
		require.Equalf(t, to, sm.Current(), "Update(%s)", to)
		assert.Equalf(t, from, lastFrom, "transition to %s", to)
	}
}

func TestStateMachineIllegalTransitionPanics(t *testing.T) {
	defer func() {
		assert.NotNil(t, recover(), "expected a panic for an illegal transition")
	}()

	sm := NewStateMachine(NewEventBus(), StateInitial, lifecycleEdges)
	sm.Update(StateConnected) // initial -> connected is not a declared edge
}

func TestStateMachineCanTransition(t *testing.T) {
	sm := NewStateMachine(NewEventBus(), StateInitial, lifecycleEdges)
	assert.True(t, sm.CanTransition(StateConnecting))
	assert.False(t, sm.CanTransition(StateConnected))
}

func TestNewStateMachineRejectsDuplicateEdges(t *testing.T) {
	defer func() {
		assert.NotNil(t, recover(), "expected a panic for a duplicate edge")
	}()

	NewStateMachine(NewEventBus(), StateInitial, [][2]LifecycleState{
		{StateInitial, StateConnecting},
		{StateInitial, StateConnecting},
	})
}

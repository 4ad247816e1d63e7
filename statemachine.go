package redis

import (
	"fmt"
	"sync/atomic"
)

// LifecycleState is one of the five connection-lifecycle states a
// ConnectionSupervisor moves through.
type LifecycleState string

const (
	StateInitial      LifecycleState = "initial"
	StateConnecting   LifecycleState = "connecting"
	StateConnected    LifecycleState = "connected"
	StateDisconnected LifecycleState = "disconnected"
	StateFailed       LifecycleState = "failed"
)

// StateMachine is a declarative finite-state machine: the caller declares
// the permitted (from, to) edges up front; Update moves the current state
// along an edge or panics — an illegal transition is a programmer error,
// not a runtime condition a caller can recover from. Every successful
// Update emits an event named after the new state, carrying the previous
// state as its single argument.
type StateMachine struct {
	events *EventBus
	edges  map[LifecycleState]map[LifecycleState]bool

	// current is only ever mutated by the single goroutine that owns this
	// machine (the supervisor's run loop), but it is read from arbitrary
	// caller goroutines via Current/State, so it is stored atomically
	// rather than behind a lock — a plain mutex here would risk deadlock
	// if a transition's emitted event synchronously calls back into
	// Current from the same goroutine that holds it.
	current atomic.Value // LifecycleState
}

// NewStateMachine builds a machine starting at initial, wired to emit
// transition events on events. edges lists every permitted (from, to) pair;
// duplicates are rejected.
func NewStateMachine(events *EventBus, initial LifecycleState, edges [][2]LifecycleState) *StateMachine {
	table := make(map[LifecycleState]map[LifecycleState]bool, len(edges))
	for _, e := range edges {
		from, to := e[0], e[1]
		if table[from] == nil {
			table[from] = make(map[LifecycleState]bool)
		}
		if table[from][to] {
			panic(fmt.Sprintf("redis: duplicate state transition %s -> %s", from, to))
		}
		table[from][to] = true
	}
	m := &StateMachine{events: events, edges: table}
	m.current.Store(initial)
	return m
}

// Current returns the machine's present state.
func (m *StateMachine) Current() LifecycleState {
	return m.current.Load().(LifecycleState)
}

// CanTransition reports whether (Current, to) is a permitted edge.
func (m *StateMachine) CanTransition(to LifecycleState) bool {
	return m.edges[m.Current()][to]
}

// Update moves the machine to "to". It panics if (Current, to) is not a
// declared edge — transition legality is the caller's responsibility to
// check with CanTransition when the edge is conditional on other state.
func (m *StateMachine) Update(to LifecycleState) {
	from := m.Current()
	if !m.edges[from][to] {
		panic(fmt.Sprintf("redis: illegal state transition %s -> %s", from, to))
	}
	m.current.Store(to)
	m.events.Emit(string(to), from)
}

// lifecycleEdges is the exhaustive transition table from §3 of the design:
// every edge a ConnectionSupervisor may ever traverse.
var lifecycleEdges = [][2]LifecycleState{
	{StateInitial, StateConnecting},
	{StateConnecting, StateConnected},
	{StateConnecting, StateDisconnected},
	{StateConnected, StateDisconnected},
	{StateDisconnected, StateConnecting},
	{StateDisconnected, StateFailed},
	{StateFailed, StateConnecting},
}

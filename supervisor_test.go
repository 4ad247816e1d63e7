package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubConn is the minimal wireConnection used to drive ConnectionSupervisor
// in isolation, without a real socket.
type stubConn struct {
	events *EventBus
	closed bool
}

func newStubConn() *stubConn {
	return &stubConn{events: NewEventBus()}
}

func (c *stubConn) Events() *EventBus { return c.events }
func (c *stubConn) Close() error {
	if !c.closed {
		c.closed = true
		c.events.Emit("disconnected")
	}
	return nil
}

func waitForState(t *testing.T, s *ConnectionSupervisor[*stubConn], want LifecycleState) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if s.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("State() = %s, want %s (timed out waiting)", s.State(), want)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSupervisorConnectSuccess(t *testing.T) {
	conn := newStubConn()
	factory := func(ctx context.Context) (*stubConn, error) { return conn, nil }

	s := NewConnectionSupervisor[*stubConn](factory, SupervisorOptions{Clock: clockwork.NewRealClock()})
	connected := make(chan struct{})
	s.Events().On("connected", func(args ...interface{}) { close(connected) })

	s.Connect()
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for :connected")
	}

	waitForState(t, s, StateConnected)
	got, ok := s.Connection()
	require.True(t, ok)
	assert.Equal(t, conn, got)
}

func TestSupervisorRetryThenFailed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	wantErr := errors.New("dial refused")
	factory := func(ctx context.Context) (*stubConn, error) { return nil, wantErr }

	s := NewConnectionSupervisor[*stubConn](factory, SupervisorOptions{
		Clock:          clock,
		RetryBudget:    1,
		ReconnectDelay: time.Second,
	})

	failed := make(chan struct{})
	s.Events().On("failed", func(args ...interface{}) { close(failed) })

	s.Connect()
	waitForState(t, s, StateDisconnected)

	// the single retry the budget allows is scheduled behind the fake
	// clock; advance it past the reconnect delay once.
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for :failed")
	}
	assert.Equal(t, StateFailed, s.State())
}

func TestSupervisorReconnectFromConnectedClosesConnection(t *testing.T) {
	conn := newStubConn()
	factory := func(ctx context.Context) (*stubConn, error) { return conn, nil }

	s := NewConnectionSupervisor[*stubConn](factory, SupervisorOptions{Clock: clockwork.NewRealClock()})
	connected := make(chan struct{})
	s.Events().On("connected", func(args ...interface{}) { close(connected) })
	s.Connect()
	<-connected
	waitForState(t, s, StateConnected)

	disconnected := make(chan struct{})
	s.Events().On("disconnected", func(args ...interface{}) { close(disconnected) })

	s.Reconnect()
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for :disconnected after Reconnect")
	}
	assert.True(t, conn.closed, "Reconnect from Connected did not close the active connection")
}

func TestSupervisorManualReconnectFromFailed(t *testing.T) {
	attempts := 0
	conn := newStubConn()
	// with a budget of 1, the initial attempt and its single retry must both
	// fail for the supervisor to reach Failed.
	factory := func(ctx context.Context) (*stubConn, error) {
		attempts++
		if attempts <= 2 {
			return nil, errors.New("initial attempt and retry fail")
		}
		return conn, nil
	}

	s := NewConnectionSupervisor[*stubConn](factory, SupervisorOptions{
		Clock:       clockwork.NewRealClock(),
		RetryBudget: 1,
	})

	failed := make(chan struct{})
	s.Events().On("failed", func(args ...interface{}) { close(failed) })
	s.Connect()
	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for :failed")
	}

	connected := make(chan struct{})
	s.Events().On("connected", func(args ...interface{}) { close(connected) })
	s.Reconnect()
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for :connected after manual Reconnect from Failed")
	}
}

func TestSupervisorCloseClosesConnection(t *testing.T) {
	conn := newStubConn()
	factory := func(ctx context.Context) (*stubConn, error) { return conn, nil }

	s := NewConnectionSupervisor[*stubConn](factory, SupervisorOptions{Clock: clockwork.NewRealClock()})
	connected := make(chan struct{})
	s.Events().On("connected", func(args ...interface{}) { close(connected) })
	s.Connect()
	<-connected
	waitForState(t, s, StateConnected)

	err := s.Close()
	require.NoError(t, err)
	assert.True(t, conn.closed)
}

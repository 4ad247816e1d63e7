package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, addr string) Endpoint {
	t.Helper()
	ep, err := ParseURI("redis://" + addr)
	require.NoError(t, err)
	return ep
}

func connectClient(t *testing.T, ep Endpoint, opts ...ClientOption) *CommandClient {
	t.Helper()
	c := NewCommandClient(ep, opts...)
	_, err := c.Connect().Wait()
	require.NoError(t, err)
	return c
}

func TestCommandClientSetGet(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.Close()

	c := connectClient(t, mustAddr(t, srv.Addr()))

	_, err := c.Set("k", "v").Wait()
	require.NoError(t, err)

	got, err := c.Get("k").Wait()
	require.NoError(t, err)
	assert.Equal(t, "v", string(got.([]byte)))
}

func TestCommandClientGetMissingKeyIsNil(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.Close()

	c := connectClient(t, mustAddr(t, srv.Addr()))
	got, err := c.Get("missing").Wait()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCommandClientQueuesBeforeConnect(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.Close()

	c := NewCommandClient(mustAddr(t, srv.Addr()))
	// issued before Connect: must queue rather than fail or block forever
	setFuture := c.Set("k", "queued")

	_, err := c.Connect().Wait()
	require.NoError(t, err)
	_, err = setFuture.Wait()
	require.NoError(t, err)

	got, err := c.Get("k").Wait()
	require.NoError(t, err)
	assert.Equal(t, "queued", string(got.([]byte)))
}

func TestCommandClientAuth(t *testing.T) {
	srv := newFakeServerAuth(t, "s3cret")
	defer srv.Close()

	ep := mustAddr(t, srv.Addr())
	ep.Password = "s3cret"
	c := connectClient(t, ep)

	_, err := c.Set("k", "v").Wait()
	require.NoError(t, err)
}

func TestCommandClientReconnectsAfterConnectionLoss(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.Close()

	c := connectClient(t, mustAddr(t, srv.Addr()), WithReconnectDelay(10*time.Millisecond))

	reconnected := make(chan struct{})
	c.Events().On("reconnected", func(args ...interface{}) { close(reconnected) })

	srv.closeAllConns()

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for :reconnected")
	}

	_, err := c.Get("anything").Wait()
	require.NoError(t, err)
}

func TestCommandClientFailsAfterRetryBudgetExhausted(t *testing.T) {
	ep := Endpoint{Host: "127.0.0.1", Port: 1} // nothing listens here
	c := NewCommandClient(ep, WithRetryBudget(1), WithReconnectDelay(time.Millisecond))

	_, err := c.Connect().Wait()
	require.ErrorIs(t, err, ErrConnectionInFailedState)

	_, err = c.Call("get", "k").Wait()
	assert.ErrorIs(t, err, ErrConnectionInFailedState)
}

func TestCommandClientClose(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.Close()

	c := connectClient(t, mustAddr(t, srv.Addr()))
	require.NoError(t, c.Close())
}

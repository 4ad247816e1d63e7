package redis

import (
	"bufio"
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// channelCallback receives a message published to a subscribed channel.
type channelCallback func(payload []byte)

// patternCallback receives a message published to a channel matching a
// subscribed pattern, along with the channel it actually arrived on.
type patternCallback func(channel string, payload []byte)

// PubSubClient is the public pub/sub API: a channel/pattern registry that
// survives reconnects by reissuing one subscribe/psubscribe per registry key
// against every fresh connection, per §4.8.
//
// Multiple goroutines may call PubSubClient methods simultaneously.
type PubSubClient struct {
	events     *EventBus
	supervisor *ConnectionSupervisor[*PubSubConnection]
	logger     *zap.Logger
	clock      clockwork.Clock

	mu       sync.Mutex
	endpoint Endpoint
	channels map[string][]channelCallback
	patterns map[string][]patternCallback
}

// NewPubSubClient builds a pub/sub client for endpoint. No network activity
// happens until Connect is called.
func NewPubSubClient(endpoint Endpoint, opts ...ClientOption) *PubSubClient {
	cfg := clientConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.clock == nil {
		cfg.clock = clockwork.NewRealClock()
	}

	c := &PubSubClient{
		events:   NewEventBus(),
		logger:   cfg.logger,
		clock:    cfg.clock,
		endpoint: endpoint,
		channels: make(map[string][]channelCallback),
		patterns: make(map[string][]patternCallback),
	}
	c.supervisor = NewConnectionSupervisor[*PubSubConnection](c.connectionFactory, SupervisorOptions{
		Logger:         cfg.logger,
		Clock:          cfg.clock,
		RetryBudget:    cfg.budget,
		ReconnectDelay: cfg.delay,
	})
	c.mirrorSupervisorEvents()
	return c
}

// mirrorSupervisorEvents republishes every supervisor lifecycle event onto
// c.events. Each fresh connection's message/pmessage pushes are wired up
// separately, in connectionFactory.
func (c *PubSubClient) mirrorSupervisorEvents() {
	for _, name := range []string{"connected", "reconnected", "disconnected", "reconnect_failed", "failed"} {
		name := name
		c.supervisor.Events().On(name, func(args ...interface{}) {
			c.events.Emit(name, args...)
		})
	}
}

// Events returns the bus carrying :connected, :reconnected, :disconnected,
// :reconnect_failed(attempt), :failed, :message(channel, payload), and
// :pmessage(pattern, channel, payload) — the last two mirror every push a
// connection ever receives, independent of the typed callbacks registered
// through Subscribe/PSubscribe.
func (c *PubSubClient) Events() *EventBus { return c.events }

// State returns the supervisor's current lifecycle state.
func (c *PubSubClient) State() LifecycleState { return c.supervisor.State() }

// Close tears down the underlying supervisor and its connection, if any.
// The client is unusable afterwards.
func (c *PubSubClient) Close() error {
	return c.supervisor.Close()
}

// Connect starts the first connection attempt and returns a Future
// resolving on first successful readiness, failing if the retry budget is
// exhausted first.
func (c *PubSubClient) Connect() *Future {
	f := NewFuture()
	if c.supervisor.State() == StateConnected {
		f.Succeed(nil)
		return f
	}

	var onConnected, onFailed listenerHandle
	onConnected = c.events.On("connected", func(args ...interface{}) {
		c.events.RemoveListener(onConnected)
		c.events.RemoveListener(onFailed)
		f.Succeed(nil)
	})
	onFailed = c.events.On("failed", func(args ...interface{}) {
		c.events.RemoveListener(onConnected)
		c.events.RemoveListener(onFailed)
		f.Fail(ErrConnectionInFailedState)
	})

	c.supervisor.Connect()
	return f
}

// Reconnect triggers ConnectionSupervisor.Reconnect, optionally replacing
// the cached endpoint first.
func (c *PubSubClient) Reconnect(uri ...string) error {
	if len(uri) > 0 {
		ep, err := ParseURI(uri[0])
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.endpoint = ep
		c.mu.Unlock()
	}
	c.supervisor.Reconnect()
	return nil
}

func (c *PubSubClient) currentEndpoint() Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Subscribe registers cb against channel. If channel already has at least
// one callback, cb is appended and the handle resolves immediately with the
// new local callback count — no wire traffic. If there is no live
// connection, cb is registered the same way: it takes effect the next time
// connectionFactory resubscribes the registry. Otherwise a subscribe is
// issued and cb is appended only once the acknowledgement arrives, per
// §4.8.
func (c *PubSubClient) Subscribe(channel string, cb channelCallback) *Future {
	f := NewFuture()

	c.mu.Lock()
	if list, ok := c.channels[channel]; ok {
		c.channels[channel] = append(list, cb)
		n := int64(len(c.channels[channel]))
		c.mu.Unlock()
		f.Succeed(n)
		return f
	}
	conn, connected := c.supervisor.Connection()
	if !connected {
		c.channels[channel] = []channelCallback{cb}
		n := int64(len(c.channels[channel]))
		c.mu.Unlock()
		f.Succeed(n)
		return f
	}
	c.mu.Unlock()

	ack := NewFuture()
	ack.OnSuccess(func(v interface{}) {
		count, _ := v.(int64)
		c.mu.Lock()
		c.channels[channel] = append(c.channels[channel], cb)
		c.mu.Unlock()
		f.Succeed(count)
	})
	ack.OnFailure(func(err error) { f.Fail(err) })
	conn.SendCommand(ack, "subscribe", channel)
	return f
}

// PSubscribe mirrors Subscribe for a glob pattern and psubscribe.
func (c *PubSubClient) PSubscribe(pattern string, cb patternCallback) *Future {
	f := NewFuture()

	c.mu.Lock()
	if list, ok := c.patterns[pattern]; ok {
		c.patterns[pattern] = append(list, cb)
		n := int64(len(c.patterns[pattern]))
		c.mu.Unlock()
		f.Succeed(n)
		return f
	}
	conn, connected := c.supervisor.Connection()
	if !connected {
		c.patterns[pattern] = []patternCallback{cb}
		n := int64(len(c.patterns[pattern]))
		c.mu.Unlock()
		f.Succeed(n)
		return f
	}
	c.mu.Unlock()

	ack := NewFuture()
	ack.OnSuccess(func(v interface{}) {
		count, _ := v.(int64)
		c.mu.Lock()
		c.patterns[pattern] = append(c.patterns[pattern], cb)
		c.mu.Unlock()
		f.Succeed(count)
	})
	ack.OnFailure(func(err error) { f.Fail(err) })
	conn.SendCommand(ack, "psubscribe", pattern)
	return f
}

// Unsubscribe drops every callback registered for channel and, if a
// connection is live, issues unsubscribe. The handle resolves with the
// server's remaining-subscription count (0 without a live connection).
func (c *PubSubClient) Unsubscribe(channel string) *Future {
	c.mu.Lock()
	delete(c.channels, channel)
	conn, connected := c.supervisor.Connection()
	c.mu.Unlock()

	f := NewFuture()
	if !connected {
		f.Succeed(int64(0))
		return f
	}
	conn.SendCommand(f, "unsubscribe", channel)
	return f
}

// PUnsubscribe mirrors Unsubscribe for a glob pattern and punsubscribe.
func (c *PubSubClient) PUnsubscribe(pattern string) *Future {
	c.mu.Lock()
	delete(c.patterns, pattern)
	conn, connected := c.supervisor.Connection()
	c.mu.Unlock()

	f := NewFuture()
	if !connected {
		f.Succeed(int64(0))
		return f
	}
	conn.SendCommand(f, "punsubscribe", pattern)
	return f
}

// UnsubscribeCallback removes exactly one callback from channel by
// identity (reflect.Value.Pointer, the common idiom for comparing function
// values since Go func types aren't comparable with ==). If cb was the last
// callback registered for channel, this triggers unsubscribe; otherwise the
// handle resolves immediately with the remaining local count and no wire
// traffic. Fails with ErrInvalidArgument if cb was never registered.
func (c *PubSubClient) UnsubscribeCallback(channel string, cb channelCallback) *Future {
	f := NewFuture()

	c.mu.Lock()
	list, ok := c.channels[channel]
	idx := -1
	if ok {
		idx = indexOfChannelCallback(list, cb)
	}
	if idx < 0 {
		c.mu.Unlock()
		f.Fail(fmt.Errorf("%w: callback not registered for channel %q", ErrInvalidArgument, channel))
		return f
	}
	list = append(list[:idx], list[idx+1:]...)
	if len(list) > 0 {
		c.channels[channel] = list
		c.mu.Unlock()
		f.Succeed(int64(len(list)))
		return f
	}
	delete(c.channels, channel)
	conn, connected := c.supervisor.Connection()
	c.mu.Unlock()

	if !connected {
		f.Succeed(int64(0))
		return f
	}
	conn.SendCommand(f, "unsubscribe", channel)
	return f
}

// PUnsubscribeCallback mirrors UnsubscribeCallback for patterns.
func (c *PubSubClient) PUnsubscribeCallback(pattern string, cb patternCallback) *Future {
	f := NewFuture()

	c.mu.Lock()
	list, ok := c.patterns[pattern]
	idx := -1
	if ok {
		idx = indexOfPatternCallback(list, cb)
	}
	if idx < 0 {
		c.mu.Unlock()
		f.Fail(fmt.Errorf("%w: callback not registered for pattern %q", ErrInvalidArgument, pattern))
		return f
	}
	list = append(list[:idx], list[idx+1:]...)
	if len(list) > 0 {
		c.patterns[pattern] = list
		c.mu.Unlock()
		f.Succeed(int64(len(list)))
		return f
	}
	delete(c.patterns, pattern)
	conn, connected := c.supervisor.Connection()
	c.mu.Unlock()

	if !connected {
		f.Succeed(int64(0))
		return f
	}
	conn.SendCommand(f, "punsubscribe", pattern)
	return f
}

func indexOfChannelCallback(list []channelCallback, cb channelCallback) int {
	target := reflect.ValueOf(cb).Pointer()
	for i, c := range list {
		if reflect.ValueOf(c).Pointer() == target {
			return i
		}
	}
	return -1
}

func indexOfPatternCallback(list []patternCallback, cb patternCallback) int {
	target := reflect.ValueOf(cb).Pointer()
	for i, c := range list {
		if reflect.ValueOf(c).Pointer() == target {
			return i
		}
	}
	return -1
}

// connectionFactory dials, runs the raw AUTH/SELECT handshake, wraps the
// socket as a PubSubConnection, wires its message/pmessage pushes onto
// c.events, resubscribes every registry key in turn (awaiting each ack
// before the next, so the factory only returns once every subscription is
// live again), and hands back the ready connection.
func (c *PubSubClient) connectionFactory(ctx context.Context) (*PubSubConnection, error) {
	ep := c.currentEndpoint()

	netConn, err := dialTCP(ctx, ep.Addr())
	if err != nil {
		return nil, &ConnectFailedError{Stage: "dial", Err: err}
	}

	reader := bufio.NewReaderSize(netConn, conservativeMSS)
	if err := performHandshake(ctx, netConn, reader, ep); err != nil {
		netConn.Close()
		return nil, err
	}

	pc := newPubSubConnectionFromReader(netConn, reader, ConnectionOptions{
		Logger:                    c.logger,
		Clock:                     c.clock,
		InactivityTrigger:         time.Duration(ep.InactivityTrigger) * time.Second,
		InactivityResponseTimeout: time.Duration(ep.InactivityResponseTimeout) * time.Second,
	})

	pc.Events().On("message", func(args ...interface{}) {
		channel, _ := args[0].(string)
		payload, _ := args[1].([]byte)
		c.dispatchMessage(channel, payload)
		c.events.Emit("message", channel, payload)
	})
	pc.Events().On("pmessage", func(args ...interface{}) {
		pattern, _ := args[0].(string)
		channel, _ := args[1].(string)
		payload, _ := args[2].([]byte)
		c.dispatchPmessage(pattern, channel, payload)
		c.events.Emit("pmessage", pattern, channel, payload)
	})

	c.mu.Lock()
	channels := make([]string, 0, len(c.channels))
	for name := range c.channels {
		channels = append(channels, name)
	}
	patterns := make([]string, 0, len(c.patterns))
	for name := range c.patterns {
		patterns = append(patterns, name)
	}
	c.mu.Unlock()

	for _, name := range channels {
		if _, err := awaitAck(ctx, pc, "subscribe", name); err != nil {
			pc.Close()
			return nil, &ConnectFailedError{Stage: "resubscribe", Err: err}
		}
	}
	for _, name := range patterns {
		if _, err := awaitAck(ctx, pc, "psubscribe", name); err != nil {
			pc.Close()
			return nil, &ConnectFailedError{Stage: "resubscribe", Err: err}
		}
	}

	return pc, nil
}

func (c *PubSubClient) dispatchMessage(channel string, payload []byte) {
	c.mu.Lock()
	callbacks := append([]channelCallback(nil), c.channels[channel]...)
	c.mu.Unlock()
	for _, cb := range callbacks {
		cb(payload)
	}
}

func (c *PubSubClient) dispatchPmessage(pattern, channel string, payload []byte) {
	c.mu.Lock()
	callbacks := append([]patternCallback(nil), c.patterns[pattern]...)
	c.mu.Unlock()
	for _, cb := range callbacks {
		cb(channel, payload)
	}
}

// awaitAck sends a pub/sub command and blocks the factory's attempt
// goroutine — never the supervisor's run loop — until it acks or ctx is
// cancelled by a superseding attempt.
func awaitAck(ctx context.Context, pc *PubSubConnection, verb, name string) (interface{}, error) {
	f := NewFuture()
	pc.SendCommand(f, verb, name)

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	f.OnSuccess(func(v interface{}) { done <- outcome{value: v} })
	f.OnFailure(func(e error) { done <- outcome{err: e} })

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

package redis

import (
	"bufio"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// pendingCommand is a command issued while the supervisor isn't Connected.
// It is queued in FIFO order and dispatched to the fresh connection as soon
// as one comes up; synthesized auth/select are prepended ahead of it by the
// connection factory, never mixed into this queue.
type pendingCommand struct {
	handle *Future
	verb   string
	args   []string
}

// ClientOption configures a CommandClient at construction.
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger *zap.Logger
	clock  clockwork.Clock
	budget int
	delay  time.Duration
}

// WithLogger injects a zap logger; the default is zap.NewNop(), so the
// client is silent unless a caller opts in.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// WithClock injects a clockwork.Clock, letting tests drive reconnect delays
// and inactivity probing deterministically with clockwork.NewFakeClock().
func WithClock(clk clockwork.Clock) ClientOption {
	return func(c *clientConfig) { c.clock = clk }
}

// WithRetryBudget overrides DefaultRetryBudget.
func WithRetryBudget(n int) ClientOption {
	return func(c *clientConfig) { c.budget = n }
}

// WithReconnectDelay overrides DefaultReconnectDelay.
func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.delay = d }
}

// CommandClient is the public request/response API: a command queue that
// survives (re)connects, database-select and auth replayed on every new
// connection, and synchronous failure once the supervisor gives up.
//
// Multiple goroutines may call CommandClient methods simultaneously;
// ordering guarantees (§5) hold per caller and across the reconnect queue.
type CommandClient struct {
	events     *EventBus
	supervisor *ConnectionSupervisor[*RequestConnection]
	logger     *zap.Logger
	clock      clockwork.Clock

	mu       sync.Mutex
	endpoint Endpoint

	queueMu sync.Mutex
	queue   []pendingCommand
}

// NewCommandClient builds a client for endpoint. No network activity
// happens until Connect is called.
func NewCommandClient(endpoint Endpoint, opts ...ClientOption) *CommandClient {
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

	c := &CommandClient{
		events:   NewEventBus(),
		logger:   cfg.logger,
		clock:    cfg.clock,
		endpoint: endpoint,
	}
	c.supervisor = NewConnectionSupervisor[*RequestConnection](c.connectionFactory, SupervisorOptions{
		Logger:         cfg.logger,
		Clock:          cfg.clock,
		RetryBudget:    cfg.budget,
		ReconnectDelay: cfg.delay,
	})
	c.mirrorSupervisorEvents()
	return c
}

// mirrorSupervisorEvents republishes every supervisor lifecycle event onto
// the client's own bus, and drains+fails the pending queue on :failed. Per
// §5, :connected must be observable before the pending queue hits the wire,
// so the queue-flush listeners for :connected/:reconnected are registered
// after the republishing ones: EventBus runs listeners for a given name in
// registration order, so c.events.Emit("connected") — which synchronously
// reaches any caller-registered listener — always completes before
// flushQueue puts a single byte on the new connection.
func (c *CommandClient) mirrorSupervisorEvents() {
	for _, name := range []string{"connected", "reconnected", "disconnected", "reconnect_failed"} {
		name := name
		c.supervisor.Events().On(name, func(args ...interface{}) {
			c.events.Emit(name, args...)
		})
	}
	for _, name := range []string{"connected", "reconnected"} {
		c.supervisor.Events().On(name, func(args ...interface{}) {
			c.flushQueue()
		})
	}
	c.supervisor.Events().On("failed", func(args ...interface{}) {
		for _, p := range c.drainQueue() {
			p.handle.Fail(ErrConnectionInFailedState)
		}
		c.events.Emit("failed", args...)
	})
}

// flushQueue dispatches every command queued while disconnected onto the
// now-current connection, in FIFO order.
func (c *CommandClient) flushQueue() {
	conn, ok := c.supervisor.Connection()
	if !ok {
		return
	}
	for _, p := range c.drainQueue() {
		conn.SendCommand(p.handle, p.verb, p.args...)
	}
}

// Events returns the bus carrying :connected, :reconnected, :disconnected,
// :reconnect_failed(attempt), and :failed.
func (c *CommandClient) Events() *EventBus { return c.events }

// State returns the supervisor's current lifecycle state.
func (c *CommandClient) State() LifecycleState { return c.supervisor.State() }

// Close tears down the underlying supervisor and its connection, if any.
// The client is unusable afterwards.
func (c *CommandClient) Close() error {
	return c.supervisor.Close()
}

// Connect starts the first connection attempt and returns a Future that
// tracks first-successful readiness: it resolves once the client reaches
// Connected for the first time, or fails if the retry budget is exhausted
// before that happens.
func (c *CommandClient) Connect() *Future {
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
// the cached endpoint first (so the very next attempt dials the new
// address — Endpoint is otherwise immutable once an attempt is under way).
func (c *CommandClient) Reconnect(uri ...string) error {
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

func (c *CommandClient) currentEndpoint() Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Select executes SELECT and, on success, updates the cached endpoint so
// subsequent reconnects select the same database.
func (c *CommandClient) Select(db int64) *Future {
	f := c.process("select", []string{strconv.FormatInt(db, 10)})
	f.OnSuccess(func(interface{}) {
		c.mu.Lock()
		c.endpoint.DB = db
		c.mu.Unlock()
	})
	return f
}

// Auth executes AUTH and, on success, updates the cached endpoint so
// subsequent reconnects authenticate with the same password.
func (c *CommandClient) Auth(password string) *Future {
	f := c.process("auth", []string{password})
	f.OnSuccess(func(interface{}) {
		c.mu.Lock()
		c.endpoint.Password = password
		c.mu.Unlock()
	})
	return f
}

// Call issues any Redis verb with its arguments passed through untouched.
// Per §6, this is the minimum surface a client must expose for "every
// Redis verb"; commands.go layers named, typed methods on top of it for
// the common cases, purely as a cosmetic convenience.
func (c *CommandClient) Call(verb string, args ...string) *Future {
	return c.process(verb, args)
}

// process implements §4.7's dispatch rule: fail synchronously if Failed,
// hand off directly if Connected, otherwise queue for the next connection.
func (c *CommandClient) process(verb string, args []string) *Future {
	f := NewFuture()

	if c.supervisor.State() == StateFailed {
		f.Fail(ErrConnectionInFailedState)
		return f
	}

	if conn, ok := c.supervisor.Connection(); ok {
		conn.SendCommand(f, verb, args...)
		return f
	}

	c.queueMu.Lock()
	c.queue = append(c.queue, pendingCommand{handle: f, verb: verb, args: args})
	c.queueMu.Unlock()
	return f
}

func (c *CommandClient) drainQueue() []pendingCommand {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	q := c.queue
	c.queue = nil
	return q
}

// connectionFactory is what the supervisor invokes on every Connecting
// entry: dial, run the raw AUTH/SELECT handshake directly on the socket,
// wrap it as a RequestConnection, and hand back the ready connection. The
// pending queue is deliberately not drained here — see
// mirrorSupervisorEvents — so that :connected is observable before any
// queued command reaches the wire. Any failure at any stage closes the
// half-open connection and reports a ConnectFailedError, driving the
// supervisor's retry.
func (c *CommandClient) connectionFactory(ctx context.Context) (*RequestConnection, error) {
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

	rc := newRequestConnectionFromReader(netConn, reader, ConnectionOptions{
		Logger:                    c.logger,
		Clock:                     c.clock,
		InactivityTrigger:         time.Duration(ep.InactivityTrigger) * time.Second,
		InactivityResponseTimeout: time.Duration(ep.InactivityResponseTimeout) * time.Second,
	})

	return rc, nil
}

package redis

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// conservativeMSS mirrors the teacher's buffer sizing: IPv6 minimum MTU
// (1280) minus IP/TCP headers, a safe read-buffer size that avoids extra
// allocations for typical replies without over-committing memory.
const conservativeMSS = 1208

// ConnectionOptions configures the ambient concerns (logging, time source,
// inactivity probing) shared by RequestConnection and PubSubConnection.
type ConnectionOptions struct {
	Logger *zap.Logger
	Clock  clockwork.Clock

	// InactivityTrigger is the idle duration after which a probe command
	// is issued. Zero disables the probe.
	InactivityTrigger time.Duration
	// InactivityResponseTimeout is the further idle duration, counted
	// from InactivityTrigger, after which the socket is force closed.
	InactivityResponseTimeout time.Duration
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// dialTCP opens a TCP (or Unix domain socket, for paths) connection,
// honoring ctx for cancellation/timeout.
func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	network := "tcp"
	if len(addr) > 0 && addr[0] == '/' {
		network = "unix"
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return conn, nil
}

// RequestConnection is one TCP session speaking pipelined Redis
// request/response: a FIFO reply queue pairs every inbound reply with the
// completion handle enqueued for the command that produced it.
type RequestConnection struct {
	id      string
	conn    net.Conn
	reader  *bufio.Reader
	events  *EventBus
	logger  *zap.Logger
	clock   clockwork.Clock

	mu       sync.Mutex
	queue    []*Future
	closed   bool

	inactivityTrigger        time.Duration
	inactivityResponseTimeout time.Duration
	lastActivity             time.Time
	probeStop                chan struct{}
}

// NewRequestConnection wraps an already-established socket and starts its
// read loop (and, if configured, its inactivity probe) in background
// goroutines. It emits :connected once those goroutines are running.
func NewRequestConnection(conn net.Conn, opts ConnectionOptions) *RequestConnection {
	return newRequestConnection(conn, bufio.NewReaderSize(conn, conservativeMSS), opts)
}

// newRequestConnectionFromReader wraps conn using a reader that has already
// consumed some bytes off it (e.g. during a raw AUTH/SELECT handshake run
// before the connection is handed off to this type). Reusing that exact
// *bufio.Reader, rather than building a fresh one, is required: a fresh
// reader could drop bytes already buffered but unread.
func newRequestConnectionFromReader(conn net.Conn, reader *bufio.Reader, opts ConnectionOptions) *RequestConnection {
	return newRequestConnection(conn, reader, opts)
}

func newRequestConnection(conn net.Conn, reader *bufio.Reader, opts ConnectionOptions) *RequestConnection {
	opts = opts.withDefaults()
	id := uuid.NewString()
	c := &RequestConnection{
		id:                        id,
		conn:                      conn,
		reader:                    reader,
		events:                    NewEventBus(),
		logger:                    opts.Logger.With(zap.String("conn_id", id)),
		clock:                     opts.Clock,
		inactivityTrigger:         opts.InactivityTrigger,
		inactivityResponseTimeout: opts.InactivityResponseTimeout,
		lastActivity:              opts.Clock.Now(),
		probeStop:                 make(chan struct{}),
	}

	go c.readLoop()
	if c.inactivityTrigger > 0 {
		go c.probeLoop()
	}
	c.events.Emit("connected")
	return c
}

// Events returns the bus used to deliver :connected, :disconnected, and
// :repliesOutOfSync.
func (c *RequestConnection) Events() *EventBus { return c.events }

// SendCommand enqueues handle on the reply queue, encodes verb/args, and
// writes the bytes, returning immediately. handle resolves later, from the
// read loop, in FIFO order relative to every other command sent on this
// connection.
func (c *RequestConnection) SendCommand(handle *Future, verb string, args ...string) {
	buf := EncodeCommand(verb, args...)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		handle.Fail(&ConnectionLostError{})
		return
	}
	c.queue = append(c.queue, handle)
	_, err := c.conn.Write(buf)
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("write failed, closing connection", zap.Error(err))
		c.Close()
		return
	}
	c.mu.Unlock()
}

func (c *RequestConnection) popHead() (*Future, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	h := c.queue[0]
	c.queue = c.queue[1:]
	return h, true
}

func (c *RequestConnection) readLoop() {
	for {
		frame, err := DecodeFrame(c.reader)
		if err != nil {
			c.logger.Info("read loop ended", zap.Error(err))
			c.Close()
			return
		}
		c.mu.Lock()
		c.lastActivity = c.clock.Now()
		c.mu.Unlock()

		handle, ok := c.popHead()
		if !ok {
			c.logger.Error("reply received with empty queue")
			c.events.Emit("repliesOutOfSync")
			c.Close()
			return
		}

		if frame.Kind == KindError {
			handle.Fail(frame.Err)
		} else {
			handle.Succeed(frame.Value())
		}
	}
}

func (c *RequestConnection) probeLoop() {
	ticker := c.clock.NewTicker(time.Second)
	defer ticker.Stop()
	pinged := false
	for {
		select {
		case <-c.probeStop:
			return
		case <-ticker.Chan():
			c.mu.Lock()
			idle := c.clock.Now().Sub(c.lastActivity)
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			switch {
			case idle >= c.inactivityTrigger+c.inactivityResponseTimeout:
				c.logger.Warn("inactivity response timeout exceeded, closing", zap.Duration("idle", idle))
				c.Close()
				return
			case idle >= c.inactivityTrigger && !pinged:
				pinged = true
				c.logger.Debug("inactivity trigger reached, sending ping")
				ping := NewFuture()
				ping.OnSuccess(func(interface{}) { pinged = false })
				c.SendCommand(ping, "ping")
			case idle < c.inactivityTrigger:
				pinged = false
			}
		}
	}
}

// Close tears the socket down, fails every queued handle with
// ConnectionLostError, and emits :disconnected. Safe to call more than
// once; later calls are no-ops.
func (c *RequestConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	close(c.probeStop)
	err := c.conn.Close()

	for _, h := range pending {
		h.Fail(&ConnectionLostError{})
	}
	c.events.Emit("disconnected")
	return err
}

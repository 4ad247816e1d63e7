package redis

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// internalPingChannel is the reserved name PubSubConnection subscribes to
// and immediately unsubscribes from as its inactivity probe, since a
// pub/sub connection cannot process general commands like PING.
const internalPingChannel = "__internal-ping"

var pubsubVerbs = map[string]bool{
	"subscribe":    true,
	"unsubscribe":  true,
	"psubscribe":   true,
	"punsubscribe": true,
}

// PubSubConnection speaks the same transport as RequestConnection but
// dispatches differently: subscribe/unsubscribe/psubscribe/punsubscribe
// acknowledge per-channel (not FIFO-globally), and message/pmessage frames
// are routed to dedicated events rather than paired with a handle.
type PubSubConnection struct {
	id     string
	conn   net.Conn
	reader *bufio.Reader
	events *EventBus
	logger *zap.Logger
	clock  clockwork.Clock

	mu       sync.Mutex
	acks     map[string][]*Future // per-name FIFO of pending sub/unsub handles
	closed   bool

	inactivityTrigger         time.Duration
	inactivityResponseTimeout time.Duration
	lastActivity              time.Time
	probeStop                 chan struct{}
}

// NewPubSubConnection wraps an already-established socket dedicated to
// pub/sub traffic and starts its read loop and inactivity probe.
func NewPubSubConnection(conn net.Conn, opts ConnectionOptions) *PubSubConnection {
	return newPubSubConnection(conn, bufio.NewReaderSize(conn, conservativeMSS), opts)
}

// newPubSubConnectionFromReader mirrors
// newRequestConnectionFromReader: it reuses a *bufio.Reader that has
// already consumed the raw AUTH/SELECT handshake bytes off conn.
func newPubSubConnectionFromReader(conn net.Conn, reader *bufio.Reader, opts ConnectionOptions) *PubSubConnection {
	return newPubSubConnection(conn, reader, opts)
}

func newPubSubConnection(conn net.Conn, reader *bufio.Reader, opts ConnectionOptions) *PubSubConnection {
	opts = opts.withDefaults()
	id := uuid.NewString()
	c := &PubSubConnection{
		id:                        id,
		conn:                      conn,
		reader:                    reader,
		events:                    NewEventBus(),
		logger:                    opts.Logger.With(zap.String("conn_id", id)),
		clock:                     opts.Clock,
		acks:                      make(map[string][]*Future),
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

// Events returns the bus used to deliver :connected, :disconnected,
// :message, :pmessage, :subscribe, :unsubscribe, :psubscribe, :punsubscribe.
func (c *PubSubConnection) Events() *EventBus { return c.events }

// SendCommand issues one of subscribe/unsubscribe/psubscribe/punsubscribe
// for exactly one channel/pattern. Any other verb, or any call with an
// arity other than one name, fails handle with ErrInvalidArgument without
// touching the wire.
func (c *PubSubConnection) SendCommand(handle *Future, verb string, name string) {
	if !pubsubVerbs[verb] {
		handle.Fail(ErrInvalidArgument)
		return
	}

	buf := EncodeCommand(verb, name)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		handle.Fail(&ConnectionLostError{})
		return
	}
	c.acks[name] = append(c.acks[name], handle)
	_, err := c.conn.Write(buf)
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("write failed, closing pubsub connection", zap.Error(err))
		c.Close()
		return
	}
	c.mu.Unlock()
}

func (c *PubSubConnection) popAck(name string) (*Future, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.acks[name]
	if len(list) == 0 {
		return nil, false
	}
	h := list[0]
	list = list[1:]
	if len(list) == 0 {
		delete(c.acks, name)
	} else {
		c.acks[name] = list
	}
	return h, true
}

func (c *PubSubConnection) readLoop() {
	for {
		frame, err := DecodeFrame(c.reader)
		if err != nil {
			c.logger.Info("pubsub read loop ended", zap.Error(err))
			c.Close()
			return
		}
		c.mu.Lock()
		c.lastActivity = c.clock.Now()
		c.mu.Unlock()

		if frame.Kind != KindArray || len(frame.Array) < 3 {
			c.logger.Error("unexpected pubsub frame shape", zap.Any("kind", frame.Kind))
			c.events.Emit("repliesOutOfSync")
			c.Close()
			return
		}

		pushType := string(frame.Array[0].Bulk)
		switch pushType {
		case "subscribe", "unsubscribe", "psubscribe", "punsubscribe":
			name := string(frame.Array[1].Bulk)
			count := frame.Array[2].Integer
			if handle, ok := c.popAck(name); ok {
				handle.Succeed(count)
			}
			c.events.Emit(pushType, name, count)

		case "message":
			channel := string(frame.Array[1].Bulk)
			payload := frame.Array[2].Bulk
			c.events.Emit("message", channel, payload)

		case "pmessage":
			if len(frame.Array) < 4 {
				continue
			}
			pattern := string(frame.Array[1].Bulk)
			channel := string(frame.Array[2].Bulk)
			payload := frame.Array[3].Bulk
			c.events.Emit("pmessage", pattern, channel, payload)

		default:
			c.logger.Warn("unrecognized pubsub push type", zap.String("type", pushType))
		}
	}
}

func (c *PubSubConnection) probeLoop() {
	ticker := c.clock.NewTicker(time.Second)
	defer ticker.Stop()
	probing := false
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
				c.logger.Warn("pubsub inactivity response timeout exceeded, closing", zap.Duration("idle", idle))
				c.Close()
				return
			case idle >= c.inactivityTrigger && !probing:
				probing = true
				sub := NewFuture()
				sub.OnSuccess(func(interface{}) {
					unsub := NewFuture()
					unsub.OnSuccess(func(interface{}) { probing = false })
					c.SendCommand(unsub, "unsubscribe", internalPingChannel)
				})
				c.SendCommand(sub, "subscribe", internalPingChannel)
			case idle < c.inactivityTrigger:
				probing = false
			}
		}
	}
}

// Close tears the socket down, fails every pending ack handle with
// ConnectionLostError, and emits :disconnected.
func (c *PubSubConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.acks
	c.acks = nil
	c.mu.Unlock()

	close(c.probeStop)
	err := c.conn.Close()

	for _, list := range pending {
		for _, h := range list {
			h.Fail(&ConnectionLostError{})
		}
	}
	c.events.Emit("disconnected")
	return err
}

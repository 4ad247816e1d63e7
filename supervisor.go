package redis

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultRetryBudget is the number of consecutive failed connect attempts
// tolerated before the supervisor gives up and transitions to Failed.
const DefaultRetryBudget = 4

// DefaultReconnectDelay is the fixed wait applied before a retry that
// follows a Connecting -> Disconnected transition (i.e. the previous
// attempt never reached Connected). The exact value was left unspecified
// upstream; this is a small, deliberately chosen default.
const DefaultReconnectDelay = 500 * time.Millisecond

// wireConnection is the minimal shape ConnectionSupervisor needs from a
// connection: an event bus to attach a one-shot disconnect listener to, and
// a way to tear it down on request.
type wireConnection interface {
	Events() *EventBus
	Close() error
}

// ConnectionFactory opens a fresh connection for the supervisor. ctx is
// cancelled when a newer connect/reconnect supersedes this attempt; a
// well-behaved factory must stop dialing and close any half-open socket
// once ctx is done.
type ConnectionFactory[C wireConnection] func(ctx context.Context) (C, error)

// ConnectionSupervisor owns at most one connection and drives it through
// the lifecycle state machine of §3/§4.6: initial -> connecting ->
// connected -> disconnected -> connecting again or failed, with a bounded
// retry budget and manual recovery via Reconnect.
type ConnectionSupervisor[C wireConnection] struct {
	events  *EventBus
	sm      *StateMachine
	clock   clockwork.Clock
	logger  *zap.Logger
	factory ConnectionFactory[C]

	retryBudget    int
	reconnectDelay time.Duration

	inbox chan func()

	mu         sync.RWMutex
	conn       C
	hasConn    bool
	attempt    int
	generation int
	cancelAttempt context.CancelFunc
}

// SupervisorOptions configures retry policy and ambient concerns.
type SupervisorOptions struct {
	Logger         *zap.Logger
	Clock          clockwork.Clock
	RetryBudget    int
	ReconnectDelay time.Duration
}

func (o SupervisorOptions) withDefaults() SupervisorOptions {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.RetryBudget == 0 {
		o.RetryBudget = DefaultRetryBudget
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	return o
}

// NewConnectionSupervisor builds a supervisor in the Initial state. factory
// is invoked every time the supervisor enters Connecting. The supervisor
// runs its own serialized loop goroutine; every public method merely posts
// a closure to that loop and returns immediately — mutation is confined to
// one goroutine, matching §5's single-logical-executor model.
func NewConnectionSupervisor[C wireConnection](factory ConnectionFactory[C], opts SupervisorOptions) *ConnectionSupervisor[C] {
	opts = opts.withDefaults()
	events := NewEventBus()
	s := &ConnectionSupervisor[C]{
		events:         events,
		sm:             NewStateMachine(events, StateInitial, lifecycleEdges),
		clock:          opts.Clock,
		logger:         opts.Logger,
		factory:        factory,
		retryBudget:    opts.RetryBudget,
		reconnectDelay: opts.ReconnectDelay,
		inbox:          make(chan func(), 16),
	}
	go s.run()
	return s
}

// Events returns the bus carrying :connected, :reconnected, :disconnected,
// :reconnect_failed, and :failed.
func (s *ConnectionSupervisor[C]) Events() *EventBus { return s.events }

// State returns the current lifecycle state. Safe for concurrent use; see
// StateMachine's comment on why this doesn't need s.mu.
func (s *ConnectionSupervisor[C]) State() LifecycleState {
	return s.sm.Current()
}

// Connection returns the current connection and true, only while Connected.
func (s *ConnectionSupervisor[C]) Connection() (conn C, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn, s.hasConn
}

// Close tears the supervisor down: it cancels any in-flight connect attempt,
// closes the current connection if one is held, and stops the executor
// goroutine. No further calls to Connect, Reconnect, or the wrapping
// client's methods are valid afterwards. Closing an already-closed
// supervisor panics, same as closing an already-closed channel twice.
//
// The returned error is the live connection's own Close error, collected
// with multierr; cancelling an in-flight attempt contributes no error.
func (s *ConnectionSupervisor[C]) Close() error {
	done := make(chan error, 1)
	s.post(func() {
		var errs error
		s.cancelCurrentAttempt()
		if s.hasConn {
			s.mu.Lock()
			conn := s.conn
			s.hasConn = false
			s.mu.Unlock()
			errs = multierr.Append(errs, conn.Close())
		}
		close(s.inbox)
		done <- errs
	})
	return <-done
}

func (s *ConnectionSupervisor[C]) run() {
	for fn := range s.inbox {
		fn()
	}
}

// post serializes fn onto the supervisor's single logical executor.
func (s *ConnectionSupervisor[C]) post(fn func()) {
	s.inbox <- fn
}

// Connect starts the first connection attempt. Legal only from Initial or
// Failed; a call from any other state is silently ignored (the supervisor
// is already connecting, connected, or mid-retry).
func (s *ConnectionSupervisor[C]) Connect() {
	s.post(func() {
		switch s.sm.Current() {
		case StateInitial, StateFailed:
			s.enterConnecting()
		}
	})
}

// Reconnect's behavior depends on the current state, per §4.6:
//   - Initial: same as Connect.
//   - Connecting: cancel the in-flight attempt and start a fresh one.
//   - Connected: ask the current connection to close; Disconnected follows
//     from the connection's own :disconnected event.
//   - Disconnected, Failed: transition straight to Connecting.
func (s *ConnectionSupervisor[C]) Reconnect() {
	s.post(func() {
		switch s.sm.Current() {
		case StateInitial:
			s.enterConnecting()
		case StateConnecting:
			s.cancelCurrentAttempt()
			s.enterConnecting()
		case StateConnected:
			conn := s.conn
			go conn.Close() // triggers the attached :disconnected listener
		case StateDisconnected, StateFailed:
			s.attempt = 0
			s.enterConnecting()
		}
	})
}

func (s *ConnectionSupervisor[C]) cancelCurrentAttempt() {
	if s.cancelAttempt != nil {
		s.cancelAttempt()
		s.cancelAttempt = nil
	}
}

func (s *ConnectionSupervisor[C]) enterConnecting() {
	s.cancelCurrentAttempt()
	s.sm.Update(StateConnecting)

	s.generation++
	gen := s.generation
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelAttempt = cancel

	go func() {
		conn, err := s.factory(ctx)
		s.post(func() {
			if gen != s.generation {
				// superseded by a newer attempt; discard this result
				if err == nil {
					go conn.Close()
				}
				return
			}
			s.onFactoryResult(conn, err)
		})
	}()
}

func (s *ConnectionSupervisor[C]) onFactoryResult(conn C, err error) {
	if err != nil {
		s.logger.Warn("connect attempt failed", zap.Error(err), zap.Int("attempt", s.attempt+1))
		s.enterDisconnected(StateConnecting, err)
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.hasConn = true
	s.mu.Unlock()

	wasRetry := s.attempt > 0
	s.sm.Update(StateConnected)
	s.events.Emit("connected")
	if wasRetry {
		s.attempt = 0
		s.events.Emit("reconnected")
	}

	conn.Events().Once("disconnected", func(args ...interface{}) {
		s.post(func() {
			if !s.hasConn {
				return // already handled (the connection was dropped by Close)
			}
			s.mu.Lock()
			s.hasConn = false
			s.mu.Unlock()
			s.enterDisconnected(StateConnected, nil)
		})
	})
}

// enterDisconnected runs the Disconnected-entry rules of §4.6. from is the
// state the supervisor is leaving (Connected or Connecting), which decides
// whether the retry is immediate or delayed.
func (s *ConnectionSupervisor[C]) enterDisconnected(from LifecycleState, cause error) {
	s.sm.Update(StateDisconnected)

	if from == StateConnected {
		s.events.Emit("disconnected", cause)
	}

	if s.attempt >= s.retryBudget {
		s.sm.Update(StateFailed)
		s.events.Emit("failed")
		return
	}

	s.attempt++
	s.events.Emit("reconnect_failed", s.attempt)

	// External :disconnected/:reconnect_failed listeners are allowed to
	// call Reconnect. Since Emit ran them on this very goroutine (the
	// supervisor's own executor), any such call is merely queued on
	// s.inbox behind this closure, not executed yet — so the state here
	// is still Disconnected regardless. The generation/state check inside
	// the delayed closure below is what actually prevents a double
	// schedule: by the time the timer fires, a queued manual Reconnect
	// will already have moved the machine past Disconnected.
	delay := s.reconnectDelay
	if from == StateConnected {
		delay = 0 // immediate retry after a clean loss
	}

	gen := s.generation
	go func() {
		if delay > 0 {
			<-s.clock.After(delay)
		}
		s.post(func() {
			if s.sm.Current() != StateDisconnected || gen != s.generation {
				return
			}
			s.enterConnecting()
		})
	}()
}

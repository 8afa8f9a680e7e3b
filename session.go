package rconclient

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// SessionState is the Session's connection lifecycle.
type SessionState int

const (
	StateClosed SessionState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateClosing
)

func (s SessionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// request is one serialized operation run on the Session's event-loop
// goroutine. Every mutation of Session state happens on that single
// goroutine, so no field needs its own lock.
type request struct {
	fn   func()
	done chan struct{}
}

// Session is a BattlEye RCON client connection: the state machine,
// Scheduler, Router, and Roster Engine bound to one UDP endpoint.
// Create with New; drive with Connect, SendCommand, and Close.
type Session struct {
	opts Options
	addr string

	log *logrus.Entry

	scheduler *scheduler
	reasm     *reassembler
	roster    *rosterEngine
	router    *router
	bus       *eventBus
	metrics   *metricsCollector

	requests   chan request
	shutdownCh chan struct{}

	// Fields below are only ever touched from the loop goroutine.
	state   SessionState
	dg      Datagrams
	readCh  chan []byte
	readEnd chan struct{}

	loginDeadlineAt   time.Time
	lastInboundAt     time.Time
	lastOutboundAt    time.Time
	lastPlayersPollAt time.Time

	reconnectAt       time.Time
	reconnectDisabled bool
}

// New constructs a Session bound to opts and starts its event loop. The
// loop runs until Shutdown is called; Connect/Close/SendCommand are
// requests serialized onto it.
func New(opts Options) (*Session, error) {
	opts = opts.normalize()
	addr, err := normalizeHostPort(opts.Host, opts.Port)
	if err != nil {
		return nil, err
	}

	sessionID := xid.New().String()
	log := logrus.WithFields(logrus.Fields{"component": "rconclient", "session": sessionID})

	metrics := newMetricsCollector(prometheusConstLabels(sessionID))
	if err := metrics.register(opts.Registerer); err != nil {
		return nil, err
	}

	bus := newEventBus(metrics)
	roster := newRosterEngine(bus, metrics, log.WithField("subcomponent", "roster"))
	sched := newScheduler(opts.MaxAttempts, log.WithField("subcomponent", "scheduler"))
	reasm := newReassembler()

	s := &Session{
		opts:       opts,
		addr:       addr,
		log:        log,
		scheduler:  sched,
		reasm:      reasm,
		roster:     roster,
		bus:        bus,
		metrics:    metrics,
		requests:   make(chan request),
		shutdownCh: make(chan struct{}),
		state:      StateClosed,
	}
	s.router = newRouter(sched, reasm, roster, metrics,
		func(seq byte) error { return s.dg.Send(EncodeAck(seq)) },
		func() bool { return s.state == StateConnected },
		log.WithField("subcomponent", "router"),
	)

	go s.loop()
	return s, nil
}

func prometheusConstLabels(sessionID string) map[string]string {
	return map[string]string{"session": sessionID}
}

// do enqueues fn to run on the loop goroutine and blocks until it has run.
// After Shutdown the loop is gone, so fn is not run and do returns at once.
func (s *Session) do(fn func()) {
	done := make(chan struct{})
	select {
	case s.requests <- request{fn: fn, done: done}:
	case <-s.shutdownCh:
		return
	}
	<-done
}

// Connect dials the configured endpoint and starts the login handshake
//. Returns true if a connection attempt was started; false if the
// Session was not in Closed state.
func (s *Session) Connect() bool {
	var started bool
	s.do(func() { started = s.doConnect() })
	return started
}

// Close requests the Session close its connection. reason is
// surfaced on the resulting EventDisconnected. If abortReconnect is true,
// auto-reconnect is disabled until the next explicit Connect call.
func (s *Session) Close(reason string, abortReconnect bool) bool {
	var acted bool
	s.do(func() {
		if s.state == StateClosed {
			return
		}
		acted = true
		if abortReconnect {
			s.reconnectDisabled = true
		}
		s.teardown(&closeRequestedError{Reason: reason}, !abortReconnect)
	})
	return acted
}

// SendCommand queues a command for delivery. Returns an error if
// the Session is not Connected; the command is otherwise fire-and-forget,
// delivered through the normal Scheduler/resend machinery.
func (s *Session) SendCommand(text string) error {
	var err error
	s.do(func() {
		if s.state != StateConnected {
			err = fmt.Errorf("rconclient: not connected")
			return
		}
		s.scheduler.enqueueUser([]byte(text))
	})
	return err
}

// Players returns an immutable snapshot of the authoritative roster.
func (s *Session) Players() []Player { return s.roster.Snapshot() }

// Events returns the channel of session/roster events.
func (s *Session) Events() <-chan Event { return s.bus.events() }

// Metrics returns a point-in-time snapshot of the Session's counters.
func (s *Session) Metrics() Metrics { return s.metrics.snapshot() }

// State returns the current connection state.
func (s *Session) State() SessionState {
	var st SessionState
	s.do(func() { st = s.state })
	return st
}

// Shutdown closes the connection (if any), disables reconnect, and stops
// the Session's event-loop goroutine and maintenance ticker for good.
// The Session is unusable afterward; a later Connect call has no effect.
func (s *Session) Shutdown() {
	s.do(func() {
		if s.state != StateClosed {
			s.reconnectDisabled = true
			s.teardown(&closeRequestedError{Reason: "shutdown"}, false)
		}
	})
	close(s.shutdownCh)
}

// closeRequestedError marks a disconnect that was caller-initiated rather
// than triggered by a timeout or transport failure.
type closeRequestedError struct{ Reason string }

func (e *closeRequestedError) Error() string {
	if e.Reason == "" {
		return "rconclient: closed"
	}
	return "rconclient: closed: " + e.Reason
}

// doConnect implements the Closed -> Connecting -> Authenticating
// transition. Must run on the loop goroutine.
func (s *Session) doConnect() bool {
	if s.state != StateClosed {
		return false
	}
	s.reconnectDisabled = false
	s.reconnectAt = time.Time{}

	s.setState(StateConnecting)
	s.scheduler.reset()
	s.reasm = newReassembler()
	s.router.reasm = s.reasm
	s.roster.reset()
	s.router.reset()

	dg := s.opts.Datagrams
	if dg == nil {
		udg, err := dialUDP(s.addr)
		if err != nil {
			s.log.WithError(err).Warn("dial failed")
			s.setState(StateClosed)
			s.bus.emit(Event{Kind: EventError, Err: &TransportError{Err: err}})
			return false
		}
		dg = udg
	}
	s.dg = dg

	s.setState(StateAuthenticating)
	now := time.Now()
	s.loginDeadlineAt = now.Add(loginDeadline)
	s.lastInboundAt = now

	if err := s.dg.Send(EncodeLogin(s.opts.Password)); err != nil {
		s.dg.Close()
		s.setState(StateClosed)
		s.bus.emit(Event{Kind: EventError, Err: &TransportError{Err: err}})
		return false
	}

	s.startReader()
	return true
}

// startReader launches the background datagram reader for the current dg.
func (s *Session) startReader() {
	readCh := make(chan []byte, 64)
	readEnd := make(chan struct{})
	s.readCh = readCh
	s.readEnd = readEnd
	dg := s.dg
	go readerLoop(dg, readCh, readEnd)
}

// readerLoop pumps inbound datagrams into out. A short read deadline lets
// the loop notice readEnd closing even with no traffic; deadline timeouts
// are not errors and are retried silently. A real read error (socket
// closed, network unreachable) is signaled as a nil datagram and the
// goroutine exits.
func readerLoop(dg Datagrams, out chan<- []byte, end <-chan struct{}) {
	for {
		dg.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		b, err := dg.Receive()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-end:
					return
				default:
					continue
				}
			}
			select {
			case out <- nil:
			case <-end:
			}
			return
		}
		cp := append([]byte(nil), b...)
		select {
		case out <- cp:
		case <-end:
			return
		}
	}
}

// setState transitions state and logs it with a from/to breadcrumb.
func (s *Session) setState(st SessionState) {
	s.log.WithFields(logrus.Fields{"from": s.state.String(), "to": st.String()}).Debug("state transition")
	s.state = st
}

// teardown closes the current transport, stops the reader, emits
// EventDisconnected (and EventError if err is not a caller-requested
// close), and arms the reconnect policy when allowed.
func (s *Session) teardown(err error, allowReconnect bool) {
	if s.dg != nil {
		s.dg.Close()
		s.dg = nil
	}
	if s.readEnd != nil {
		close(s.readEnd)
		s.readEnd = nil
	}
	s.readCh = nil

	s.setState(StateClosed)

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	_, isAuthErr := err.(*AuthError)
	aborted := !allowReconnect || isAuthErr || s.reconnectDisabled

	s.bus.emit(Event{Kind: EventDisconnected, Reason: reason, Aborted: aborted})
	if _, ok := err.(*closeRequestedError); err != nil && !ok {
		s.bus.emit(Event{Kind: EventError, Err: err})
	}

	if isAuthErr {
		s.reconnectDisabled = true
	}

	if !aborted && s.opts.AutoReconnect {
		delay := reconnectDelayMin
		span := reconnectDelayMax - reconnectDelayMin
		if span > 0 {
			delay += time.Duration(rand.Int63n(int64(span) + 1))
		}
		s.reconnectAt = time.Now().Add(delay)
	} else {
		s.reconnectAt = time.Time{}
	}
}

// loop is the Session's single event-loop goroutine: it serializes every
// state mutation behind one select, driven by queued requests, inbound
// datagrams, and a 1s maintenance ticker.
func (s *Session) loop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownCh:
			return

		case req := <-s.requests:
			req.fn()
			close(req.done)

		case data, ok := <-s.readCh:
			if !ok || s.readCh == nil {
				continue
			}
			s.handleInbound(data)

		case now := <-ticker.C:
			s.handleTick(now)
		}
	}
}

// handleInbound decodes and dispatches one received datagram, or treats a
// nil datagram as a transport failure.
func (s *Session) handleInbound(data []byte) {
	if s.state == StateClosed {
		return
	}
	if data == nil {
		s.teardown(&TransportError{Err: fmt.Errorf("connection lost")}, true)
		return
	}

	s.lastInboundAt = time.Now()

	frame, err := Decode(data)
	if err != nil {
		s.metrics.decodeErrors.Inc()
		s.bus.emit(Event{Kind: EventError, Err: err})
		return
	}

	switch f := frame.(type) {
	case LoginStatus:
		s.handleLoginStatus(f)
	default:
		if s.state == StateConnected {
			s.router.handle(frame, s.lastInboundAt)
		}
	}
}

func (s *Session) handleLoginStatus(f LoginStatus) {
	if s.state != StateAuthenticating {
		return
	}
	if !f.Success {
		s.teardown(&AuthError{}, false)
		return
	}
	s.setState(StateConnected)
	now := time.Now()
	s.lastOutboundAt = now
	s.lastPlayersPollAt = time.Time{} // force an immediate poll on the next tick
	s.bus.emit(Event{Kind: EventConnected})
}

// handleTick runs the per-second maintenance pass: login/idle watchdogs,
// heartbeat and roster-poll scheduling, and Scheduler/Reassembler upkeep
//.
func (s *Session) handleTick(now time.Time) {
	switch s.state {
	case StateAuthenticating:
		if now.After(s.loginDeadlineAt) {
			s.teardown(&LoginTimeoutError{}, true)
		}

	case StateConnected:
		if now.Sub(s.lastInboundAt) > s.opts.IdleLimit {
			s.teardown(&IdleTimeoutError{}, true)
			return
		}
		if now.Sub(s.lastOutboundAt) > heartbeatIdleThreshold {
			s.scheduler.enqueueHeartbeat()
		}
		if s.lastPlayersPollAt.IsZero() || now.Sub(s.lastPlayersPollAt) >= s.opts.PlayerUpdateInterval {
			s.scheduler.enqueuePlayersPoll([]byte("players"))
			s.lastPlayersPollAt = now
		}

		act := s.scheduler.tick(now, s.reasm)
		switch act.Kind {
		case actionSend:
			if err := s.dg.Send(EncodeCommand(act.Seq, act.Payload)); err != nil {
				s.teardown(&TransportError{Err: err}, true)
				return
			}
			s.lastOutboundAt = now
			if act.IsResend {
				s.metrics.commandsResent.Inc()
			} else {
				s.metrics.commandsSent.Inc()
			}
		case actionGiveUp:
			s.metrics.commandsTimedOut.Inc()
			s.teardown(&CommandTimeoutError{}, true)
			return
		}
		s.reasm.gc(now)

	case StateClosed:
		if !s.reconnectAt.IsZero() && now.After(s.reconnectAt) {
			s.reconnectAt = time.Time{}
			s.doConnect()
		}
	}
}

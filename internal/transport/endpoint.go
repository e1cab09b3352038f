package transport

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/hongjun500/whiteboard-go/internal/observe"
	"github.com/hongjun500/whiteboard-go/internal/protocol"
	"github.com/hongjun500/whiteboard-go/pkg/logger"
)

// State 连接状态
type State int32

const (
	StateConnecting State = iota
	StateEstablished
	StateSessionStopped
	StateDisconnectedAbruptly
	StateProtocolViolated
	StateTimedOut
	StateInvalidMessage
	StateClosed // closed locally without a failure
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateSessionStopped:
		return "session_stopped"
	case StateDisconnectedAbruptly:
		return "disconnected"
	case StateProtocolViolated:
		return "violation"
	case StateTimedOut:
		return "timeout"
	case StateInvalidMessage:
		return "invalid_message"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Endpoint turns one duplex byte stream into a multiplexed envelope channel.
// It owns the connection, runs a single read loop and routes each envelope
// to the protocol that owns its event.
type Endpoint struct {
	id     string
	conn   net.Conn
	mgr    Manager
	opt    Options
	frames *FrameCodec
	log    *zap.SugaredLogger

	mu        sync.RWMutex
	protocols map[string]Protocol // name -> protocol
	events    map[string]Protocol // event -> protocol

	state     atomic.Int32
	running   atomic.Bool
	inSession atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	// 发送队列由单个写协程排空，Send 只入队
	out        chan []byte
	quit       chan struct{}
	writerDone chan struct{}

	attrMu sync.RWMutex
	attrs  map[string]any
}

// NewEndpoint wraps conn. Nothing is read until Run is called.
func NewEndpoint(conn net.Conn, mgr Manager, opt Options) *Endpoint {
	if mgr == nil {
		mgr = NopManager{}
	}
	e := &Endpoint{
		id:        uuid.New().String(),
		conn:      conn,
		mgr:       mgr,
		opt:       opt.withDefaults(),
		frames:    NewFrameCodec(),
		protocols: make(map[string]Protocol),
		events:    make(map[string]Protocol),
		done:      make(chan struct{}),
		attrs:     make(map[string]any),
	}
	e.out = make(chan []byte, e.opt.SendQueue)
	e.quit = make(chan struct{})
	e.writerDone = make(chan struct{})
	e.log = logger.Named("endpoint").Sugar().With("endpoint", e.id, "remote", e.RemoteAddr())
	go e.writeLoop()
	return e
}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) RemoteAddr() string {
	if e.conn != nil && e.conn.RemoteAddr() != nil {
		return e.conn.RemoteAddr().String()
	}
	return ""
}

func (e *Endpoint) Clock() clock.Clock { return e.opt.Clock }

func (e *Endpoint) State() State { return State(e.state.Load()) }

// Done is closed once the endpoint is closed.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

func (e *Endpoint) IsClosed() bool { return e.closed.Load() }

// Set 给连接打标签，例如对端 peer id
func (e *Endpoint) Set(key string, v any) {
	e.attrMu.Lock()
	e.attrs[key] = v
	e.attrMu.Unlock()
}

func (e *Endpoint) Get(key string) (any, bool) {
	e.attrMu.RLock()
	defer e.attrMu.RUnlock()
	v, ok := e.attrs[key]
	return v, ok
}

// Protocol returns the attached protocol with the given name.
func (e *Endpoint) Protocol(name string) Protocol {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.protocols[name]
}

// AttachProtocol registers p and starts it. It fails with
// ErrProtocolAlreadyRunning when p's name or any of its events is taken.
func (e *Endpoint) AttachProtocol(p Protocol) error {
	if e.IsClosed() {
		return ErrEndpointUnavailable
	}
	e.mu.Lock()
	if _, ok := e.protocols[p.Name()]; ok {
		e.mu.Unlock()
		return errors.Wrap(ErrProtocolAlreadyRunning, p.Name())
	}
	for _, ev := range p.Events() {
		if owner, ok := e.events[ev]; ok {
			e.mu.Unlock()
			return errors.Wrapf(ErrProtocolAlreadyRunning, "event %s owned by %s", ev, owner.Name())
		}
	}
	e.protocols[p.Name()] = p
	for _, ev := range p.Events() {
		e.events[ev] = p
	}
	e.mu.Unlock()

	if err := p.Start(); err != nil {
		e.DetachProtocol(p.Name())
		return errors.Wrapf(err, "start %s", p.Name())
	}
	return nil
}

// DetachProtocol stops and removes the named protocol, if attached.
func (e *Endpoint) DetachProtocol(name string) {
	e.mu.Lock()
	p, ok := e.protocols[name]
	if ok {
		delete(e.protocols, name)
		for _, ev := range p.Events() {
			if e.events[ev] == p {
				delete(e.events, ev)
			}
		}
	}
	e.mu.Unlock()
	if ok {
		p.Stop()
	}
}

// Send encodes one envelope and queues it for the writer. Envelopes leave in
// the order Send was called. Send never waits on the network: a peer that
// lets the queue fill up is cut off and its read loop reports an abrupt
// disconnect.
func (e *Endpoint) Send(event string, args ...string) error {
	if e.IsClosed() {
		return ErrEndpointUnavailable
	}
	var buf bytes.Buffer
	if err := e.opt.Codec.Encode(&buf, protocol.NewEnvelope(event, args...)); err != nil {
		return errors.Wrapf(err, "encode %s", event)
	}
	select {
	case e.out <- buf.Bytes():
	default:
		e.log.Warnw("endpoint_send_queue_full", "event", event, "queue", cap(e.out))
		observe.IncEndpointFailure("send_queue_full")
		_ = e.conn.Close()
		return errors.Wrap(ErrEndpointUnavailable, "send queue full")
	}
	e.log.Debugw("endpoint_send", "event", event, "args", len(args))
	return nil
}

func (e *Endpoint) writeLoop() {
	defer close(e.writerDone)
	for {
		select {
		case frame := <-e.out:
			if !e.write(frame, e.opt.WriteTimeout) {
				return
			}
		case <-e.quit:
			e.flush()
			return
		}
	}
}

// flush 关闭前尽量写出已入队的帧，例如会话停止的回复
func (e *Endpoint) flush() {
	for {
		select {
		case frame := <-e.out:
			if !e.write(frame, flushTimeout) {
				return
			}
		default:
			return
		}
	}
}

func (e *Endpoint) write(frame []byte, timeout time.Duration) bool {
	if timeout > 0 {
		_ = e.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := e.frames.WriteFrame(e.conn, frame); err != nil {
		if !e.IsClosed() {
			// 关闭连接后由读循环上报断开
			e.log.Infow("endpoint_write_error", "err", err)
			_ = e.conn.Close()
		}
		return false
	}
	return true
}

// Run reports EndpointReady and then reads until the connection fails or is
// closed. It returns nil after a local close.
func (e *Endpoint) Run() error {
	if !e.state.CompareAndSwap(int32(StateConnecting), int32(StateEstablished)) {
		return ErrEndpointUnavailable
	}
	e.running.Store(true)
	observe.AddEndpoints(1)
	e.log.Infow("endpoint_established")
	e.mgr.EndpointReady(e)

	for {
		raw, err := e.frames.ReadFrame(e.conn, e.opt.MaxFrameSize)
		if err != nil {
			if e.IsClosed() {
				return nil
			}
			if errors.Is(err, ErrFrameTooLarge) {
				e.invalidMessage(err)
				return err
			}
			e.fail(StateDisconnectedAbruptly, func() { e.mgr.EndpointDisconnectedAbruptly(e) })
			return err
		}
		var env protocol.Envelope
		if err := e.opt.Codec.Decode(bytes.NewReader(raw), &env, e.opt.MaxFrameSize); err != nil {
			e.invalidMessage(err)
			return err
		}
		if err := e.dispatch(&env); err != nil {
			return err
		}
		if e.IsClosed() {
			return nil
		}
	}
}

func (e *Endpoint) dispatch(env *protocol.Envelope) error {
	e.mu.RLock()
	p := e.events[env.Event]
	e.mu.RUnlock()

	if p == nil {
		p = e.mgr.ProtocolRequested(e, env.Event)
		if p == nil {
			err := errors.Wrap(ErrUnknownEvent, env.Event)
			e.invalidMessage(err)
			return err
		}
		if err := e.AttachProtocol(p); err != nil {
			e.invalidMessage(err)
			return err
		}
		e.mu.RLock()
		owned := e.events[env.Event] == p
		e.mu.RUnlock()
		if !owned {
			err := errors.Wrapf(ErrUnknownEvent, "%s not owned by %s", env.Event, p.Name())
			e.invalidMessage(err)
			return err
		}
	}

	err := p.Handle(env)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProtocolViolation):
		e.log.Warnw("endpoint_protocol_violation", "protocol", p.Name(), "event", env.Event, "err", err)
		e.fail(StateProtocolViolated, func() { e.mgr.ProtocolViolation(e, p, err) })
		return err
	case errors.Is(err, ErrTimeout):
		e.TimedOut(p)
		return err
	case errors.Is(err, protocol.ErrMalformedEnvelope), errors.Is(err, ErrUnknownEvent):
		e.invalidMessage(err)
		return err
	case errors.Is(err, ErrEndpointUnavailable):
		return nil
	default:
		// 处理失败但不影响连接
		e.log.Warnw("endpoint_handle_error", "protocol", p.Name(), "event", env.Event, "err", err)
		return nil
	}
}

func (e *Endpoint) invalidMessage(err error) {
	e.log.Warnw("endpoint_invalid_message", "err", err)
	e.fail(StateInvalidMessage, func() { e.mgr.EndpointSentInvalidMessage(e, err) })
}

// TimedOut is called by a protocol whose deadline expired.
func (e *Endpoint) TimedOut(p Protocol) {
	e.log.Warnw("endpoint_timeout", "protocol", p.Name())
	e.fail(StateTimedOut, func() { e.mgr.EndpointTimedOut(e, p) })
}

// NotifySessionStarted forwards the session protocol's start signal.
func (e *Endpoint) NotifySessionStarted() {
	if e.IsClosed() {
		return
	}
	if e.inSession.CompareAndSwap(false, true) {
		observe.AddSessions(1)
	}
	e.mgr.SessionStarted(e)
}

// NotifySessionStopped ends the endpoint with StateSessionStopped.
func (e *Endpoint) NotifySessionStopped() {
	e.fail(StateSessionStopped, func() { e.mgr.SessionStopped(e) })
}

// fail performs the single terminal transition out of Established. Only the
// first caller's notify runs; every caller closes the endpoint.
func (e *Endpoint) fail(to State, notify func()) {
	if e.terminate(to) {
		if to != StateSessionStopped {
			observe.IncEndpointFailure(to.String())
		}
		notify()
	}
	e.Close()
}

func (e *Endpoint) terminate(to State) bool {
	for {
		cur := State(e.state.Load())
		if cur != StateConnecting && cur != StateEstablished {
			return false
		}
		if e.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

// Close is idempotent: it stops every protocol, closes the connection and
// reports EndpointClosed exactly once.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.terminate(StateClosed)
		e.closed.Store(true)

		e.mu.Lock()
		ps := make([]Protocol, 0, len(e.protocols))
		for _, p := range e.protocols {
			ps = append(ps, p)
		}
		e.mu.Unlock()
		for _, p := range ps {
			p.Stop()
		}

		// 写协程可能阻塞在不读数据的对端上
		_ = e.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
		close(e.quit)
		<-e.writerDone
		err = e.conn.Close()
		close(e.done)
		if e.inSession.Load() {
			observe.AddSessions(-1)
		}
		if e.running.Load() {
			observe.AddEndpoints(-1)
		}
		e.log.Infow("endpoint_closed", "state", e.State().String())
		e.mgr.EndpointClosed(e)
	})
	return err
}

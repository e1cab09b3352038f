package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hongjun500/whiteboard-go/internal/protocol"
	"github.com/hongjun500/whiteboard-go/internal/transport"
	"github.com/hongjun500/whiteboard-go/pkg/logger"
)

// Name is the protocol name used on an endpoint.
const Name = "session"

const (
	EventStartRequest = "SESSION_START_REQUEST"
	EventStartReply   = "SESSION_START_REPLY"
	EventStopRequest  = "SESSION_STOP_REQUEST"
	EventStopReply    = "SESSION_STOP_REPLY"
)

// Events lists every event owned by the session protocol.
var Events = []string{EventStartRequest, EventStartReply, EventStopRequest, EventStopReply}

type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// State 会话状态
type State int

const (
	StateIdle State = iota
	StateAwaitingStart
	StateActive
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingStart:
		return "awaiting_start"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Protocol brackets the lifetime of a connection's application traffic.
// The client asks to start, the server replies and only then reports
// SessionStarted, so anything sent from that hook follows the reply.
type Protocol struct {
	e        *transport.Endpoint
	role     Role
	timeout  time.Duration
	deadline *transport.Deadline
	log      *zap.SugaredLogger

	mu    sync.Mutex
	state State
}

// NewClient returns the initiating side. A zero timeout waits forever for the
// start and stop replies.
func NewClient(e *transport.Endpoint, timeout time.Duration) *Protocol {
	return newProtocol(e, RoleClient, timeout)
}

func NewServer(e *transport.Endpoint, timeout time.Duration) *Protocol {
	return newProtocol(e, RoleServer, timeout)
}

func newProtocol(e *transport.Endpoint, role Role, timeout time.Duration) *Protocol {
	return &Protocol{
		e:        e,
		role:     role,
		timeout:  timeout,
		deadline: transport.NewDeadline(e.Clock()),
		log:      logger.Named("session").Sugar().With("endpoint", e.ID()),
	}
}

func (p *Protocol) Name() string     { return Name }
func (p *Protocol) Events() []string { return Events }

func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start sends the start request on the client side; the server waits.
func (p *Protocol) Start() error {
	if p.role == RoleServer {
		return nil
	}
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return transport.Violation("session start from %s", p.state)
	}
	p.state = StateAwaitingStart
	p.mu.Unlock()

	if p.timeout > 0 {
		p.deadline.Arm(p.timeout, func() { p.e.TimedOut(p) })
	}
	return p.e.Send(EventStartRequest)
}

func (p *Protocol) Handle(env *protocol.Envelope) error {
	switch env.Event {
	case EventStartRequest:
		return p.onStartRequest()
	case EventStartReply:
		return p.onStartReply()
	case EventStopRequest:
		return p.onStopRequest()
	case EventStopReply:
		return p.onStopReply()
	}
	return transport.ErrUnknownEvent
}

func (p *Protocol) onStartRequest() error {
	p.mu.Lock()
	if p.role != RoleServer || p.state != StateIdle {
		st := p.state
		p.mu.Unlock()
		return transport.Violation("%s while %s", EventStartRequest, st)
	}
	p.state = StateActive
	p.mu.Unlock()

	if err := p.e.Send(EventStartReply); err != nil {
		return err
	}
	p.log.Infow("session_started", "role", "server")
	p.e.NotifySessionStarted()
	return nil
}

func (p *Protocol) onStartReply() error {
	p.mu.Lock()
	if p.role != RoleClient || p.state != StateAwaitingStart {
		st := p.state
		p.mu.Unlock()
		return transport.Violation("%s while %s", EventStartReply, st)
	}
	p.state = StateActive
	p.mu.Unlock()

	p.deadline.Disarm()
	p.log.Infow("session_started", "role", "client")
	p.e.NotifySessionStarted()
	return nil
}

func (p *Protocol) onStopRequest() error {
	p.mu.Lock()
	if p.state != StateActive {
		st := p.state
		p.mu.Unlock()
		return transport.Violation("%s while %s", EventStopRequest, st)
	}
	p.state = StateStopped
	p.mu.Unlock()

	_ = p.e.Send(EventStopReply)
	p.log.Infow("session_stopped", "initiator", "remote")
	p.e.NotifySessionStopped()
	return nil
}

func (p *Protocol) onStopReply() error {
	p.mu.Lock()
	if p.state != StateStopping {
		st := p.state
		p.mu.Unlock()
		return transport.Violation("%s while %s", EventStopReply, st)
	}
	p.state = StateStopped
	p.mu.Unlock()

	p.deadline.Disarm()
	p.log.Infow("session_stopped", "initiator", "local")
	p.e.NotifySessionStopped()
	return nil
}

// StopSession asks the remote side to end the session. It is a no-op unless
// the session is active. Without a reply within the timeout the endpoint is
// stopped anyway.
func (p *Protocol) StopSession() error {
	p.mu.Lock()
	if p.state != StateActive {
		p.mu.Unlock()
		return nil
	}
	p.state = StateStopping
	p.mu.Unlock()

	if p.timeout > 0 {
		p.deadline.Arm(p.timeout, func() {
			p.mu.Lock()
			p.state = StateStopped
			p.mu.Unlock()
			p.e.NotifySessionStopped()
		})
	}
	if err := p.e.Send(EventStopRequest); err != nil {
		p.deadline.Disarm()
		return err
	}
	return nil
}

func (p *Protocol) Stop() {
	p.deadline.Disarm()
}

// Of returns the session protocol attached to e, if any.
func Of(e *transport.Endpoint) *Protocol {
	if p, ok := e.Protocol(Name).(*Protocol); ok {
		return p
	}
	return nil
}

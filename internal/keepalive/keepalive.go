package keepalive

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hongjun500/whiteboard-go/internal/protocol"
	"github.com/hongjun500/whiteboard-go/internal/transport"
	"github.com/hongjun500/whiteboard-go/pkg/logger"
)

const Name = "keepalive"

const (
	EventRequest = "KEEPALIVE_REQUEST"
	EventReply   = "KEEPALIVE_REPLY"
)

// DefaultDelay 心跳间隔
const DefaultDelay = 20 * time.Second

var Events = []string{EventRequest, EventReply}

type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Protocol detects a silent peer. The client sends a request, times out if
// no reply arrives within delay, and sends the next one delay after the reply.
// The server replies at once and times out when no request arrives within
// delay plus half a delay of the last one.
type Protocol struct {
	e     *transport.Endpoint
	role  Role
	delay time.Duration
	timer *transport.Deadline
	log   *zap.SugaredLogger

	mu          sync.Mutex
	outstanding bool
	lastRequest time.Time
	exchanges   int
	stopped     bool
}

func NewClient(e *transport.Endpoint, delay time.Duration) *Protocol {
	return newProtocol(e, RoleClient, delay)
}

func NewServer(e *transport.Endpoint, delay time.Duration) *Protocol {
	return newProtocol(e, RoleServer, delay)
}

func newProtocol(e *transport.Endpoint, role Role, delay time.Duration) *Protocol {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Protocol{
		e:     e,
		role:  role,
		delay: delay,
		timer: transport.NewDeadline(e.Clock()),
		log:   logger.Named("keepalive").Sugar().With("endpoint", e.ID()),
	}
}

func (p *Protocol) Name() string     { return Name }
func (p *Protocol) Events() []string { return Events }

// Exchanges counts replies received (client) or requests answered (server).
func (p *Protocol) Exchanges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanges
}

func (p *Protocol) Start() error {
	if p.role == RoleServer {
		p.timer.Arm(p.serverWindow(), p.expire)
		return nil
	}
	return p.sendRequest()
}

func (p *Protocol) serverWindow() time.Duration {
	return p.delay + p.delay/2
}

func (p *Protocol) sendRequest() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.outstanding = true
	p.mu.Unlock()

	p.timer.Arm(p.delay, p.replyDue)
	return p.e.Send(EventRequest)
}

// replyDue runs delay after a request was sent.
func (p *Protocol) replyDue() {
	p.mu.Lock()
	late := p.outstanding
	p.mu.Unlock()
	if late {
		p.expire()
	}
}

// next runs when the next request is due.
func (p *Protocol) next() {
	if err := p.sendRequest(); err != nil {
		p.log.Debugw("keepalive_send_error", "err", err)
	}
}

func (p *Protocol) expire() {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return
	}
	p.log.Warnw("keepalive_timeout", "role", p.role, "delay", p.delay)
	p.e.TimedOut(p)
}

func (p *Protocol) Handle(env *protocol.Envelope) error {
	switch env.Event {
	case EventRequest:
		return p.onRequest()
	case EventReply:
		return p.onReply()
	}
	return transport.ErrUnknownEvent
}

func (p *Protocol) onRequest() error {
	if p.role != RoleServer {
		return transport.Violation("%s sent to keepalive client", EventRequest)
	}
	now := p.e.Clock().Now()
	p.mu.Lock()
	if p.exchanges > 0 && now.Sub(p.lastRequest) < p.delay/2 {
		gap := now.Sub(p.lastRequest)
		p.mu.Unlock()
		return transport.Violation("keepalive request %s after the previous one", gap)
	}
	p.lastRequest = now
	p.exchanges++
	p.mu.Unlock()

	p.timer.Arm(p.serverWindow(), p.expire)
	return p.e.Send(EventReply)
}

func (p *Protocol) onReply() error {
	if p.role != RoleClient {
		return transport.Violation("%s sent to keepalive server", EventReply)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.outstanding {
		return transport.Violation("%s without outstanding request", EventReply)
	}
	p.outstanding = false
	if !p.stopped {
		p.timer.Arm(p.delay, p.next)
	}
	p.exchanges++
	return nil
}

func (p *Protocol) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.timer.Disarm()
}

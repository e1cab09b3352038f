package manager

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hongjun500/whiteboard-go/internal/keepalive"
	"github.com/hongjun500/whiteboard-go/internal/observe"
	"github.com/hongjun500/whiteboard-go/internal/session"
	"github.com/hongjun500/whiteboard-go/internal/transport"
	"github.com/hongjun500/whiteboard-go/pkg/logger"
)

// stopGrace bounds how long Shutdown waits for the session stop reply.
const stopGrace = 2 * time.Second

// ClientManager keeps one outbound connection alive. It attaches the session
// and keepalive protocols to every endpoint it builds and re-dials after an
// abrupt disconnect or a timeout.
type ClientManager struct {
	addr  string
	cfg   Config
	hooks Hooks
	log   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu           sync.Mutex
	current      *transport.Endpoint
	reconnecting bool
	shutdown     bool
	finished     bool
	done         chan struct{}
}

func NewClientManager(addr string, cfg Config, hooks Hooks) *ClientManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientManager{
		addr:   addr,
		cfg:    cfg.withDefaults(),
		hooks:  hooks,
		log:    logger.Named("client_manager").Sugar().With("addr", addr),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (m *ClientManager) Addr() string { return m.addr }

// Start dials once. A failed first dial is returned to the caller and is not
// retried; reconnection only follows a connection that was established.
func (m *ClientManager) Start(ctx context.Context) error {
	conn, err := m.cfg.Dial(ctx, m.addr)
	if err != nil {
		m.finish()
		return errors.Wrapf(err, "connect %s", m.addr)
	}
	if !m.serve(conn) {
		return transport.ErrEndpointUnavailable
	}
	return nil
}

// serve builds a fresh endpoint on conn and runs it. It reports false when
// the manager has already been shut down.
func (m *ClientManager) serve(conn net.Conn) bool {
	e := transport.NewEndpoint(conn, m, m.cfg.Options)
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		_ = conn.Close()
		return false
	}
	m.current = e
	m.mu.Unlock()

	m.group.Go(func() error {
		_ = e.Run()
		return nil
	})
	return true
}

// Endpoint returns the live endpoint, or nil between connections.
func (m *ClientManager) Endpoint() *transport.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Send writes on the current endpoint.
func (m *ClientManager) Send(event string, args ...string) error {
	e := m.Endpoint()
	if e == nil {
		return transport.ErrEndpointUnavailable
	}
	return e.Send(event, args...)
}

// Done is closed when the manager will not connect again.
func (m *ClientManager) Done() <-chan struct{} { return m.done }

func (m *ClientManager) finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.finished {
		m.finished = true
		close(m.done)
	}
}

// Shutdown stops the session, disables reconnection and waits for every
// goroutine the manager started. It must not be called from a hook.
func (m *ClientManager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		_ = m.group.Wait()
		return
	}
	m.shutdown = true
	e := m.current
	m.mu.Unlock()

	m.cancel()
	if e != nil {
		if s := session.Of(e); s != nil && s.State() == session.StateActive {
			if err := s.StopSession(); err == nil {
				select {
				case <-e.Done():
				case <-time.After(stopGrace):
				}
			}
		}
		_ = e.Close()
	}
	_ = m.group.Wait()
	m.finish()
	m.log.Infow("client_manager_shutdown")
}

func (m *ClientManager) EndpointReady(e *transport.Endpoint) {
	m.log.Infow("connection_established", "endpoint", e.ID())
	if err := e.AttachProtocol(session.NewClient(e, m.cfg.KeepAliveDelay)); err != nil {
		m.log.Warnw("session_attach_error", "err", err)
		_ = e.Close()
		return
	}
	if err := e.AttachProtocol(keepalive.NewClient(e, m.cfg.KeepAliveDelay)); err != nil {
		m.log.Warnw("keepalive_attach_error", "err", err)
		_ = e.Close()
	}
}

func (m *ClientManager) EndpointClosed(e *transport.Endpoint) {
	m.mu.Lock()
	if m.current == e {
		m.current = nil
	}
	pending := m.reconnecting
	m.mu.Unlock()

	m.hooks.closed(e)
	if !pending {
		m.finish()
	}
}

func (m *ClientManager) EndpointDisconnectedAbruptly(e *transport.Endpoint) {
	m.log.Warnw("connection_terminated_abruptly", "endpoint", e.ID())
	m.hooks.failed(e, disconnectedErr())
	m.reconnect(e)
}

func (m *ClientManager) EndpointSentInvalidMessage(e *transport.Endpoint, err error) {
	m.log.Warnw("server_sent_invalid_message", "endpoint", e.ID(), "err", err)
	m.hooks.failed(e, err)
}

func (m *ClientManager) EndpointTimedOut(e *transport.Endpoint, p transport.Protocol) {
	m.log.Warnw("server_timed_out", "endpoint", e.ID(), "protocol", p.Name())
	m.hooks.failed(e, errors.Wrap(transport.ErrTimeout, p.Name()))
	m.reconnect(e)
}

func (m *ClientManager) ProtocolViolation(e *transport.Endpoint, p transport.Protocol, err error) {
	m.log.Warnw("protocol_violation", "endpoint", e.ID(), "protocol", p.Name(), "err", err)
	m.hooks.failed(e, err)
}

func (m *ClientManager) SessionStarted(e *transport.Endpoint) {
	m.log.Infow("session_started", "endpoint", e.ID())
	m.hooks.started(e)
}

func (m *ClientManager) SessionStopped(e *transport.Endpoint) {
	m.log.Infow("session_stopped", "endpoint", e.ID())
	m.hooks.stopped(e)
}

func (m *ClientManager) ProtocolRequested(e *transport.Endpoint, event string) transport.Protocol {
	if m.cfg.Requested != nil {
		return m.cfg.Requested(e, event)
	}
	return nil
}

func (m *ClientManager) endReconnect() {
	m.mu.Lock()
	m.reconnecting = false
	m.mu.Unlock()
}

// reconnect runs at most one retry loop at a time: every attempt waits the
// reconnect delay first, success rebuilds the endpoint from scratch.
func (m *ClientManager) reconnect(last *transport.Endpoint) {
	m.mu.Lock()
	if m.shutdown || m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	m.group.Go(func() error {
		policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.ReconnectDelay), uint64(m.cfg.ReconnectAttempts))
		for attempt := 1; ; attempt++ {
			wait := policy.NextBackOff()
			if wait == backoff.Stop {
				observe.IncReconnect("exhausted")
				m.log.Errorw("reconnect_exhausted", "attempts", attempt-1)
				m.endReconnect()
				m.hooks.failed(last, ErrReconnectExhausted)
				m.finish()
				return nil
			}
			t := m.cfg.Clock.NewTimer(wait)
			select {
			case <-t.C():
			case <-m.ctx.Done():
				t.Stop()
				m.endReconnect()
				m.finish()
				return nil
			}

			conn, err := m.cfg.Dial(m.ctx, m.addr)
			if err != nil {
				observe.IncReconnect("failure")
				m.log.Infow("reconnect_failed", "attempt", attempt, "err", err)
				continue
			}
			observe.IncReconnect("success")
			m.log.Infow("reconnected", "attempt", attempt)
			// 新连接可能立刻再次断开，需要允许下一轮重连
			m.endReconnect()
			if !m.serve(conn) {
				m.finish()
			}
			return nil
		}
	})
}

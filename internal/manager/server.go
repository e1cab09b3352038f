package manager

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hongjun500/whiteboard-go/internal/keepalive"
	"github.com/hongjun500/whiteboard-go/internal/session"
	"github.com/hongjun500/whiteboard-go/internal/transport"
	"github.com/hongjun500/whiteboard-go/pkg/logger"
)

// ServerManager accepts connections from any number of listeners and runs one
// endpoint per connection. Session and keepalive are attached on demand when
// the client first uses them.
type ServerManager struct {
	cfg   Config
	hooks Hooks
	log   *zap.SugaredLogger
	eps   *transport.EndpointSet
	group errgroup.Group

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
}

func NewServerManager(cfg Config, hooks Hooks) *ServerManager {
	return &ServerManager{
		cfg:   cfg.withDefaults(),
		hooks: hooks,
		log:   logger.Named("server_manager").Sugar(),
		eps:   transport.NewEndpointSet(),
	}
}

// Serve accepts on ln until ln is closed, ctx is done or Shutdown is called.
func (m *ServerManager) Serve(ctx context.Context, ln net.Listener) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = ln.Close()
		return transport.ErrEndpointUnavailable
	}
	m.listeners = append(m.listeners, ln)
	m.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	m.log.Infow("server_listen", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || m.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			m.log.Warnw("server_accept_error", "err", err)
			// 避免 accept 持续失败时空转
			time.Sleep(50 * time.Millisecond)
			continue
		}
		m.ServeConn(conn)
	}
}

// ServeConn runs an endpoint on an already accepted connection.
func (m *ServerManager) ServeConn(conn net.Conn) *transport.Endpoint {
	e := transport.NewEndpoint(conn, m, m.cfg.Options)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return e
	}
	m.eps.Add(e)
	m.group.Go(func() error {
		_ = e.Run()
		return nil
	})
	m.mu.Unlock()
	return e
}

func (m *ServerManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Endpoints returns the live endpoints.
func (m *ServerManager) Endpoints() []*transport.Endpoint { return m.eps.All() }

// Count 当前连接数
func (m *ServerManager) Count() int64 { return m.eps.Count() }

// Shutdown closes every listener and endpoint and joins all read loops.
func (m *ServerManager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = m.group.Wait()
		return
	}
	m.closed = true
	lns := m.listeners
	m.listeners = nil
	m.mu.Unlock()

	for _, ln := range lns {
		_ = ln.Close()
	}
	m.eps.CloseAll()
	_ = m.group.Wait()
	m.log.Infow("server_manager_shutdown")
}

func (m *ServerManager) EndpointReady(e *transport.Endpoint) {
	m.log.Infow("client_connected", "endpoint", e.ID(), "remote", e.RemoteAddr())
}

func (m *ServerManager) EndpointClosed(e *transport.Endpoint) {
	m.eps.Remove(e.ID())
	m.log.Infow("client_disconnected", "endpoint", e.ID(), "state", e.State().String())
	m.hooks.closed(e)
}

func (m *ServerManager) EndpointDisconnectedAbruptly(e *transport.Endpoint) {
	m.log.Warnw("client_terminated_abruptly", "endpoint", e.ID())
	m.hooks.failed(e, disconnectedErr())
}

func (m *ServerManager) EndpointSentInvalidMessage(e *transport.Endpoint, err error) {
	m.log.Warnw("client_sent_invalid_message", "endpoint", e.ID(), "err", err)
	m.hooks.failed(e, err)
}

func (m *ServerManager) EndpointTimedOut(e *transport.Endpoint, p transport.Protocol) {
	m.log.Warnw("client_timed_out", "endpoint", e.ID(), "protocol", p.Name())
	m.hooks.failed(e, errors.Wrap(transport.ErrTimeout, p.Name()))
}

func (m *ServerManager) ProtocolViolation(e *transport.Endpoint, p transport.Protocol, err error) {
	m.log.Warnw("protocol_violation", "endpoint", e.ID(), "protocol", p.Name(), "err", err)
	m.hooks.failed(e, err)
}

func (m *ServerManager) SessionStarted(e *transport.Endpoint) {
	m.log.Infow("session_started", "endpoint", e.ID())
	m.hooks.started(e)
}

func (m *ServerManager) SessionStopped(e *transport.Endpoint) {
	m.log.Infow("session_stopped", "endpoint", e.ID())
	m.hooks.stopped(e)
}

func (m *ServerManager) ProtocolRequested(e *transport.Endpoint, event string) transport.Protocol {
	switch event {
	case session.EventStartRequest:
		return session.NewServer(e, m.cfg.KeepAliveDelay)
	case keepalive.EventRequest:
		return keepalive.NewServer(e, m.cfg.KeepAliveDelay)
	}
	if m.cfg.Requested != nil {
		return m.cfg.Requested(e, event)
	}
	return nil
}

package directory

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hongjun500/whiteboard-go/internal/board"
	"github.com/hongjun500/whiteboard-go/internal/bus/redisstream"
	"github.com/hongjun500/whiteboard-go/internal/manager"
	"github.com/hongjun500/whiteboard-go/internal/observe"
	"github.com/hongjun500/whiteboard-go/internal/protocol"
	"github.com/hongjun500/whiteboard-go/internal/transport"
	"github.com/hongjun500/whiteboard-go/pkg/logger"
)

// Bus mirrors share state between directory nodes.
type Bus interface {
	Publish(ctx context.Context, m *redisstream.Message) error
	Consume(ctx context.Context, consumer string, h redisstream.Handler) error
}

// Server is the directory relay: it remembers which boards are shared and
// tells every connected peer when that changes.
type Server struct {
	mgr  *manager.ServerManager
	node string
	log  *zap.SugaredLogger

	// mu 同时保护 boards 和 live，并串行化扇出
	mu     sync.Mutex
	boards map[string]*transport.Endpoint // 共享白板 -> 声明它的连接，nil 表示来自其它节点
	live   map[*transport.Endpoint]struct{}

	busMu sync.RWMutex
	bus   Bus
}

func NewServer(cfg manager.Config) *Server {
	s := &Server{
		node:   uuid.NewString(),
		log:    logger.Named("directory").Sugar(),
		boards: make(map[string]*transport.Endpoint),
		live:   make(map[*transport.Endpoint]struct{}),
	}
	s.mgr = manager.NewServerManager(cfg, manager.Hooks{
		OnPeerStarted: s.started,
		OnPeerError: func(e *transport.Endpoint, err error) {
			s.log.Infow("peer_error", "endpoint", e.ID(), "err", err)
		},
		OnPeerClosed: s.closed,
	})
	s.log = s.log.With("node", s.node)
	return s
}

// Node is this directory node's id on the bus.
func (s *Server) Node() string { return s.node }

func (s *Server) Serve(ctx context.Context, ln net.Listener) error { return s.mgr.Serve(ctx, ln) }

func (s *Server) ServeConn(conn net.Conn) *transport.Endpoint { return s.mgr.ServeConn(conn) }

func (s *Server) Shutdown() { s.mgr.Shutdown() }

// Shared lists the boards currently shared, sorted.
func (s *Server) Shared() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.boards))
	for name := range s.boards {
		out = append(out, name)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Sessions counts peers with an active directory session.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// RunBus publishes local changes to b and applies changes from other nodes
// until ctx is done.
func (s *Server) RunBus(ctx context.Context, b Bus) error {
	s.busMu.Lock()
	s.bus = b
	s.busMu.Unlock()
	defer func() {
		s.busMu.Lock()
		s.bus = nil
		s.busMu.Unlock()
	}()
	return b.Consume(ctx, s.node, func(_ context.Context, m *redisstream.Message) error {
		if m.Node == s.node {
			return nil
		}
		if _, err := board.ParseName(m.Board); err != nil {
			s.log.Warnw("bus_message_invalid", "board", m.Board, "err", err)
			return nil
		}
		switch m.Type {
		case redisstream.TypeShare:
			s.share(m.Board, nil)
		case redisstream.TypeUnshare:
			s.unshare(m.Board)
		}
		return nil
	})
}

func (s *Server) publish(typ, name string) {
	s.busMu.RLock()
	b := s.bus
	s.busMu.RUnlock()
	if b == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := &redisstream.Message{Type: typ, When: time.Now(), Node: s.node, Board: name}
	if err := b.Publish(ctx, m); err != nil {
		s.log.Warnw("bus_publish_error", "type", typ, "board", name, "err", err)
	}
}

func (s *Server) started(e *transport.Endpoint) {
	if err := e.AttachProtocol(newServerProtocol(s, e)); err != nil {
		s.log.Warnw("directory_attach_error", "endpoint", e.ID(), "err", err)
		_ = e.Close()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[e] = struct{}{}
	// 新会话补发当前全部共享白板
	names := make([]string, 0, len(s.boards))
	for name := range s.boards {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.Send(EventSharing, name); err != nil {
			s.log.Debugw("replay_send_error", "endpoint", e.ID(), "err", err)
			return
		}
	}
	s.log.Infow("peer_registered", "endpoint", e.ID(), "replayed", len(names))
}

// closed withdraws every board the connection shared.
func (s *Server) closed(e *transport.Endpoint) {
	s.mu.Lock()
	delete(s.live, e)
	var gone []string
	for name, owner := range s.boards {
		if owner == e {
			gone = append(gone, name)
		}
	}
	s.mu.Unlock()
	sort.Strings(gone)
	for _, name := range gone {
		s.unshare(name)
		s.publish(redisstream.TypeUnshare, name)
	}
}

// fanout 需持有 s.mu
func (s *Server) fanout(event, name string) {
	for e := range s.live {
		if err := e.Send(event, name); err != nil {
			s.log.Debugw("fanout_send_error", "endpoint", e.ID(), "event", event, "err", err)
		}
	}
}

func (s *Server) share(name string, from *transport.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.boards[name]
	if ok && cur == from {
		return
	}
	s.boards[name] = from
	if !ok {
		observe.AddSharedBoards(1)
	}
	s.log.Infow("board_shared", "board", name)
	s.fanout(EventSharing, name)
}

func (s *Server) unshare(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.boards[name]; !ok {
		return false
	}
	delete(s.boards, name)
	observe.AddSharedBoards(-1)
	s.log.Infow("board_unshared", "board", name)
	s.fanout(EventUnsharing, name)
	return true
}

type serverProtocol struct {
	s      *Server
	e      *transport.Endpoint
	router *protocol.Router
}

func newServerProtocol(s *Server, e *transport.Endpoint) *serverProtocol {
	p := &serverProtocol{s: s, e: e, router: protocol.NewRouter()}
	p.router.
		MustHandle(EventShare, p.withName(func(name string) {
			p.s.share(name, p.e)
			p.s.publish(redisstream.TypeShare, name)
		})).
		MustHandle(EventUnshare, p.withName(func(name string) {
			if p.s.unshare(name) {
				p.s.publish(redisstream.TypeUnshare, name)
			}
		}))
	return p
}

func (p *serverProtocol) Name() string     { return Name }
func (p *serverProtocol) Events() []string { return p.router.Events() }
func (p *serverProtocol) Start() error     { return nil }
func (p *serverProtocol) Stop()            {}

func (p *serverProtocol) Handle(env *protocol.Envelope) error {
	return p.router.Dispatch(env)
}

// withName 校验白板名，非法名字回复 ERROR 但保留连接
func (p *serverProtocol) withName(fn func(name string)) protocol.HandlerFunc {
	return func(env *protocol.Envelope) error {
		name, err := boardArg(env)
		if err != nil {
			return err
		}
		if _, err := board.ParseName(name); err != nil {
			p.s.log.Infow("board_name_rejected", "endpoint", p.e.ID(), "board", name)
			return p.e.Send(EventError, "malformed board name: "+name)
		}
		fn(name)
		return nil
	}
}

package whiteboard

import (
	"sync"

	"go.uber.org/zap"

	"github.com/hongjun500/whiteboard-go/internal/board"
	"github.com/hongjun500/whiteboard-go/internal/observe"
	"github.com/hongjun500/whiteboard-go/internal/protocol"
	"github.com/hongjun500/whiteboard-go/internal/transport"
)

// subscribers 每个白板的订阅连接集合
type subscribers struct {
	mu      sync.Mutex
	byBoard map[string]map[*transport.Endpoint]struct{}
}

func newSubscribers() *subscribers {
	return &subscribers{byBoard: make(map[string]map[*transport.Endpoint]struct{})}
}

func (s *subscribers) add(name string, e *transport.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.byBoard[name]
	if !ok {
		set = make(map[*transport.Endpoint]struct{})
		s.byBoard[name] = set
	}
	set[e] = struct{}{}
}

func (s *subscribers) remove(name string, e *transport.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.byBoard[name]; ok {
		delete(set, e)
		if len(set) == 0 {
			delete(s.byBoard, name)
		}
	}
}

// forget removes e from every board.
func (s *subscribers) forget(e *transport.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, set := range s.byBoard {
		delete(set, e)
		if len(set) == 0 {
			delete(s.byBoard, name)
		}
	}
}

func (s *subscribers) list(name string) []*transport.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*transport.Endpoint, 0, len(s.byBoard[name]))
	for e := range s.byBoard[name] {
		out = append(out, e)
	}
	return out
}

// drop removes and returns every subscriber of name.
func (s *subscribers) drop(name string) []*transport.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*transport.Endpoint, 0, len(s.byBoard[name]))
	for e := range s.byBoard[name] {
		out = append(out, e)
	}
	delete(s.byBoard, name)
	return out
}

func (s *subscribers) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byBoard[name])
}

// ownerProtocol serves the boards this peer owns to one connected editor.
type ownerProtocol struct {
	p   *Peer
	e   *transport.Endpoint
	log *zap.SugaredLogger
}

func newOwnerProtocol(p *Peer, e *transport.Endpoint) *ownerProtocol {
	return &ownerProtocol{p: p, e: e, log: p.log.With("endpoint", e.ID(), "role", "owner")}
}

func (o *ownerProtocol) Name() string     { return Name }
func (o *ownerProtocol) Events() []string { return ownerEvents }
func (o *ownerProtocol) Start() error     { return nil }

// Stop 连接关闭时移出所有订阅
func (o *ownerProtocol) Stop() { o.p.subs.forget(o.e) }

func (o *ownerProtocol) Handle(env *protocol.Envelope) error {
	switch env.Event {
	case EventListen:
		return o.onListen(env)
	case EventUnlisten:
		return o.onUnlisten(env)
	case EventGetData:
		return o.onGetData(env)
	}
	op, accepted, ok := opOf(env.Event)
	if !ok {
		return transport.ErrUnknownEvent
	}
	if accepted {
		// 编辑端对广播的确认，无需处理
		o.log.Debugw("broadcast_acknowledged", "event", env.Event)
		return nil
	}
	return o.onUpdate(op, env)
}

func (o *ownerProtocol) refuse(name string) error {
	o.log.Infow("board_refused", "board", name)
	return o.e.Send(EventError, "board does not exist: "+name)
}

func (o *ownerProtocol) onListen(env *protocol.Envelope) error {
	n, err := parseNameArg(env)
	if err != nil {
		return err
	}
	if _, ok := o.p.owned(n.String()); !ok {
		return o.refuse(n.String())
	}
	o.p.subs.add(n.String(), o.e)
	o.log.Infow("board_listen", "board", n.String(), "subscribers", o.p.subs.count(n.String()))
	return nil
}

func (o *ownerProtocol) onUnlisten(env *protocol.Envelope) error {
	n, err := parseNameArg(env)
	if err != nil {
		return err
	}
	o.p.subs.remove(n.String(), o.e)
	o.log.Infow("board_unlisten", "board", n.String())
	_ = o.e.Close()
	return nil
}

func (o *ownerProtocol) onGetData(env *protocol.Envelope) error {
	n, err := parseNameArg(env)
	if err != nil {
		return err
	}
	b, ok := o.p.owned(n.String())
	if !ok {
		return o.refuse(n.String())
	}
	// 快照和广播共用顺序锁，保证编辑端看到的版本连续
	o.p.orderMu.Lock()
	defer o.p.orderMu.Unlock()
	return o.e.Send(EventData, b.String())
}

func (o *ownerProtocol) onUpdate(op board.Op, env *protocol.Envelope) error {
	u, err := parseUpdate(op, env)
	if err != nil {
		return err
	}
	b, ok := o.p.owned(u.data.Name.String())
	if !ok {
		return o.refuse(u.data.Name.String())
	}
	o.p.applyOwned(b, op, u.path, u.data.Version, u.origin, o.e, env.Args[0])
	return nil
}

// applyOwned is the single arbitration point for an owned board. An update
// is accepted iff basedOn is the current version; the requester (nil for
// local edits) gets the accepted reply and every other subscriber gets the
// mutation stated at the new version.
func (p *Peer) applyOwned(b *board.Board, op board.Op, path board.Path, basedOn int, origin string, from *transport.Endpoint, request string) bool {
	p.orderMu.Lock()
	defer p.orderMu.Unlock()

	if !b.Apply(op, path, basedOn) {
		observe.IncBoardUpdate(op.String(), "rejected")
		p.log.Debugw("update_rejected", "board", b.Key(), "op", op.String(),
			"based_on", basedOn, "version", b.Version(), "origin", origin)
		return false
	}
	observe.IncBoardUpdate(op.String(), "accepted")
	version := basedOn + 1

	if from != nil {
		if err := from.Send(acceptedEvents[op], request, origin); err != nil {
			p.log.Debugw("accepted_send_error", "board", b.Key(), "err", err)
		}
	}
	msg := payload(b.Name(), op, version, path)
	for _, e := range p.subs.list(b.Key()) {
		if e == from {
			continue
		}
		if err := e.Send(updateEvents[op], msg, origin); err != nil {
			p.log.Debugw("broadcast_send_error", "board", b.Key(), "endpoint", e.ID(), "err", err)
		}
	}
	p.hub.BoardUpdated(b.Key(), version, false)
	return true
}

package whiteboard

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hongjun500/whiteboard-go/internal/board"
	"github.com/hongjun500/whiteboard-go/internal/manager"
	"github.com/hongjun500/whiteboard-go/internal/observe"
	"github.com/hongjun500/whiteboard-go/internal/protocol"
	"github.com/hongjun500/whiteboard-go/internal/transport"
)

// LinkState is an editor's view of its connection to a board's owner.
type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkListening
	LinkSynced
	LinkResyncing
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkListening:
		return "listening"
	case LinkSynced:
		return "synced"
	case LinkResyncing:
		return "resyncing"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// LinkInfo is a point-in-time view of an editor link.
type LinkInfo struct {
	State   LinkState
	Pending int
	Resyncs int
}

// pendingEdit is a local edit sent to the owner and not yet accepted.
type pendingEdit struct {
	op      board.Op
	path    board.Path
	basedOn int
}

// link is the editor side of one remote board: a client connection to the
// owner plus the edits still waiting for acceptance.
type link struct {
	p   *Peer
	b   *board.Board
	log *zap.SugaredLogger

	mu      sync.Mutex
	state   LinkState
	e       *transport.Endpoint
	pending []pendingEdit
	resyncs int
}

func newLink(p *Peer, b *board.Board) *link {
	return &link{p: p, b: b, log: p.log.With("board", b.Key(), "role", "editor")}
}

func (l *link) info() LinkInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LinkInfo{State: l.state, Pending: len(l.pending), Resyncs: l.resyncs}
}

func (l *link) closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == LinkClosed
}

// setState 需持有 l.mu
func (l *link) setState(s LinkState) {
	if l.state == s {
		return
	}
	l.log.Debugw("link_state", "from", l.state.String(), "to", s.String())
	l.state = s
	l.p.hub.LinkState(l.b.Key(), s.String())
}

func (l *link) hooks() manager.Hooks {
	return manager.Hooks{
		OnPeerStarted: func(e *transport.Endpoint) {
			// 每次（重新）建立会话都重新订阅并拉取全量
			if err := e.AttachProtocol(&editorProtocol{l: l, e: e}); err != nil {
				l.log.Warnw("editor_attach_error", "err", err)
				_ = e.Close()
			}
		},
		OnPeerError: func(e *transport.Endpoint, err error) {
			l.log.Infow("editor_link_error", "err", err)
			if errors.Is(err, manager.ErrReconnectExhausted) {
				l.p.hub.PeerError(l.b.Key(), err.Error())
			}
		},
	}
}

// attach binds a fresh endpoint and subscribes. Pending edits survive and are
// resubmitted once the snapshot arrives.
func (l *link) attach(e *transport.Endpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LinkClosed {
		return transport.ErrEndpointUnavailable
	}
	l.e = e
	l.setState(LinkListening)
	name := l.b.Key()
	if err := e.Send(EventListen, name); err != nil {
		return err
	}
	return e.Send(EventGetData, name)
}

func (l *link) detach(e *transport.Endpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.e != e {
		return
	}
	l.e = nil
	if l.state != LinkClosed {
		l.setState(LinkConnecting)
	}
}

// resync 需持有 l.mu
func (l *link) resync(reason string) error {
	l.resyncs++
	observe.IncResync()
	l.log.Infow("board_resync", "reason", reason, "version", l.b.Version(), "pending", len(l.pending))
	l.setState(LinkResyncing)
	if l.e == nil {
		return nil
	}
	return l.e.Send(EventGetData, l.b.Key())
}

func (l *link) checkName(n board.Name) error {
	if n != l.b.Name() {
		return transport.Violation("data for %s on the link of %s", n, l.b.Key())
	}
	return nil
}

func (l *link) onData(env *protocol.Envelope) error {
	if len(env.Args) != 1 {
		return errors.Wrapf(protocol.ErrMalformedEnvelope, "%s wants 1 arg, got %d", env.Event, len(env.Args))
	}
	d, err := board.ParseData(env.Args[0])
	if err != nil {
		return err
	}
	if err := l.checkName(d.Name); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LinkClosed {
		return nil
	}
	l.b.Replace(d)
	// 冲突后只重放新增路径，撤销和清空基于旧状态，丢弃
	var resubmit []pendingEdit
	for _, pe := range l.pending {
		if pe.op != board.OpPath {
			continue
		}
		v := l.b.Version()
		if !l.b.AddPath(pe.path, v) {
			continue
		}
		resubmit = append(resubmit, pendingEdit{op: board.OpPath, path: pe.path, basedOn: v})
		if l.e != nil {
			if err := l.e.Send(EventPathUpdate, payload(l.b.Name(), board.OpPath, v, pe.path), l.p.id); err != nil {
				l.log.Debugw("resubmit_send_error", "err", err)
			}
		}
	}
	if dropped := len(l.pending) - len(resubmit); dropped > 0 {
		l.log.Infow("pending_edits_dropped", "count", dropped)
	}
	l.pending = resubmit
	l.setState(LinkSynced)
	l.p.hub.BoardUpdated(l.b.Key(), l.b.Version(), true)
	return nil
}

// onForeign handles a mutation the owner broadcast from another peer.
func (l *link) onForeign(op board.Op, env *protocol.Envelope) error {
	u, err := parseUpdate(op, env)
	if err != nil {
		return err
	}
	if err := l.checkName(u.data.Name); err != nil {
		return err
	}
	if u.origin == l.p.id {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LinkSynced {
		return nil
	}
	if len(l.pending) > 0 {
		return l.resync("conflict")
	}
	local := l.b.Version()
	if u.data.Version != local+1 {
		return l.resync("version_gap")
	}
	if !l.b.Apply(op, u.path, local) {
		return l.resync("apply_failed")
	}
	observe.IncBoardUpdate(op.String(), "applied")
	l.p.hub.BoardUpdated(l.b.Key(), local+1, true)
	return l.e.Send(acceptedEvents[op], env.Args...)
}

// onAccepted retires the pending edit the owner just accepted.
func (l *link) onAccepted(op board.Op, env *protocol.Envelope) error {
	u, err := parseUpdate(op, env)
	if err != nil {
		return err
	}
	if err := l.checkName(u.data.Name); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, pe := range l.pending {
		if pe.op == op && pe.basedOn == u.data.Version {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return nil
		}
	}
	// 重同步之前发出的请求，已被替换
	l.log.Debugw("stale_accept", "op", op.String(), "based_on", u.data.Version)
	return nil
}

func (l *link) onDeleted(env *protocol.Envelope) error {
	n, err := parseNameArg(env)
	if err != nil {
		return err
	}
	if err := l.checkName(n); err != nil {
		return err
	}
	l.log.Infow("board_deleted_by_owner")
	l.p.dropRemote(l.b)
	l.p.closeLinkAsync(l, false)
	return nil
}

func (l *link) onError(env *protocol.Envelope) error {
	msg := env.Arg(0)
	l.log.Warnw("board_error", "msg", msg)
	l.p.hub.PeerError(l.b.Key(), msg)
	l.p.closeLinkAsync(l, false)
	return nil
}

// submit applies a local edit optimistically and sends it to the owner.
func (l *link) submit(op board.Op, path board.Path, basedOn int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LinkSynced {
		return errors.Wrapf(ErrNotSynced, "%s is %s", l.b.Key(), l.state)
	}
	if !l.b.Apply(op, path, basedOn) {
		observe.IncBoardUpdate(op.String(), "conflict")
		l.p.hub.BoardUpdated(l.b.Key(), l.b.Version(), true)
		return errors.Wrapf(board.ErrVersionConflict, "%s at v%d, edit based on v%d", l.b.Key(), l.b.Version(), basedOn)
	}
	l.pending = append(l.pending, pendingEdit{op: op, path: path, basedOn: basedOn})
	l.p.hub.BoardUpdated(l.b.Key(), basedOn+1, true)
	if l.e == nil {
		return nil
	}
	return l.e.Send(updateEvents[op], payload(l.b.Name(), op, basedOn, path), l.p.id)
}

// shutdown closes the link for good; with unlisten the owner is told first.
func (l *link) shutdown(unlisten bool) {
	l.mu.Lock()
	if l.state == LinkClosed {
		l.mu.Unlock()
		return
	}
	e := l.e
	l.setState(LinkClosed)
	l.pending = nil
	l.mu.Unlock()

	if unlisten && e != nil {
		_ = e.Send(EventUnlisten, l.b.Key())
	}
	l.p.peers.Disconnect(l.b.Key())
}

// editorProtocol is the client-role whiteboard protocol on one endpoint of a
// link. A reconnect builds a new one.
type editorProtocol struct {
	l *link
	e *transport.Endpoint
}

func (p *editorProtocol) Name() string     { return Name }
func (p *editorProtocol) Events() []string { return editorEvents }
func (p *editorProtocol) Start() error     { return p.l.attach(p.e) }
func (p *editorProtocol) Stop()            { p.l.detach(p.e) }

func (p *editorProtocol) Handle(env *protocol.Envelope) error {
	switch env.Event {
	case EventData:
		return p.l.onData(env)
	case EventDeleted:
		return p.l.onDeleted(env)
	case EventError:
		return p.l.onError(env)
	}
	op, accepted, ok := opOf(env.Event)
	if !ok {
		return transport.ErrUnknownEvent
	}
	if accepted {
		return p.l.onAccepted(op, env)
	}
	return p.l.onForeign(op, env)
}

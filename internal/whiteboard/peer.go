package whiteboard

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hongjun500/whiteboard-go/internal/board"
	"github.com/hongjun500/whiteboard-go/internal/events"
	"github.com/hongjun500/whiteboard-go/internal/manager"
	"github.com/hongjun500/whiteboard-go/internal/observe"
	"github.com/hongjun500/whiteboard-go/internal/transport"
	"github.com/hongjun500/whiteboard-go/pkg/logger"
)

var (
	ErrUnknownBoard = errors.New("unknown board")
	ErrBoardExists  = errors.New("board already exists")
	ErrNotOwner     = errors.New("board is owned by another peer")
	ErrNotSynced    = errors.New("board is not synchronized with its owner")
	ErrInvalidID    = errors.New("invalid board id")
)

// Announcer publishes share state to the directory.
type Announcer interface {
	Share(name string) error
	Unshare(name string) error
}

type Config struct {
	// Host and Port are this peer's identity and where other peers dial it.
	Host    string
	Port    int
	Manager manager.Config
}

// Peer holds every board a process knows about. It owns the boards it
// created and serves them to editors; for every other board it opens on
// demand it keeps a link to the owner.
type Peer struct {
	cfg   Config
	id    string
	hub   *events.Hub
	log   *zap.SugaredLogger
	peers *manager.PeerManager

	boards *board.Registry
	subs   *subscribers
	// orderMu 串行化拥有者的应用+广播和快照+发送
	orderMu sync.Mutex

	linksMu sync.Mutex
	links   map[string]*link

	annMu     sync.RWMutex
	announcer Announcer

	nextID atomic.Int64
	bg     sync.WaitGroup
}

func NewPeer(cfg Config, hub *events.Hub) *Peer {
	id := board.Name{Host: cfg.Host, Port: cfg.Port}.PeerID()
	p := &Peer{
		cfg:    cfg,
		id:     id,
		hub:    hub,
		log:    logger.Named("whiteboard").Sugar().With("peer", id),
		boards: board.NewRegistry(),
		subs:   newSubscribers(),
		links:  make(map[string]*link),
	}
	p.peers = manager.NewPeerManager(cfg.Manager, manager.Hooks{
		OnPeerStarted: func(e *transport.Endpoint) {
			if err := e.AttachProtocol(newOwnerProtocol(p, e)); err != nil {
				p.log.Warnw("owner_attach_error", "endpoint", e.ID(), "err", err)
				_ = e.Close()
			}
		},
		OnPeerError: func(e *transport.Endpoint, err error) {
			p.log.Infow("editor_connection_error", "endpoint", e.ID(), "err", err)
		},
	})
	return p
}

// ID is this peer's "host:port".
func (p *Peer) ID() string { return p.id }

// Serve accepts editors on ln until ctx is done or Shutdown.
func (p *Peer) Serve(ctx context.Context, ln net.Listener) error {
	return p.peers.Serve(ctx, ln)
}

func (p *Peer) SetAnnouncer(a Announcer) {
	p.annMu.Lock()
	p.announcer = a
	p.annMu.Unlock()
}

func (p *Peer) getAnnouncer() Announcer {
	p.annMu.RLock()
	defer p.annMu.RUnlock()
	return p.announcer
}

func (p *Peer) Board(name string) (*board.Board, bool) { return p.boards.Get(name) }
func (p *Peer) Boards() []*board.Board                  { return p.boards.List() }

func (p *Peer) owned(name string) (*board.Board, bool) {
	b, ok := p.boards.Get(name)
	if !ok || b.Remote() {
		return nil, false
	}
	return b, true
}

// CreateBoard adds an empty owned board. An empty id picks the next free
// "bN".
func (p *Peer) CreateBoard(id string) (*board.Board, error) {
	auto := id == ""
	for {
		if auto {
			id = "b" + strconv.FormatInt(p.nextID.Add(1), 10)
		}
		n := board.Name{Host: p.cfg.Host, Port: p.cfg.Port, ID: id}
		if !n.Valid() {
			return nil, errors.Wrapf(ErrInvalidID, "%q", id)
		}
		b := board.New(n, false)
		if p.boards.Add(b) {
			p.log.Infow("board_created", "board", b.Key())
			p.hub.BoardAdded(b.Key(), false)
			return b, nil
		}
		if !auto {
			return nil, errors.Wrap(ErrBoardExists, n.String())
		}
	}
}

// DeleteBoard removes a board. Subscribers of an owned board are told it is
// gone; for a remote board the link to the owner is closed.
func (p *Peer) DeleteBoard(name string) error {
	b, ok := p.boards.Get(name)
	if !ok {
		return errors.Wrap(ErrUnknownBoard, name)
	}
	if b.Remote() {
		p.boards.Remove(name)
		p.closeLink(name, true)
		p.hub.BoardRemoved(name, true)
		return nil
	}

	if b.SetShared(false) {
		observe.AddSharedBoards(-1)
		if a := p.getAnnouncer(); a != nil {
			if err := a.Unshare(name); err != nil {
				p.log.Warnw("unshare_error", "board", name, "err", err)
			}
		}
	}
	p.orderMu.Lock()
	p.boards.Remove(name)
	for _, e := range p.subs.drop(name) {
		if err := e.Send(EventDeleted, name); err != nil {
			p.log.Debugw("deleted_send_error", "board", name, "endpoint", e.ID(), "err", err)
		}
	}
	p.orderMu.Unlock()
	p.log.Infow("board_deleted", "board", name)
	p.hub.BoardRemoved(name, false)
	return nil
}

// SetShared changes whether an owned board is announced to the directory.
func (p *Peer) SetShared(name string, shared bool) error {
	b, ok := p.boards.Get(name)
	if !ok {
		return errors.Wrap(ErrUnknownBoard, name)
	}
	if b.Remote() {
		return errors.Wrap(ErrNotOwner, name)
	}
	if !b.SetShared(shared) {
		return nil
	}
	if a := p.getAnnouncer(); a != nil {
		announce := a.Unshare
		if shared {
			announce = a.Share
		}
		if err := announce(name); err != nil {
			b.SetShared(!shared)
			return errors.Wrapf(err, "announce %s", name)
		}
	}
	if shared {
		observe.AddSharedBoards(1)
	} else {
		observe.AddSharedBoards(-1)
	}
	p.log.Infow("board_share_changed", "board", name, "shared", shared)
	p.hub.BoardShared(name, shared)
	return nil
}

// SharedBoards lists the owned boards currently shared.
func (p *Peer) SharedBoards() []string {
	var out []string
	for _, b := range p.boards.List() {
		if !b.Remote() && b.Shared() {
			out = append(out, b.Key())
		}
	}
	return out
}

// OnBoardShared records a board another peer shared as a remote placeholder.
func (p *Peer) OnBoardShared(name string) {
	n, err := board.ParseName(name)
	if err != nil {
		p.log.Warnw("shared_board_invalid", "board", name, "err", err)
		return
	}
	if n.PeerID() == p.id {
		return
	}
	if p.boards.Add(board.New(n, true)) {
		p.hub.BoardAdded(name, true)
	}
}

// OnBoardUnshared forgets a remote board and closes its link.
func (p *Peer) OnBoardUnshared(name string) {
	b, ok := p.boards.Get(name)
	if !ok || !b.Remote() {
		return
	}
	p.dropRemote(b)
	if l := p.link(name); l != nil {
		p.closeLinkAsync(l, false)
	}
}

func (p *Peer) dropRemote(b *board.Board) {
	if cur, ok := p.boards.Get(b.Key()); ok && cur == b {
		p.boards.Remove(b.Key())
		p.hub.BoardRemoved(b.Key(), true)
	}
}

// Open connects to the owner of a remote board and starts listening. Owned
// boards need no link.
func (p *Peer) Open(ctx context.Context, name string) error {
	b, ok := p.boards.Get(name)
	if !ok {
		return errors.Wrap(ErrUnknownBoard, name)
	}
	if !b.Remote() {
		return nil
	}

	p.linksMu.Lock()
	if l, ok := p.links[name]; ok && !l.closed() {
		p.linksMu.Unlock()
		return nil
	}
	l := newLink(p, b)
	p.links[name] = l
	p.linksMu.Unlock()
	p.hub.LinkState(name, l.info().State.String())

	c, err := p.peers.Connect(ctx, name, b.Name().PeerAddr(), l.hooks())
	if err != nil {
		l.shutdown(false)
		p.forgetLink(l)
		return errors.Wrapf(err, "open %s", name)
	}
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		<-c.Done()
		l.shutdown(false)
		p.forgetLink(l)
	}()
	return nil
}

// CloseBoard stops editing a remote board but keeps it known.
func (p *Peer) CloseBoard(name string) {
	p.closeLink(name, true)
}

func (p *Peer) link(name string) *link {
	p.linksMu.Lock()
	defer p.linksMu.Unlock()
	return p.links[name]
}

func (p *Peer) forgetLink(l *link) {
	p.linksMu.Lock()
	if p.links[l.b.Key()] == l {
		delete(p.links, l.b.Key())
	}
	p.linksMu.Unlock()
}

func (p *Peer) closeLink(name string, unlisten bool) {
	if l := p.link(name); l != nil {
		l.shutdown(unlisten)
		p.forgetLink(l)
	}
}

// closeLinkAsync is for read loops and hooks, which must not wait on the
// manager they run under.
func (p *Peer) closeLinkAsync(l *link, unlisten bool) {
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		l.shutdown(unlisten)
		p.forgetLink(l)
	}()
}

// Link reports the editor link of a remote board.
func (p *Peer) Link(name string) (LinkInfo, bool) {
	l := p.link(name)
	if l == nil {
		return LinkInfo{State: LinkClosed}, false
	}
	return l.info(), true
}

func (p *Peer) AddPath(name string, path board.Path, basedOn int) error {
	return p.edit(name, board.OpPath, path, basedOn)
}

func (p *Peer) Undo(name string, basedOn int) error {
	return p.edit(name, board.OpUndo, board.Path{}, basedOn)
}

func (p *Peer) Clear(name string, basedOn int) error {
	return p.edit(name, board.OpClear, board.Path{}, basedOn)
}

// edit applies a local mutation made against version basedOn. It fails
// with board.ErrVersionConflict when the board has moved on, in which case
// the view should redraw and the user retry.
func (p *Peer) edit(name string, op board.Op, path board.Path, basedOn int) error {
	b, ok := p.boards.Get(name)
	if !ok {
		return errors.Wrap(ErrUnknownBoard, name)
	}
	if op == board.OpPath {
		if err := path.Validate(); err != nil {
			return errors.Wrapf(err, "edit %s", name)
		}
	}
	if !b.Remote() {
		if !p.applyOwned(b, op, path, basedOn, p.id, nil, "") {
			p.hub.BoardUpdated(name, b.Version(), false)
			return errors.Wrapf(board.ErrVersionConflict, "%s at v%d, edit based on v%d", name, b.Version(), basedOn)
		}
		return nil
	}
	l := p.link(name)
	if l == nil {
		return errors.Wrapf(ErrNotSynced, "%s is not open", name)
	}
	return l.submit(op, path, basedOn)
}

// BoardInfos feeds the /boards listing.
func (p *Peer) BoardInfos() []observe.BoardInfo {
	list := p.boards.List()
	out := make([]observe.BoardInfo, 0, len(list))
	for _, b := range list {
		d := b.Data()
		info := observe.BoardInfo{
			Name:    b.Key(),
			Version: d.Version,
			Paths:   len(d.Paths),
			Shared:  b.Shared(),
			Remote:  b.Remote(),
		}
		if b.Remote() {
			li, _ := p.Link(b.Key())
			info.State = li.State.String()
		}
		out = append(out, info)
	}
	return out
}

// Shutdown closes every link and editor connection and waits for them.
func (p *Peer) Shutdown() {
	p.linksMu.Lock()
	links := make([]*link, 0, len(p.links))
	for _, l := range p.links {
		links = append(links, l)
	}
	p.linksMu.Unlock()
	for _, l := range links {
		l.mu.Lock()
		if l.state != LinkClosed {
			l.setState(LinkClosed)
		}
		l.mu.Unlock()
	}
	p.peers.Shutdown()
	p.bg.Wait()
	p.log.Infow("peer_shutdown")
}

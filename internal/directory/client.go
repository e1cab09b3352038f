package directory

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hongjun500/whiteboard-go/internal/manager"
	"github.com/hongjun500/whiteboard-go/internal/protocol"
	"github.com/hongjun500/whiteboard-go/internal/transport"
	"github.com/hongjun500/whiteboard-go/pkg/logger"
)

// Client keeps a peer registered with the directory. Shares made while the
// directory is unreachable are announced when the session (re)starts, since
// the directory forgets a peer's boards when its connection drops. Once the
// client has given up reconnecting, Share and Unshare fail.
type Client struct {
	cm     *manager.ClientManager
	l      Listener
	shared func() []string
	log    *zap.SugaredLogger

	mu     sync.Mutex
	active *transport.Endpoint
}

// NewClient builds a client for the directory at addr. shared lists the
// boards to announce after every session start; it may be nil.
func NewClient(addr string, cfg manager.Config, l Listener, shared func() []string) *Client {
	c := &Client{
		l:      l,
		shared: shared,
		log:    logger.Named("directory_client").Sugar().With("addr", addr),
	}
	c.cm = manager.NewClientManager(addr, cfg, manager.Hooks{
		OnPeerStarted: c.started,
		OnPeerError: func(e *transport.Endpoint, err error) {
			c.log.Warnw("directory_error", "err", err)
		},
		OnPeerClosed: c.closed,
	})
	return c
}

// Start dials the directory once; later drops are retried by the manager.
func (c *Client) Start(ctx context.Context) error { return c.cm.Start(ctx) }

// Done is closed when the client will not reconnect again.
func (c *Client) Done() <-chan struct{} { return c.cm.Done() }

func (c *Client) Shutdown() { c.cm.Shutdown() }

// Connected reports whether a directory session is active.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

func (c *Client) started(e *transport.Endpoint) {
	if err := e.AttachProtocol(&clientProtocol{c: c}); err != nil {
		c.log.Warnw("directory_attach_error", "err", err)
		_ = e.Close()
		return
	}
	c.mu.Lock()
	c.active = e
	c.mu.Unlock()
	if c.shared == nil {
		return
	}
	for _, name := range c.shared() {
		if err := e.Send(EventShare, name); err != nil {
			c.log.Warnw("share_replay_error", "board", name, "err", err)
			return
		}
	}
}

func (c *Client) closed(e *transport.Endpoint) {
	c.mu.Lock()
	if c.active == e {
		c.active = nil
	}
	c.mu.Unlock()
}

func (c *Client) send(event, name string) error {
	c.mu.Lock()
	e := c.active
	c.mu.Unlock()
	if e == nil {
		select {
		case <-c.cm.Done():
			// 不会再重连, 延后的通告永远不会送达
			return errors.Wrapf(transport.ErrEndpointUnavailable, "%s %s", event, name)
		default:
		}
		// 未连接时延后到下次会话建立
		c.log.Debugw("announce_deferred", "event", event, "board", name)
		return nil
	}
	return e.Send(event, name)
}

func (c *Client) Share(name string) error   { return c.send(EventShare, name) }
func (c *Client) Unshare(name string) error { return c.send(EventUnshare, name) }

type clientProtocol struct {
	c *Client
}

func (p *clientProtocol) Name() string     { return Name }
func (p *clientProtocol) Events() []string { return clientEvents }
func (p *clientProtocol) Start() error     { return nil }
func (p *clientProtocol) Stop()            {}

func (p *clientProtocol) Handle(env *protocol.Envelope) error {
	if env.Event == EventError {
		p.c.log.Warnw("directory_reported_error", "msg", env.Arg(0))
		return nil
	}
	name, err := boardArg(env)
	if err != nil {
		return err
	}
	switch env.Event {
	case EventSharing:
		p.c.l.OnBoardShared(name)
	case EventUnsharing:
		p.c.l.OnBoardUnshared(name)
	default:
		return transport.ErrUnknownEvent
	}
	return nil
}

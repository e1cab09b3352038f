package manager

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PeerManager is a peer's connection set: one server side accepting other
// peers plus any number of outbound clients, all under one Shutdown.
type PeerManager struct {
	cfg    Config
	Server *ServerManager

	mu      sync.Mutex
	clients map[string]*ClientManager
	closed  bool
}

func NewPeerManager(cfg Config, serverHooks Hooks) *PeerManager {
	return &PeerManager{
		cfg:     cfg,
		Server:  NewServerManager(cfg, serverHooks),
		clients: make(map[string]*ClientManager),
	}
}

// Serve accepts incoming peers on ln.
func (p *PeerManager) Serve(ctx context.Context, ln net.Listener) error {
	return p.Server.Serve(ctx, ln)
}

// Connect returns the client registered under key, dialing addr if there is
// none. A client whose manager has finished is replaced. Whiteboard links use
// the board name as key so each board gets its own connection.
func (p *PeerManager) Connect(ctx context.Context, key, addr string, hooks Hooks) (*ClientManager, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPeerClosed
	}
	if c, ok := p.clients[key]; ok {
		select {
		case <-c.Done():
		default:
			p.mu.Unlock()
			return c, nil
		}
	}
	c := NewClientManager(addr, p.cfg, hooks)
	p.clients[key] = c
	p.mu.Unlock()

	if err := c.Start(ctx); err != nil {
		p.forget(key, c)
		return nil, err
	}
	go func() {
		<-c.Done()
		p.forget(key, c)
	}()
	return c, nil
}

func (p *PeerManager) forget(key string, c *ClientManager) {
	p.mu.Lock()
	if p.clients[key] == c {
		delete(p.clients, key)
	}
	p.mu.Unlock()
}

// Client returns the live client registered under key, if any.
func (p *PeerManager) Client(key string) (*ClientManager, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[key]
	return c, ok
}

// Disconnect shuts down the client registered under key.
func (p *PeerManager) Disconnect(key string) {
	p.mu.Lock()
	c, ok := p.clients[key]
	delete(p.clients, key)
	p.mu.Unlock()
	if ok {
		c.Shutdown()
	}
}

// Shutdown stops every client and the server side concurrently and waits.
func (p *PeerManager) Shutdown() {
	p.mu.Lock()
	p.closed = true
	clients := make([]*ClientManager, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = make(map[string]*ClientManager)
	p.mu.Unlock()

	var g errgroup.Group
	for _, c := range clients {
		c := c
		g.Go(func() error {
			c.Shutdown()
			return nil
		})
	}
	g.Go(func() error {
		p.Server.Shutdown()
		return nil
	})
	_ = g.Wait()
}

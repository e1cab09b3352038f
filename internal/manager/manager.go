package manager

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/hongjun500/whiteboard-go/internal/keepalive"
	"github.com/hongjun500/whiteboard-go/internal/transport"
)

// ErrReconnectExhausted is reported through OnPeerError once every reconnect
// attempt has failed. The client manager is finished afterwards.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Hooks 应用层回调，全部可选
type Hooks struct {
	OnPeerStarted func(e *transport.Endpoint)
	OnPeerStopped func(e *transport.Endpoint)
	OnPeerError   func(e *transport.Endpoint, err error)
	OnPeerClosed  func(e *transport.Endpoint)
}

func (h Hooks) started(e *transport.Endpoint) {
	if h.OnPeerStarted != nil {
		h.OnPeerStarted(e)
	}
}

func (h Hooks) stopped(e *transport.Endpoint) {
	if h.OnPeerStopped != nil {
		h.OnPeerStopped(e)
	}
}

func (h Hooks) failed(e *transport.Endpoint, err error) {
	if h.OnPeerError != nil {
		h.OnPeerError(e, err)
	}
}

func (h Hooks) closed(e *transport.Endpoint) {
	if h.OnPeerClosed != nil {
		h.OnPeerClosed(e)
	}
}

// Config is shared by client and server managers.
type Config struct {
	Options           transport.Options
	KeepAliveDelay    time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	// Clock drives reconnect waits; endpoint timers use Options.Clock.
	Clock clock.Clock
	// Dial opens the byte stream; defaults to transport.Dial.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
	// Requested extends ProtocolRequested beyond session and keepalive.
	Requested func(e *transport.Endpoint, event string) transport.Protocol
}

func (c Config) withDefaults() Config {
	if c.KeepAliveDelay <= 0 {
		c.KeepAliveDelay = keepalive.DefaultDelay
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 10
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	if c.Dial == nil {
		c.Dial = transport.Dial
	}
	if c.Options.WriteTimeout <= 0 {
		c.Options.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// DefaultWriteTimeout bounds a single frame write when Options leaves it unset.
const DefaultWriteTimeout = 10 * time.Second

func disconnectedErr() error {
	return errors.Wrap(transport.ErrEndpointUnavailable, "connection terminated abruptly")
}

// ErrPeerClosed is returned by PeerManager.Connect after Shutdown.
var ErrPeerClosed = errors.New("peer manager closed")

package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/hongjun500/whiteboard-go/pkg/logger"
)

// wsConn adapts a *websocket.Conn to net.Conn. Each Write becomes one binary
// message; Read drains messages back to back, so the length-prefixed frames
// above it are carried unchanged.
type wsConn struct {
	ws *websocket.Conn

	readMu  sync.Mutex
	reader  io.Reader
	writeMu sync.Mutex

	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// WriteControl 可以与其他写并发调用
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// WSListener implements net.Listener on top of an HTTP upgrade handler, so a
// ServerManager can accept WebSocket peers exactly like TCP ones.
type WSListener struct {
	Path string // WebSocket endpoint path, defaults to "/ws"

	upgrader websocket.Upgrader
	conns    chan net.Conn
	done     chan struct{}
	once     sync.Once
	addr     net.Addr
	server   *http.Server
}

// NewWSListener returns a listener fed by ServeHTTP. Mount it on any mux or
// call ListenWS to have it serve its own address.
func NewWSListener(path string) *WSListener {
	if path == "" {
		path = "/ws"
	}
	return &WSListener{
		Path: path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
}

// ListenWS binds addr and serves the upgrade handler at path.
func ListenWS(addr, path string) (*WSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen ws %s", addr)
	}
	l := NewWSListener(path)
	l.addr = ln.Addr()
	mux := http.NewServeMux()
	mux.Handle(l.Path, l)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.L().Sugar().Infow("websocket_listen", "addr", ln.Addr().String(), "path", l.Path)
	go func() {
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.L().Sugar().Warnw("websocket_serve_error", "err", err)
		}
	}()
	return l, nil
}

func (l *WSListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.done:
		http.Error(w, "listener closed", http.StatusServiceUnavailable)
		return
	default:
	}
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L().Sugar().Warnw("websocket_upgrade_error", "remote", r.RemoteAddr, "err", err)
		return
	}
	select {
	case l.conns <- newWSConn(ws):
	case <-l.done:
		_ = ws.Close()
	}
}

func (l *WSListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *WSListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		if l.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.server.Shutdown(ctx)
		}
	})
	return nil
}

func (l *WSListener) Addr() net.Addr {
	if l.addr != nil {
		return l.addr
	}
	return wsAddr(l.Path)
}

type wsAddr string

func (a wsAddr) Network() string { return "ws" }
func (a wsAddr) String() string  { return string(a) }

// IsWSAddr reports whether addr is a ws:// or wss:// URL.
func IsWSAddr(addr string) bool {
	return strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://")
}

// DialWS opens a WebSocket connection and returns it as a net.Conn.
func DialWS(ctx context.Context, url string) (net.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return newWSConn(ws), nil
}

// Dial connects to addr: ws:// and wss:// URLs go through DialWS, anything
// else is treated as a TCP host:port.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	if IsWSAddr(addr) {
		return DialWS(ctx, addr)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return conn, nil
}

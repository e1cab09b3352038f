package manager

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/hongjun500/whiteboard-go/internal/transport"
)

const reconnectDelay = 5 * time.Second

type tally struct {
	mu     sync.Mutex
	events map[string]int
	errs   []error
}

func newTally() *tally { return &tally{events: map[string]int{}} }

func (t *tally) hooks() Hooks {
	return Hooks{
		OnPeerStarted: func(*transport.Endpoint) { t.add("started", nil) },
		OnPeerStopped: func(*transport.Endpoint) { t.add("stopped", nil) },
		OnPeerError:   func(_ *transport.Endpoint, err error) { t.add("error", err) },
		OnPeerClosed:  func(*transport.Endpoint) { t.add("closed", nil) },
	}
}

func (t *tally) add(ev string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[ev]++
	if err != nil {
		t.errs = append(t.errs, err)
	}
}

func (t *tally) count(ev string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events[ev]
}

func (t *tally) hasErr(target error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, err := range t.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// pipeDialer connects clients straight into srv; dials listed in fail are refused.
type pipeDialer struct {
	srv   *ServerManager
	calls atomic.Int32
	fail  func(call int32) bool
}

func (d *pipeDialer) dial(ctx context.Context, addr string) (net.Conn, error) {
	n := d.calls.Add(1)
	if d.fail != nil && d.fail(n) {
		return nil, errors.New("connection refused")
	}
	c, s := net.Pipe()
	d.srv.ServeConn(s)
	return c, nil
}

func killServerSide(srv *ServerManager) {
	for _, e := range srv.Endpoints() {
		_ = e.Close()
	}
}

func TestClientServerSession(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	st, ct := newTally(), newTally()
	srv := NewServerManager(Config{}, st.hooks())
	go srv.Serve(context.Background(), ln)
	defer srv.Shutdown()

	cli := NewClientManager(ln.Addr().String(), Config{}, ct.hooks())
	require.NoError(t, cli.Start(context.Background()))

	require.Eventually(t, func() bool { return ct.count("started") == 1 && st.count("started") == 1 },
		2*time.Second, 10*time.Millisecond)
	require.NotNil(t, cli.Endpoint())
	assert.Equal(t, int64(1), srv.Count())

	cli.Shutdown()
	require.Eventually(t, func() bool { return st.count("stopped") == 1 && st.count("closed") == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, ct.count("stopped"))
	assert.Equal(t, 0, ct.count("error"))
	select {
	case <-cli.Done():
	default:
		t.Fatal("client manager should be finished after Shutdown")
	}
	assert.ErrorIs(t, cli.Send("ANY"), transport.ErrEndpointUnavailable)
}

func TestClientStartFailureIsNotRetried(t *testing.T) {
	cli := NewClientManager("unused", Config{Dial: func(context.Context, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}}, Hooks{})
	require.Error(t, cli.Start(context.Background()))
	select {
	case <-cli.Done():
	case <-time.After(time.Second):
		t.Fatal("client manager should be finished")
	}
	cli.Shutdown()
}

// N-1 refused attempts followed by one success yield exactly one new session
// and at most N attempts.
func TestClientReconnectsAfterRefusals(t *testing.T) {
	const n = 4
	clk := clocktesting.NewFakeClock(time.Now())
	st, ct := newTally(), newTally()
	srv := NewServerManager(Config{}, st.hooks())
	defer srv.Shutdown()

	d := &pipeDialer{srv: srv}
	d.fail = func(call int32) bool { return call > 1 && call < 1+n }
	cli := NewClientManager("peer", Config{
		Dial: d.dial, Clock: clk,
		ReconnectAttempts: 10, ReconnectDelay: reconnectDelay,
	}, ct.hooks())
	require.NoError(t, cli.Start(context.Background()))
	defer cli.Shutdown()
	require.Eventually(t, func() bool { return ct.count("started") == 1 }, 2*time.Second, 10*time.Millisecond)

	killServerSide(srv)
	for i := 1; i <= n; i++ {
		require.Eventually(t, clk.HasWaiters, 2*time.Second, 5*time.Millisecond)
		clk.Step(reconnectDelay)
		want := int32(1 + i)
		require.Eventually(t, func() bool { return d.calls.Load() == want }, 2*time.Second, 5*time.Millisecond)
	}

	require.Eventually(t, func() bool { return ct.count("started") == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1+n), d.calls.Load())
	assert.False(t, ct.hasErr(ErrReconnectExhausted))
	assert.False(t, clk.HasWaiters(), "no further attempts after success")
	select {
	case <-cli.Done():
		t.Fatal("client manager must stay alive after reconnecting")
	default:
	}
}

func TestClientReconnectExhausted(t *testing.T) {
	const attempts = 10
	clk := clocktesting.NewFakeClock(time.Now())
	st, ct := newTally(), newTally()
	srv := NewServerManager(Config{}, st.hooks())
	defer srv.Shutdown()

	d := &pipeDialer{srv: srv}
	d.fail = func(call int32) bool { return call > 1 }
	cli := NewClientManager("peer", Config{
		Dial: d.dial, Clock: clk,
		ReconnectAttempts: attempts, ReconnectDelay: reconnectDelay,
	}, ct.hooks())
	require.NoError(t, cli.Start(context.Background()))
	defer cli.Shutdown()
	require.Eventually(t, func() bool { return ct.count("started") == 1 }, 2*time.Second, 10*time.Millisecond)

	killServerSide(srv)
	for i := 1; i <= attempts; i++ {
		require.Eventually(t, clk.HasWaiters, 2*time.Second, 5*time.Millisecond)
		clk.Step(reconnectDelay)
		want := int32(1 + i)
		require.Eventually(t, func() bool { return d.calls.Load() == want }, 2*time.Second, 5*time.Millisecond)
	}

	select {
	case <-cli.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client manager should finish after exhausting its attempts")
	}
	assert.True(t, ct.hasErr(ErrReconnectExhausted))
	assert.Equal(t, int32(1+attempts), d.calls.Load())
	assert.Equal(t, 1, ct.count("started"))
}

func TestShutdownDisablesReconnect(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	srv := NewServerManager(Config{}, Hooks{})
	defer srv.Shutdown()
	ct := newTally()
	d := &pipeDialer{srv: srv}
	cli := NewClientManager("peer", Config{Dial: d.dial, Clock: clk}, ct.hooks())
	require.NoError(t, cli.Start(context.Background()))
	require.Eventually(t, func() bool { return ct.count("started") == 1 }, 2*time.Second, 10*time.Millisecond)

	killServerSide(srv)
	require.Eventually(t, clk.HasWaiters, 2*time.Second, 5*time.Millisecond)
	cli.Shutdown()
	clk.Step(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), d.calls.Load())
}

func TestServerRejectsUnknownFirstEvent(t *testing.T) {
	st := newTally()
	srv := NewServerManager(Config{}, st.hooks())
	defer srv.Shutdown()

	c, s := net.Pipe()
	srv.ServeConn(s)
	e := transport.NewEndpoint(c, nil, transport.Options{})
	go e.Run()
	defer e.Close()

	require.NoError(t, e.Send("BOARD_LISTEN", "x"))
	require.Eventually(t, func() bool { return st.count("error") == 1 && st.count("closed") == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.True(t, st.hasErr(transport.ErrUnknownEvent))
}

func TestPeerManagerConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	remote := NewServerManager(Config{}, Hooks{})
	go remote.Serve(context.Background(), ln)
	defer remote.Shutdown()

	pm := NewPeerManager(Config{}, Hooks{})
	ct := newTally()
	c1, err := pm.Connect(context.Background(), "k", ln.Addr().String(), ct.hooks())
	require.NoError(t, err)
	c2, err := pm.Connect(context.Background(), "k", ln.Addr().String(), ct.hooks())
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	require.Eventually(t, func() bool { return ct.count("started") == 1 }, 2*time.Second, 10*time.Millisecond)

	got, ok := pm.Client("k")
	require.True(t, ok)
	assert.Same(t, c1, got)

	pm.Shutdown()
	_, err = pm.Connect(context.Background(), "k", ln.Addr().String(), Hooks{})
	assert.ErrorIs(t, err, ErrPeerClosed)
	require.Eventually(t, func() bool { return remote.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

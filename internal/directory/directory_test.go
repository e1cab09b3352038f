package directory

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongjun500/whiteboard-go/internal/bus/redisstream"
	"github.com/hongjun500/whiteboard-go/internal/manager"
	"github.com/hongjun500/whiteboard-go/internal/transport"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type recorder struct {
	mu       sync.Mutex
	shared   map[string]int
	unshared map[string]int
}

func newRecorder() *recorder {
	return &recorder{shared: map[string]int{}, unshared: map[string]int{}}
}

func (r *recorder) OnBoardShared(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shared[name]++
}

func (r *recorder) OnBoardUnshared(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unshared[name]++
}

func (r *recorder) sawShare(name string) func() bool {
	return func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.shared[name] > 0
	}
}

func (r *recorder) sawUnshare(name string) func() bool {
	return func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.unshared[name] > 0
	}
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(manager.Config{})
	go s.Serve(context.Background(), ln)
	t.Cleanup(s.Shutdown)
	return s, ln.Addr().String()
}

func startClient(t *testing.T, addr string, l Listener, shared func() []string) *Client {
	t.Helper()
	c := NewClient(addr, manager.Config{}, l, shared)
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, c.Connected, waitFor, tick)
	t.Cleanup(c.Shutdown)
	return c
}

func TestShareFansOutAndReplays(t *testing.T) {
	s, addr := startServer(t)
	ra, rb := newRecorder(), newRecorder()
	a := startClient(t, addr, ra, nil)
	startClient(t, addr, rb, nil)
	require.Eventually(t, func() bool { return s.Sessions() == 2 }, waitFor, tick)

	require.NoError(t, a.Share("10.0.0.1:3101:b1"))
	require.Eventually(t, rb.sawShare("10.0.0.1:3101:b1"), waitFor, tick)
	require.Eventually(t, ra.sawShare("10.0.0.1:3101:b1"), waitFor, tick)
	assert.Equal(t, []string{"10.0.0.1:3101:b1"}, s.Shared())

	// 后连接的节点收到补发
	rc := newRecorder()
	startClient(t, addr, rc, nil)
	require.Eventually(t, rc.sawShare("10.0.0.1:3101:b1"), waitFor, tick)

	require.NoError(t, a.Unshare("10.0.0.1:3101:b1"))
	require.Eventually(t, rb.sawUnshare("10.0.0.1:3101:b1"), waitFor, tick)
	require.Eventually(t, rc.sawUnshare("10.0.0.1:3101:b1"), waitFor, tick)
	assert.Empty(t, s.Shared())
}

func TestBoardsWithdrawnWhenPeerLeaves(t *testing.T) {
	s, addr := startServer(t)
	rb := newRecorder()
	startClient(t, addr, rb, nil)

	a := NewClient(addr, manager.Config{}, newRecorder(), func() []string { return []string{"10.0.0.1:3101:b2"} })
	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, rb.sawShare("10.0.0.1:3101:b2"), waitFor, tick)

	a.Shutdown()
	require.Eventually(t, rb.sawUnshare("10.0.0.1:3101:b2"), waitFor, tick)
	require.Eventually(t, func() bool { return len(s.Shared()) == 0 && s.Sessions() == 1 }, waitFor, tick)
}

func TestMalformedShareKeepsConnection(t *testing.T) {
	s, addr := startServer(t)
	ra := newRecorder()
	a := startClient(t, addr, ra, nil)

	require.NoError(t, a.Share("no-port-here"))
	require.NoError(t, a.Share("10.0.0.1:3101:ok"))
	require.Eventually(t, ra.sawShare("10.0.0.1:3101:ok"), waitFor, tick)
	assert.Equal(t, []string{"10.0.0.1:3101:ok"}, s.Shared())
	assert.True(t, a.Connected())
}

func TestShareWhileDisconnectedIsDeferred(t *testing.T) {
	c := NewClient("127.0.0.1:1", manager.Config{}, newRecorder(), nil)
	assert.NoError(t, c.Share("10.0.0.1:3101:b1"))
	assert.False(t, c.Connected())
	c.Shutdown()
}

func TestShareAfterFailedStartFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := NewClient(addr, manager.Config{}, newRecorder(), nil)
	t.Cleanup(c.Shutdown)
	require.Error(t, c.Start(context.Background()))

	err = c.Share("10.0.0.1:3101:b1")
	assert.ErrorIs(t, err, transport.ErrEndpointUnavailable)
	assert.ErrorIs(t, c.Unshare("10.0.0.1:3101:b1"), transport.ErrEndpointUnavailable)
}

// memBus delivers every published message to every consumer.
type memBus struct {
	mu   sync.Mutex
	subs []chan *redisstream.Message
}

func (b *memBus) Publish(_ context.Context, m *redisstream.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.subs {
		c <- m
	}
	return nil
}

func (b *memBus) Consume(ctx context.Context, _ string, h redisstream.Handler) error {
	c := make(chan *redisstream.Message, 64)
	b.mu.Lock()
	b.subs = append(b.subs, c)
	b.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-c:
			_ = h(ctx, m)
		}
	}
}

func (b *memBus) consumers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func TestBusMirrorsBetweenNodes(t *testing.T) {
	s1, addr1 := startServer(t)
	s2, addr2 := startServer(t)
	bus := &memBus{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s1.RunBus(ctx, bus)
	go s2.RunBus(ctx, bus)
	require.Eventually(t, func() bool { return bus.consumers() == 2 }, waitFor, tick)

	a := startClient(t, addr1, newRecorder(), nil)
	rb := newRecorder()
	startClient(t, addr2, rb, nil)

	require.NoError(t, a.Share("10.0.0.1:3101:b9"))
	require.Eventually(t, rb.sawShare("10.0.0.1:3101:b9"), waitFor, tick)
	assert.Equal(t, []string{"10.0.0.1:3101:b9"}, s2.Shared())

	a.Shutdown()
	require.Eventually(t, rb.sawUnshare("10.0.0.1:3101:b9"), waitFor, tick)
	require.Eventually(t, func() bool { return len(s1.Shared()) == 0 && len(s2.Shared()) == 0 }, waitFor, tick)
}

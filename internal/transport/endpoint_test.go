package transport

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongjun500/whiteboard-go/internal/protocol"
)

// recorder collects manager signals in order.
type recorder struct {
	NopManager
	mu        sync.Mutex
	signals   []string
	requested func(e *Endpoint, event string) Protocol
	onReady   func(e *Endpoint)
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.signals = append(r.signals, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.signals...)
}

func (r *recorder) count(s string) int {
	n := 0
	for _, v := range r.list() {
		if v == s {
			n++
		}
	}
	return n
}

func (r *recorder) EndpointReady(e *Endpoint) {
	r.add("ready")
	if r.onReady != nil {
		r.onReady(e)
	}
}
func (r *recorder) EndpointClosed(*Endpoint)                     { r.add("closed") }
func (r *recorder) EndpointDisconnectedAbruptly(*Endpoint)       { r.add("disconnected") }
func (r *recorder) EndpointSentInvalidMessage(*Endpoint, error)  { r.add("invalid") }
func (r *recorder) EndpointTimedOut(*Endpoint, Protocol)         { r.add("timeout") }
func (r *recorder) ProtocolViolation(*Endpoint, Protocol, error) { r.add("violation") }
func (r *recorder) ProtocolRequested(e *Endpoint, event string) Protocol {
	if r.requested != nil {
		return r.requested(e, event)
	}
	return nil
}

// echoProtocol replies PONG to PING and fails on BAD.
type echoProtocol struct {
	e       *Endpoint
	name    string
	events  []string
	mu      sync.Mutex
	handled []string
	stopped int
}

func newEcho(e *Endpoint) *echoProtocol {
	return &echoProtocol{e: e, name: "echo", events: []string{"PING", "PONG", "BAD"}}
}

func (p *echoProtocol) Name() string     { return p.name }
func (p *echoProtocol) Events() []string { return p.events }
func (p *echoProtocol) Start() error     { return nil }
func (p *echoProtocol) Stop() {
	p.mu.Lock()
	p.stopped++
	p.mu.Unlock()
}

func (p *echoProtocol) Handle(env *protocol.Envelope) error {
	p.mu.Lock()
	p.handled = append(p.handled, env.Event+":"+env.Arg(0))
	p.mu.Unlock()
	switch env.Event {
	case "PING":
		return p.e.Send("PONG", env.Args...)
	case "BAD":
		return Violation("bad event")
	}
	return nil
}

func (p *echoProtocol) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.handled...)
}

func pipeEndpoints(t *testing.T, ra, rb *recorder) (*Endpoint, *Endpoint) {
	t.Helper()
	ca, cb := net.Pipe()
	a := NewEndpoint(ca, ra, Options{})
	b := NewEndpoint(cb, rb, Options{})
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestEndpointExchange(t *testing.T) {
	ra, rb := &recorder{}, &recorder{}
	a, b := pipeEndpoints(t, ra, rb)
	pa, pb := newEcho(a), newEcho(b)
	require.NoError(t, a.AttachProtocol(pa))
	require.NoError(t, b.AttachProtocol(pb))

	go a.Run()
	go b.Run()

	require.NoError(t, a.Send("PING", "1"))
	require.NoError(t, a.Send("PING", "2"))
	require.Eventually(t, func() bool { return len(pa.seen()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"PING:1", "PING:2"}, pb.seen())
	assert.Equal(t, []string{"PONG:1", "PONG:2"}, pa.seen())
	assert.Equal(t, StateEstablished, a.State())
}

func TestEndpointAttachDuplicate(t *testing.T) {
	a, _ := pipeEndpoints(t, &recorder{}, &recorder{})
	require.NoError(t, a.AttachProtocol(newEcho(a)))

	err := a.AttachProtocol(newEcho(a))
	assert.True(t, errors.Is(err, ErrProtocolAlreadyRunning))

	other := newEcho(a)
	other.name = "other"
	other.events = []string{"PING"}
	err = a.AttachProtocol(other)
	assert.True(t, errors.Is(err, ErrProtocolAlreadyRunning), "event collision must be rejected")
}

func TestEndpointUnknownEventIsInvalid(t *testing.T) {
	ra, rb := &recorder{}, &recorder{}
	a, b := pipeEndpoints(t, ra, rb)
	go a.Run()
	go b.Run()

	require.NoError(t, a.Send("NOPE"))
	require.Eventually(t, func() bool { return rb.count("closed") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ready", "invalid", "closed"}, rb.list())
	assert.Equal(t, StateInvalidMessage, b.State())

	// 对端关闭后，a 侧观察到异常断开
	require.Eventually(t, func() bool { return ra.count("closed") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ra.count("disconnected"))
}

func TestEndpointProtocolRequested(t *testing.T) {
	ra, rb := &recorder{}, &recorder{}
	var attached *echoProtocol
	rb.requested = func(e *Endpoint, event string) Protocol {
		if event != "PING" {
			return nil
		}
		attached = newEcho(e)
		return attached
	}
	a, b := pipeEndpoints(t, ra, rb)
	pa := newEcho(a)
	require.NoError(t, a.AttachProtocol(pa))
	go a.Run()
	go b.Run()

	require.NoError(t, a.Send("PING", "x"))
	require.Eventually(t, func() bool { return len(pa.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.NotNil(t, b.Protocol("echo"))
}

func TestEndpointViolationClosesOnce(t *testing.T) {
	ra, rb := &recorder{}, &recorder{}
	a, b := pipeEndpoints(t, ra, rb)
	pb := newEcho(b)
	require.NoError(t, b.AttachProtocol(pb))
	go a.Run()
	go b.Run()

	require.NoError(t, a.Send("BAD"))
	require.Eventually(t, func() bool { return rb.count("closed") == 1 }, time.Second, 5*time.Millisecond)

	// a later timeout must not produce a second terminal signal
	b.TimedOut(pb)
	_ = b.Close()
	assert.Equal(t, []string{"ready", "violation", "closed"}, rb.list())
	assert.Equal(t, StateProtocolViolated, b.State())
	pb.mu.Lock()
	assert.Equal(t, 1, pb.stopped)
	pb.mu.Unlock()
}

func TestEndpointSendAfterClose(t *testing.T) {
	ra := &recorder{}
	a, _ := pipeEndpoints(t, ra, &recorder{})
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	err := a.Send("PING")
	assert.True(t, errors.Is(err, ErrEndpointUnavailable))
	assert.True(t, errors.Is(a.AttachProtocol(newEcho(a)), ErrEndpointUnavailable))
	assert.Equal(t, 1, ra.count("closed"))
	assert.Equal(t, StateClosed, a.State())
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestEndpointLocalCloseIsNotAbrupt(t *testing.T) {
	ra, rb := &recorder{}, &recorder{}
	a, b := pipeEndpoints(t, ra, rb)
	errc := make(chan error, 1)
	go func() { errc <- a.Run() }()
	go b.Run()

	require.Eventually(t, func() bool { return ra.count("ready") == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, a.Close())
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.Equal(t, 0, ra.count("disconnected"))
	require.Eventually(t, func() bool { return rb.count("disconnected") == 1 }, time.Second, 5*time.Millisecond)
}

func TestEndpointAttributes(t *testing.T) {
	a, b := pipeEndpoints(t, &recorder{}, &recorder{})
	a.Set("peer", "localhost:3101")
	v, ok := a.Get("peer")
	require.True(t, ok)
	assert.Equal(t, "localhost:3101", v)
	_, ok = a.Get("missing")
	assert.False(t, ok)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestEndpointSetTracksMembers(t *testing.T) {
	a, b := pipeEndpoints(t, &recorder{}, &recorder{})
	set := NewEndpointSet()
	set.Add(a)
	set.Add(a)
	set.Add(b)
	assert.Equal(t, int64(2), set.Count())
	got, ok := set.Get(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)

	set.Remove(a.ID())
	set.Remove(a.ID())
	assert.Equal(t, int64(1), set.Count())
	set.CloseAll()
	assert.True(t, b.IsClosed())
}

func TestEndpointCloseFlushesQueue(t *testing.T) {
	ra, rb := &recorder{}, &recorder{}
	a, b := pipeEndpoints(t, ra, rb)
	pb := newEcho(b)
	pb.events = []string{"PING", "BAD"}
	require.NoError(t, b.AttachProtocol(pb))
	go b.Run()

	require.NoError(t, a.Send("PING", "last"))
	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return len(pb.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"PING:last"}, pb.seen())
}

// A peer that never reads fills the send queue; Send then fails at once
// instead of blocking and the endpoint ends as an abrupt disconnect.
func TestEndpointSendQueueFullCutsPeer(t *testing.T) {
	ra := &recorder{}
	ca, cb := net.Pipe()
	defer cb.Close()
	a := NewEndpoint(ca, ra, Options{SendQueue: 1})
	defer a.Close()
	go a.Run()

	var err error
	start := time.Now()
	for i := 0; i < 10 && err == nil; i++ {
		err = a.Send("PING", "x")
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEndpointUnavailable), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
	require.Eventually(t, func() bool { return ra.count("closed") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ra.count("disconnected"))
}

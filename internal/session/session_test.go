package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/hongjun500/whiteboard-go/internal/transport"
)

type hooks struct {
	transport.NopManager
	server bool
	mu     sync.Mutex
	calls  []string
}

func (h *hooks) add(s string) {
	h.mu.Lock()
	h.calls = append(h.calls, s)
	h.mu.Unlock()
}

func (h *hooks) has(s string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.calls {
		if c == s {
			return true
		}
	}
	return false
}

func (h *hooks) SessionStarted(*transport.Endpoint)                       { h.add("started") }
func (h *hooks) SessionStopped(*transport.Endpoint)                       { h.add("stopped") }
func (h *hooks) EndpointClosed(*transport.Endpoint)                       { h.add("closed") }
func (h *hooks) EndpointTimedOut(*transport.Endpoint, transport.Protocol) { h.add("timeout") }
func (h *hooks) ProtocolViolation(*transport.Endpoint, transport.Protocol, error) {
	h.add("violation")
}
func (h *hooks) ProtocolRequested(e *transport.Endpoint, event string) transport.Protocol {
	if h.server && event == EventStartRequest {
		return NewServer(e, time.Second)
	}
	return nil
}

type pair struct {
	client, server *transport.Endpoint
	ch, sh         *hooks
	clientP        *Protocol
}

func startPair(t *testing.T, opt transport.Options, timeout time.Duration) *pair {
	t.Helper()
	cc, sc := net.Pipe()
	p := &pair{ch: &hooks{}, sh: &hooks{server: true}}
	p.client = transport.NewEndpoint(cc, p.ch, opt)
	p.server = transport.NewEndpoint(sc, p.sh, opt)
	t.Cleanup(func() {
		_ = p.client.Close()
		_ = p.server.Close()
	})
	go p.server.Run()
	go p.client.Run()
	p.clientP = NewClient(p.client, timeout)
	require.NoError(t, p.client.AttachProtocol(p.clientP))
	return p
}

func TestSessionStart(t *testing.T) {
	p := startPair(t, transport.Options{}, time.Second)

	require.Eventually(t, func() bool { return p.ch.has("started") && p.sh.has("started") },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, StateActive, p.clientP.State())
	require.NotNil(t, Of(p.server))
	assert.Equal(t, StateActive, Of(p.server).State())
}

func TestSessionStartWhileActiveIsViolation(t *testing.T) {
	p := startPair(t, transport.Options{}, time.Second)
	require.Eventually(t, func() bool { return p.sh.has("started") }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.client.Send(EventStartRequest))
	require.Eventually(t, func() bool { return p.sh.has("violation") && p.sh.has("closed") },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, transport.StateProtocolViolated, p.server.State())
}

func TestSessionStop(t *testing.T) {
	p := startPair(t, transport.Options{}, time.Second)
	require.Eventually(t, func() bool { return p.ch.has("started") }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.clientP.StopSession())
	require.Eventually(t, func() bool { return p.ch.has("stopped") && p.sh.has("stopped") },
		time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.client.IsClosed() && p.server.IsClosed() },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, transport.StateSessionStopped, p.client.State())
	assert.Equal(t, transport.StateSessionStopped, p.server.State())
	assert.Equal(t, StateStopped, p.clientP.State())
}

func TestSessionStopWhenNotActiveIsNoop(t *testing.T) {
	cc, sc := net.Pipe()
	defer sc.Close()
	e := transport.NewEndpoint(cc, nil, transport.Options{})
	defer e.Close()
	p := NewServer(e, time.Second)
	assert.NoError(t, p.StopSession())
	assert.Equal(t, StateIdle, p.State())
}

func TestSessionStartTimeout(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	cc, sc := net.Pipe()
	h := &hooks{}
	e := transport.NewEndpoint(cc, h, transport.Options{Clock: clk})
	t.Cleanup(func() {
		_ = e.Close()
		_ = sc.Close()
	})
	// 对端只读不回
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := sc.Read(buf); err != nil {
				return
			}
		}
	}()
	go e.Run()

	p := NewClient(e, 20*time.Second)
	require.NoError(t, e.AttachProtocol(p))
	assert.Equal(t, StateAwaitingStart, p.State())

	clk.Step(20 * time.Second)
	require.Eventually(t, func() bool { return h.has("timeout") && h.has("closed") },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, transport.StateTimedOut, e.State())
}

package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongjun500/whiteboard-go/internal/protocol"
)

func TestWSListenerCarriesFrames(t *testing.T) {
	l := NewWSListener("/ws")
	srv := httptest.NewServer(l)
	defer srv.Close()
	defer l.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	require.True(t, IsWSAddr(wsURL))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	accepted := make(chan *Endpoint, 1)
	rs := &recorder{}
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		e := NewEndpoint(conn, rs, Options{Codec: &protocol.ProtobufCodec{}})
		_ = e.AttachProtocol(newEcho(e))
		accepted <- e
		_ = e.Run()
	}()

	conn, err := Dial(ctx, wsURL)
	require.NoError(t, err)
	rc := &recorder{}
	client := NewEndpoint(conn, rc, Options{Codec: &protocol.ProtobufCodec{}})
	pc := newEcho(client)
	require.NoError(t, client.AttachProtocol(pc))
	go client.Run()
	defer client.Close()

	require.NoError(t, client.Send("PING", "over-ws"))
	require.Eventually(t, func() bool { return len(pc.seen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"PONG:over-ws"}, pc.seen())

	server := <-accepted
	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return server.IsClosed() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rs.count("disconnected"))
}

func TestWSListenerClose(t *testing.T) {
	l := NewWSListener("")
	assert.Equal(t, "/ws", l.Path)
	require.NoError(t, l.Close())
	_, err := l.Accept()
	assert.Error(t, err)
}

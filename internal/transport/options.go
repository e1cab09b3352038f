package transport

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/hongjun500/whiteboard-go/internal/protocol"
)

// Options configures endpoints (shared across TCP/WS where applicable)
type Options struct {
	Codec        protocol.MessageCodec // envelope codec, default JSON
	MaxFrameSize int                   // bytes, default 1MB
	WriteTimeout time.Duration         // per-write deadline; 0 to disable
	Clock        clock.Clock           // timers for protocols; default real clock
	SendQueue    int                   // queued outbound envelopes before the peer is cut off
}

const (
	DefaultSendQueue = 256
	// flushTimeout bounds how long Close spends writing what is still queued.
	flushTimeout = time.Second
)

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = &protocol.JSONCodec{}
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	if o.SendQueue <= 0 {
		o.SendQueue = DefaultSendQueue
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	return o
}

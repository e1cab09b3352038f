package protocol

import (
	"io"

	"github.com/pkg/errors"
)

const (
	CodecJson = iota
	CodecProtobuf
)

const (
	Json     = "json"
	Protobuf = "protobuf"
)

var codecFactories = map[int]func() MessageCodec{
	CodecJson:     func() MessageCodec { return &JSONCodec{} },
	CodecProtobuf: func() MessageCodec { return &ProtobufCodec{} },
}

// MessageCodec 消息体数据编码解码器
type MessageCodec interface {
	Name() string
	Encode(w io.Writer, m *Envelope) error
	Decode(r io.Reader, m *Envelope, maxSize int) error
}

// NewCodec 根据编码类型创建相应的编解码器
func NewCodec(cc int) (MessageCodec, error) {
	if factory, ok := codecFactories[cc]; ok {
		return factory(), nil
	}
	return nil, errors.Errorf("unsupported codec type: %d", cc)
}

// NewCodecByName resolves "json" / "protobuf" (and the short alias "pb").
func NewCodecByName(name string) (MessageCodec, error) {
	cc, err := CodecByName(name)
	if err != nil {
		return nil, err
	}
	return NewCodec(cc)
}

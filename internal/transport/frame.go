package transport

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
)

const (
	// DefaultMaxFrameSize is used when Options.MaxFrameSize is unset.
	DefaultMaxFrameSize = 1 << 20
	// HardMaxFrameSize 16MB hard limit
	HardMaxFrameSize = 16 * 1024 * 1024
	frameHeaderSize  = 4
)

// FrameCodec 数据包的编解码器，使用长度前缀帧格式
type FrameCodec struct {
	readMu  sync.Mutex // 读锁
	writeMu sync.Mutex // 写锁
	bufPool *sync.Pool // 用于复用缓冲区
}

func NewFrameCodec() *FrameCodec {
	return &FrameCodec{
		bufPool: &sync.Pool{
			New: func() any {
				// 64KB 足够容纳绝大多数白板消息
				return make([]byte, 64*1024)
			},
		},
	}
}

// WriteFrame 写入一个帧。长度头与内容在一次 Write 中发出，保证帧在 WebSocket 上也是一条消息
func (c *FrameCodec) WriteFrame(w io.Writer, payload []byte) error {
	if c == nil || w == nil {
		return errors.New("framecodec or writer is nil")
	}
	if len(payload) > HardMaxFrameSize {
		return errors.Wrapf(ErrFrameTooLarge, "write %d bytes", len(payload))
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := w.Write(frame)
	return err
}

// ReadFrame 读取一个帧；maxSize <= 0 时使用 DefaultMaxFrameSize
func (c *FrameCodec) ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if c == nil || r == nil {
		return nil, errors.New("framecodec or reader is nil")
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if maxSize > HardMaxFrameSize {
		maxSize = HardMaxFrameSize
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var header [frameHeaderSize]byte
	// 使用 io.ReadFull 确保读取完整的 4 字节长度
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint32(header[:]))
	if length > maxSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "read %d bytes, limit %d", length, maxSize)
	}

	buf := c.bufPool.Get().([]byte)
	if cap(buf) < length {
		// 容量不足，创建新缓冲区（旧缓冲区丢弃，由GC处理）
		buf = make([]byte, length)
	} else {
		buf = buf[:length]
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		c.bufPool.Put(buf[:cap(buf)])
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	// 拷贝一份，调用者可以持有
	data := make([]byte, length)
	copy(data, buf)
	c.bufPool.Put(buf[:cap(buf)])
	return data, nil
}

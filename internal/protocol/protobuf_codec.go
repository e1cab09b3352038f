package protocol

import (
	"io"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the envelope message:
//
//	message Envelope {
//	  string event = 1;
//	  repeated string args = 2;
//	}
const (
	fieldEvent protowire.Number = 1
	fieldArgs  protowire.Number = 2
)

// ProtobufCodec 将 Envelope 编码为 Protocol Buffers 线格式
type ProtobufCodec struct{}

func (p *ProtobufCodec) Name() string {
	return Protobuf
}

func (p *ProtobufCodec) Encode(w io.Writer, e *Envelope) error {
	if e == nil || e.Event == "" {
		return errors.New("ProtobufCodec.Encode: envelope missing event")
	}
	b := protowire.AppendTag(nil, fieldEvent, protowire.BytesType)
	b = protowire.AppendString(b, e.Event)
	for _, a := range e.Args {
		b = protowire.AppendTag(b, fieldArgs, protowire.BytesType)
		b = protowire.AppendString(b, a)
	}
	if _, err := w.Write(b); err != nil {
		return errors.Wrap(err, "ProtobufCodec.Encode: write")
	}
	return nil
}

// Decode reads the whole frame from r and parses it. Unknown fields are skipped.
func (p *ProtobufCodec) Decode(r io.Reader, e *Envelope, maxSize int) error {
	reader := r
	if maxSize > 0 {
		reader = io.LimitReader(r, int64(maxSize))
	}
	b, err := io.ReadAll(reader)
	if err != nil {
		return errors.Wrap(err, "ProtobufCodec.Decode: read")
	}
	var decoded Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrapf(ErrMalformedEnvelope, "protobuf: %v", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType || (num != fieldEvent && num != fieldArgs) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.Wrapf(ErrMalformedEnvelope, "protobuf: %v", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return errors.Wrapf(ErrMalformedEnvelope, "protobuf: %v", protowire.ParseError(n))
		}
		b = b[n:]
		if num == fieldEvent {
			decoded.Event = v
		} else {
			decoded.Args = append(decoded.Args, v)
		}
	}
	if decoded.Event == "" {
		return errors.Wrap(ErrMalformedEnvelope, "protobuf: missing field event")
	}
	*e = decoded
	return nil
}

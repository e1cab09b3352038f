package protocol

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// JSONCodec encodes an envelope as a single JSON object: {"event":..,"args":[..]}.
type JSONCodec struct{}

func (JSONCodec) Name() string { return Json }

func (JSONCodec) Encode(w io.Writer, m *Envelope) error {
	if m == nil || m.Event == "" {
		return errors.New("JSONCodec.Encode: envelope missing event")
	}
	return json.NewEncoder(w).Encode(m)
}

func (JSONCodec) Decode(r io.Reader, m *Envelope, maxSize int) error {
	rr := r
	if maxSize > 0 {
		rr = io.LimitReader(r, int64(maxSize))
	}
	dec := json.NewDecoder(rr)
	var decoded Envelope
	if err := dec.Decode(&decoded); err != nil {
		return errors.Wrapf(ErrMalformedEnvelope, "json: %v", err)
	}
	if decoded.Event == "" {
		return errors.Wrap(ErrMalformedEnvelope, "json: missing field event")
	}
	*m = decoded
	return nil
}

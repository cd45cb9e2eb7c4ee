package envelope

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// BatchCodec encodes envelope batches for the wire. Compressed frames are
// recognised by the zstd magic number, so a decoder accepts both forms.
type BatchCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewBatchCodec(compress bool) (*BatchCodec, error) {
	c := &BatchCodec{}

	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		c.encoder = enc
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c.decoder = dec

	return c, nil
}

func (c *BatchCodec) Encode(envelopes []*Envelope) ([]byte, error) {
	data, err := json.Marshal(envelopes)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	if c.encoder != nil {
		return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	}
	return data, nil
}

func (c *BatchCodec) Decode(data []byte) ([]*Envelope, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		raw, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress batch: %w", err)
		}
		data = raw
	}

	var envelopes []*Envelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	for i, env := range envelopes {
		if env == nil {
			return nil, fmt.Errorf("decode batch: null envelope at index %d", i)
		}
	}
	return envelopes, nil
}

func (c *BatchCodec) Close() {
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	c.decoder.Close()
}

// MarshalEnvelope is the single-envelope form used by dead letter reports and
// the SQL stores.
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, err
	}
	return env, nil
}

package codec

import (
	"fmt"

	"github.com/golang/snappy"
)

// MaxDecodedBytes caps the size a snappy payload may expand to.
const MaxDecodedBytes = 16 * 1024 * 1024

// SnappyCodec compresses the output of another codec with snappy block format.
type SnappyCodec struct {
	inner Codec
}

// Snappy wraps inner so its output is snappy-compressed. The name is
// "<inner>+snappy".
func Snappy(inner Codec) *SnappyCodec {
	return &SnappyCodec{inner: inner}
}

func (c *SnappyCodec) Encode(v any) ([]byte, error) {
	raw, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func (c *SnappyCodec) Decode(data []byte, v any) error {
	// Reject before allocating: the decoded length is in the block preamble.
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return fmt.Errorf("codec: snappy: %w", err)
	}
	if n > MaxDecodedBytes {
		return fmt.Errorf("codec: snappy: decoded payload too large: %d > %d", n, MaxDecodedBytes)
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("codec: snappy: %w", err)
	}
	return c.inner.Decode(raw, v)
}

func (c *SnappyCodec) Name() string {
	return c.inner.Name() + "+snappy"
}

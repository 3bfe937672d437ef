package codec

import (
	"fmt"
)

// RawCodec passes bytes through untouched. It is meant for callers that already
// hold an encoded payload (proxies, the CLI) and for benchmarks of the core.
//
// Encode accepts []byte, *[]byte, string and *string.
// Decode accepts *[]byte and *string.
type RawCodec struct{}

func (c *RawCodec) Encode(v any) ([]byte, error) {
	switch val := v.(type) {
	case []byte:
		return val, nil
	case *[]byte:
		if val == nil {
			return nil, nil
		}
		return *val, nil
	case string:
		return []byte(val), nil
	case *string:
		if val == nil {
			return nil, nil
		}
		return []byte(*val), nil
	default:
		return nil, fmt.Errorf("codec: raw: cannot encode %T", v)
	}
}

func (c *RawCodec) Decode(data []byte, v any) error {
	switch val := v.(type) {
	case *[]byte:
		*val = append((*val)[:0], data...)
		return nil
	case *string:
		*val = string(data)
		return nil
	default:
		return fmt.Errorf("codec: raw: cannot decode into %T", v)
	}
}

func (c *RawCodec) Name() string {
	return "raw"
}

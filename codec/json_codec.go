package codec

import "encoding/json"

// JSONCodec is the default codec. Payloads are plain JSON documents, so any
// peer with a JSON library can talk to a tesseract server.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Name() string {
	return "json"
}

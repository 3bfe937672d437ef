package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"tesseract/rpcerror"
)

var (
	ErrTruncated          = errors.New("envelope: truncated")
	ErrBadMagic           = errors.New("envelope: invalid magic number")
	ErrUnsupportedVersion = errors.New("envelope: unsupported version")
	ErrUnknownKind        = errors.New("envelope: unknown kind")
	ErrLengthMismatch     = errors.New("envelope: payload length inconsistent with available bytes")
	ErrPayloadTooLarge    = errors.New("envelope: payload too large")
	ErrTargetTooLong      = errors.New("envelope: target too long")
	ErrUnexpectedTarget   = errors.New("envelope: target set on non-request envelope")
)

// Limits constrains memory used when reading envelopes from a peer.
type Limits struct {
	MaxPayloadBytes uint32 // 0 disables the check
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 16 * 1024 * 1024}
}

// framingError tags a structural failure with the Framing kind while keeping the
// sentinel reachable through errors.Is.
func framingError(sentinel error, format string, args ...any) error {
	return rpcerror.Wrap(rpcerror.KindFraming, fmt.Errorf("%w"+format, append([]any{sentinel}, args...)...), "")
}

// Marshal encodes e into a freshly allocated buffer.
func Marshal(e *Envelope) ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, framingError(ErrUnknownKind, ": %d", byte(e.Kind))
	}
	if e.Kind != KindRequest && e.Target != "" {
		return nil, framingError(ErrUnexpectedTarget, ": %s", e.Kind)
	}
	if len(e.Target) > MaxTargetLen {
		return nil, framingError(ErrTargetTooLong, ": %d bytes", len(e.Target))
	}
	if uint64(len(e.Payload)) > uint64(^uint32(0)) {
		return nil, framingError(ErrPayloadTooLarge, ": %d bytes", len(e.Payload))
	}

	buf := make([]byte, e.Size())
	putPrefix(buf, e.Kind, e.CorrelationID)
	offset := PrefixSize

	// Target: only Request envelopes carry it
	if e.Kind == KindRequest {
		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(e.Target)))
		offset += 2
		offset += copy(buf[offset:], e.Target)
	}

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(e.Payload)))
	offset += 4
	copy(buf[offset:], e.Payload)
	return buf, nil
}

// Unmarshal decodes exactly one envelope that occupies all of data.
// Missing bytes, an unknown kind, or bytes left over after the declared payload
// are framing errors. An empty payload decodes as nil.
func Unmarshal(data []byte) (*Envelope, error) {
	if len(data) < PrefixSize {
		return nil, framingError(ErrTruncated, ": %d bytes, header needs %d", len(data), PrefixSize)
	}
	kind, id, err := parsePrefix(data[:PrefixSize])
	if err != nil {
		return nil, err
	}
	env := &Envelope{Kind: kind, CorrelationID: id}
	offset := PrefixSize

	if kind == KindRequest {
		if len(data) < offset+2 {
			return nil, framingError(ErrTruncated, ": missing target length")
		}
		tlen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if len(data) < offset+tlen {
			return nil, framingError(ErrTruncated, ": target needs %d bytes", tlen)
		}
		env.Target = string(data[offset : offset+tlen])
		offset += tlen
	}

	if len(data) < offset+4 {
		return nil, framingError(ErrTruncated, ": missing payload length")
	}
	plen := uint64(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if uint64(len(data)-offset) != plen {
		return nil, framingError(ErrLengthMismatch, ": declared %d, have %d", plen, len(data)-offset)
	}
	if plen > 0 {
		env.Payload = make([]byte, plen)
		copy(env.Payload, data[offset:])
	}
	return env, nil
}

// Write marshals e and hands it to w in a single Write call.
// Callers sharing w across goroutines must serialize calls themselves, otherwise
// bytes of two envelopes can interleave on the stream.
func Write(w io.Writer, e *Envelope, limits Limits) error {
	if limits.MaxPayloadBytes > 0 && uint64(len(e.Payload)) > uint64(limits.MaxPayloadBytes) {
		return framingError(ErrPayloadTooLarge, ": %d > %d", len(e.Payload), limits.MaxPayloadBytes)
	}
	buf, err := Marshal(e)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Read pulls exactly one envelope off r.
//
// A stream that ends cleanly before the first byte returns io.EOF unchanged so the
// caller can tell an orderly close apart from a torn envelope. A stream that ends
// inside an envelope is a framing error. Other read errors are returned as is.
func Read(r io.Reader, limits Limits) (*Envelope, error) {
	var prefix [PrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, framingError(ErrTruncated, ": header")
		}
		return nil, err
	}
	kind, id, err := parsePrefix(prefix[:])
	if err != nil {
		return nil, err
	}
	env := &Envelope{Kind: kind, CorrelationID: id}

	var lenBuf [4]byte
	if kind == KindRequest {
		if err := readBody(r, lenBuf[:2], "target length"); err != nil {
			return nil, err
		}
		target := make([]byte, binary.BigEndian.Uint16(lenBuf[:2]))
		if err := readBody(r, target, "target"); err != nil {
			return nil, err
		}
		env.Target = string(target)
	}

	if err := readBody(r, lenBuf[:], "payload length"); err != nil {
		return nil, err
	}
	plen := binary.BigEndian.Uint32(lenBuf[:])
	if limits.MaxPayloadBytes > 0 && plen > limits.MaxPayloadBytes {
		return nil, framingError(ErrPayloadTooLarge, ": %d > %d", plen, limits.MaxPayloadBytes)
	}
	if plen > 0 {
		env.Payload = make([]byte, plen)
		if err := readBody(r, env.Payload, "payload"); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// readBody fills buf; running out of stream here means the envelope was cut short.
func readBody(r io.Reader, buf []byte, what string) error {
	if len(buf) == 0 {
		return nil
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return framingError(ErrTruncated, ": %s", what)
		}
		return err
	}
	return nil
}

func putPrefix(buf []byte, kind Kind, id uint64) {
	buf[0], buf[1], buf[2] = MagicByte1, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = byte(kind)
	binary.BigEndian.PutUint64(buf[5:13], id)
}

func parsePrefix(buf []byte) (Kind, uint64, error) {
	if buf[0] != MagicByte1 || buf[1] != MagicByte2 || buf[2] != MagicByte3 {
		return 0, 0, framingError(ErrBadMagic, ": %x", buf[0:3])
	}
	if buf[3] != Version {
		return 0, 0, framingError(ErrUnsupportedVersion, ": %d", buf[3])
	}
	kind := Kind(buf[4])
	if !kind.Valid() {
		return 0, 0, framingError(ErrUnknownKind, ": %d", buf[4])
	}
	return kind, binary.BigEndian.Uint64(buf[5:13]), nil
}

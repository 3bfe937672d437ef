// Package envelope defines the wire unit exchanged between two tesseract peers.
//
// Every message is one Envelope: a fixed header, a target identifier that only
// Request envelopes carry, and opaque payload bytes produced by a codec. The
// payload length travels in the header so a reader can pull one envelope at a
// time off a byte stream without look-ahead.
//
// Wire layout (all integers big-endian):
//
//	0      3  4  5            13
//	┌──────┬──┬──┬────────────┬──────────────────────────┬─────────┬──────────┐
//	│magic │v │k │  corr id   │ tlen u16 + target bytes  │ plen u32│ payload  │
//	│ tsr  │01│  │   uint64   │   (Request only)         │         │ plen B   │
//	└──────┴──┴──┴────────────┴──────────────────────────┴─────────┴──────────┘
//
// Nothing in this package looks inside the payload.
package envelope

import (
	"fmt"
	"strings"
)

const (
	MagicByte1 byte = 0x74 // 't'
	MagicByte2 byte = 0x73 // 's'
	MagicByte3 byte = 0x72 // 'r'
	Version    byte = 0x01

	// PrefixSize covers magic, version, kind and correlation id.
	PrefixSize = 3 + 1 + 1 + 8
	// MaxTargetLen is bounded by the uint16 length field.
	MaxTargetLen = 1<<16 - 1
)

// Kind tags an envelope. The values are part of the wire format.
type Kind byte

const (
	KindRequest  Kind = 1 // Caller → server: invoke target
	KindResponse Kind = 2 // Server → caller: successful result
	KindError    Kind = 3 // Server → caller: (error kind, message)
	KindCancel   Kind = 4 // Caller → server: abandon correlation id
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	case KindCancel:
		return "cancel"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Valid reports whether k is one of the four defined tags.
func (k Kind) Valid() bool {
	return k >= KindRequest && k <= KindCancel
}

// Envelope carries one message.
//
//   - Request:  Target is "Service.Method", Payload is the encoded argument.
//   - Response: Payload is the encoded reply.
//   - Error:    Payload is an rpcerror wire payload (kind + message).
//   - Cancel:   Payload is empty.
type Envelope struct {
	Kind          Kind
	CorrelationID uint64
	Target        string // Request only
	Payload       []byte
}

// Size is the number of bytes Marshal produces for e.
func (e *Envelope) Size() int {
	n := PrefixSize + 4 + len(e.Payload)
	if e.Kind == KindRequest {
		n += 2 + len(e.Target)
	}
	return n
}

func (e *Envelope) String() string {
	if e.Kind == KindRequest {
		return fmt.Sprintf("%s[id=%d target=%s len=%d]", e.Kind, e.CorrelationID, e.Target, len(e.Payload))
	}
	return fmt.Sprintf("%s[id=%d len=%d]", e.Kind, e.CorrelationID, len(e.Payload))
}

// Target joins a service and method into the identifier carried by Request envelopes.
func Target(service, method string) string {
	return service + "." + method
}

// SplitTarget splits "Service.Method" at the last dot. Both halves must be non-empty.
func SplitTarget(target string) (service, method string, err error) {
	i := strings.LastIndexByte(target, '.')
	if i <= 0 || i == len(target)-1 {
		return "", "", fmt.Errorf("envelope: invalid target %q, want Service.Method", target)
	}
	return target[:i], target[i+1:], nil
}

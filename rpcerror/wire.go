package rpcerror

// Error envelope payload layout:
//
//	┌──────┬─────────────────────┐
//	│ kind │ message (UTF-8) ... │
//	│  u8  │ rest of payload     │
//	└──────┴─────────────────────┘

// Marshal encodes e as an Error envelope payload. The local cause is dropped.
func Marshal(e *Error) []byte {
	buf := make([]byte, 1+len(e.Message))
	buf[0] = byte(e.Kind)
	copy(buf[1:], e.Message)
	return buf
}

// Unmarshal rebuilds an error sent by the peer. The result always has Remote set.
// A payload that is empty or names an unknown kind yields a Framing error, still
// marked remote since it describes what the peer sent.
func Unmarshal(payload []byte) *Error {
	if len(payload) == 0 {
		return &Error{Kind: KindFraming, Message: "empty error payload", Remote: true}
	}
	kind := Kind(payload[0])
	if !kind.Valid() {
		return &Error{Kind: KindFraming, Message: "unknown error kind " + kind.String(), Remote: true}
	}
	return &Error{Kind: kind, Message: string(payload[1:]), Remote: true}
}

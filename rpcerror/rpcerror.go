// Package rpcerror defines the failure vocabulary shared by every layer of tesseract.
//
// Each failure carries a Kind. Kinds are stable one-byte discriminants so that an
// Error produced on the serving side can be carried in an Error envelope as
// (kind, message) and rebuilt with the same Kind on the calling side:
//
//	server: handler fails ──► Error{Kind: Remote, "boom"} ──► [0x06 'b' 'o' 'o' 'm']
//	client: [0x06 'b' 'o' 'o' 'm'] ──► Error{Kind: Remote, Message: "boom", Remote: true}
//
// The Remote flag is what separates "the peer explicitly said no" from a failure
// detected locally (timeout, closed connection, encode error).
package rpcerror

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure. The numeric values are part of the wire format.
type Kind byte

const (
	KindNotFound              Kind = 1 // No handler registered for the target
	KindTimedOut              Kind = 2 // Deadline elapsed before the call resolved
	KindCancelled             Kind = 3 // Caller gave up
	KindConnectionClosed      Kind = 4 // Connection torn down or draining
	KindSerialization         Kind = 5 // Codec encode/decode failure
	KindRemote                Kind = 6 // Handler returned an application error
	KindInternal              Kind = 7 // Unexpected failure (handler panic, bad state)
	KindDuplicateRegistration Kind = 8 // (service, method) registered twice
	KindFraming               Kind = 9 // Malformed envelope bytes
)

var kindNames = map[Kind]string{
	KindNotFound:              "not found",
	KindTimedOut:              "timed out",
	KindCancelled:             "cancelled",
	KindConnectionClosed:      "connection closed",
	KindSerialization:         "serialization error",
	KindRemote:                "remote error",
	KindInternal:              "internal error",
	KindDuplicateRegistration: "duplicate registration",
	KindFraming:               "framing error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Error is the single error type crossing package boundaries in tesseract.
type Error struct {
	Kind    Kind
	Message string
	Remote  bool  // Rebuilt from an Error envelope sent by the peer
	Err     error // Local cause, never sent over the wire
}

// Sentinels for errors.Is. They match any *Error with the same Kind.
var (
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrTimedOut              = &Error{Kind: KindTimedOut}
	ErrCancelled             = &Error{Kind: KindCancelled}
	ErrConnectionClosed      = &Error{Kind: KindConnectionClosed}
	ErrSerialization         = &Error{Kind: KindSerialization}
	ErrRemote                = &Error{Kind: KindRemote}
	ErrInternal              = &Error{Kind: KindInternal}
	ErrDuplicateRegistration = &Error{Kind: KindDuplicateRegistration}
	ErrFraming               = &Error{Kind: KindFraming}
)

// New creates a local error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a local error of the given kind with err as its cause.
// The cause's text becomes the message so it survives a trip over the wire.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		if msg == "" {
			msg = err.Error()
		} else {
			msg = msg + ": " + err.Error()
		}
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

func (e *Error) Error() string {
	prefix := "rpc: "
	if e.Remote {
		prefix = "rpc: remote: "
	}
	if e.Message == "" {
		return prefix + e.Kind.String()
	}
	return prefix + e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind, so errors.Is(err, ErrTimedOut) holds for every
// timed-out call regardless of message or origin.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && !t.Remote && t.Err == nil
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal
// when err carries no kind at all. It returns 0 for a nil error.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRemote reports whether err was reported by the peer rather than detected locally.
func IsRemote(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Remote
}

// From converts any error into an *Error. Errors that already carry a kind keep it;
// anything else is treated as fallback.
func From(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: fallback, Message: err.Error(), Err: err}
}

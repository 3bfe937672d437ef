package protocol

import "fmt"

// State is the lifecycle of one connection.
//
//	Idle ──Start──► Open ──Shutdown──► Draining ──(empty | drain deadline)──► Closed
//	  │               │                                                        ▲
//	  └───────────────┴────────────── Close / transport failure ───────────────┘
//
// Closed is terminal. A new engine is needed to talk to the peer again.
type State int32

const (
	StateIdle State = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

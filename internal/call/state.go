package call

import "fmt"

// State is the lifecycle position of one call session. Both sides of a
// call hold their own session and walk the same states; they are
// reconciled only through signaling events.
type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateAccepted
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateAccepted:
		return "accepted"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ringing reports whether the session is waiting on a response deadline.
func (s State) ringing() bool {
	return s == StateOutgoing || s == StateIncoming
}

// transitions is the full table of legal state changes. Anything not
// listed is rejected instead of letting overlapping flags disagree.
var transitions = map[State]map[State]bool{
	StateIdle:     {StateOutgoing: true, StateIncoming: true},
	StateOutgoing: {StateAccepted: true, StateEnded: true},
	StateIncoming: {StateAccepted: true, StateEnded: true},
	StateAccepted: {StateActive: true, StateEnded: true},
	StateActive:   {StateEnded: true},
	StateEnded:    {},
}

func legal(from, to State) bool {
	return transitions[from][to]
}

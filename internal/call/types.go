package call

import (
	"errors"

	"github.com/rkuiper/linkup/internal/signal"
)

// Role distinguishes the side that initiated the call.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// EndReason records why a session reached StateEnded.
type EndReason string

const (
	// EndHangup: either side terminated an established call.
	EndHangup EndReason = "hangup"
	// EndDeclined: the callee answered the invite with a decline.
	EndDeclined EndReason = "declined"
	// EndTimeout: no manual response within the ring deadline; treated as
	// an implicit decline.
	EndTimeout EndReason = "timeout"
	// EndUnreachable: the relay reported the callee not connected.
	EndUnreachable EndReason = "unreachable"
	// EndMediaFailed: local capture or negotiation failed fatally.
	EndMediaFailed EndReason = "media-failed"
	// EndDisconnected: the signaling channel dropped.
	EndDisconnected EndReason = "disconnected"
)

var (
	// ErrBusy: a session is already ringing or active on this client.
	ErrBusy = errors.New("call: session already in progress")
	// ErrEnded: the operation arrived after the session left the state
	// it applies to.
	ErrEnded = errors.New("call: session already ended")
)

// IncomingCall surfaces one inbound invite to the application. Exactly one
// of Accept or Decline should be called; both are safe after the ring
// deadline fired (they return ErrEnded).
type IncomingCall struct {
	Session    *Session
	CallerID   string
	CallerName string
	Kind       signal.CallKind

	Accept  func() error
	Decline func() error
}

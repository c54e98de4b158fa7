package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/rkuiper/linkup/internal/signal"
)

// Session is one call attempt between the local user and a peer. The
// remote side holds its own session for the same room; the two are
// correlated by room ID and reconciled only through events.
type Session struct {
	sig      signal.Channel
	roomID   string
	role     Role
	peerID   string
	peerName string
	kind     signal.CallKind
	created  time.Time

	mu       sync.Mutex
	state    State
	reason   EndReason
	timer    *time.Timer
	deadline time.Time
	done     chan struct{}
}

func newSession(sig signal.Channel, roomID string, role Role, peerID, peerName string, kind signal.CallKind) *Session {
	return &Session{
		sig:      sig,
		roomID:   roomID,
		role:     role,
		peerID:   peerID,
		peerName: peerName,
		kind:     kind,
		created:  time.Now(),
		state:    StateIdle,
		done:     make(chan struct{}),
	}
}

func (s *Session) RoomID() string         { return s.roomID }
func (s *Session) Role() Role             { return s.role }
func (s *Session) PeerID() string         { return s.peerID }
func (s *Session) PeerName() string       { return s.peerName }
func (s *Session) Kind() signal.CallKind  { return s.kind }
func (s *Session) CreatedAt() time.Time   { return s.created }

// Done is closed when the session reaches StateEnded.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns why the session ended. Empty until StateEnded.
func (s *Session) Reason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Deadline returns when the ring deadline expires. Zero when no timer is
// armed.
func (s *Session) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// transitionLocked moves the session to a new state, rejecting anything
// the transition table does not allow. Leaving a ringing state disarms the
// response timer before anything else happens, so a stale timer can never
// fire a duplicate response after a manual one.
func (s *Session) transitionLocked(to State) error {
	if !legal(s.state, to) {
		return fmt.Errorf("call [%s]: illegal transition %s -> %s", s.roomID, s.state, to)
	}
	if s.state.ringing() {
		s.disarmLocked()
	}
	s.state = to
	return nil
}

// endLocked is the single path into StateEnded.
func (s *Session) endLocked(reason EndReason) {
	if s.state == StateEnded {
		return
	}
	s.disarmLocked()
	s.state = StateEnded
	s.reason = reason
	close(s.done)
}

func (s *Session) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.deadline = time.Time{}
}

// armRing starts the one-shot response deadline. When it fires with the
// session still ringing, the session ends with EndTimeout and onTimeout
// runs exactly once (outside the lock); a manual transition beforehand
// prevents it entirely.
func (s *Session) armRing(d time.Duration, onTimeout func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.ringing() {
		return
	}
	s.deadline = time.Now().Add(d)
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		if !s.state.ringing() {
			s.mu.Unlock()
			return
		}
		s.endLocked(EndTimeout)
		s.mu.Unlock()
		if onTimeout != nil {
			onTimeout()
		}
	})
}

// end finishes the session without notifying the peer. Used for inbound
// events that already carry the peer's view (decline, call-end, relay
// failure) and for transport loss.
func (s *Session) end(reason EndReason) {
	s.mu.Lock()
	s.endLocked(reason)
	s.mu.Unlock()
}

// Activate confirms the call established. Idempotent once active.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive {
		return nil
	}
	if s.state == StateEnded {
		return ErrEnded
	}
	return s.transitionLocked(StateActive)
}

// Hangup terminates the call locally and tells the room. Idempotent.
func (s *Session) Hangup() {
	s.terminate(EndHangup)
}

// Fail terminates the call after a local fault (media access, fatal
// negotiation error). The peer learns only that the call ended.
func (s *Session) Fail(reason EndReason) {
	s.terminate(reason)
}

func (s *Session) terminate(reason EndReason) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.endLocked(reason)
	s.mu.Unlock()

	if reason != EndDisconnected {
		_ = s.sig.Emit(signal.EventCallEnd, signal.RoomPayload{RoomID: s.roomID})
	}
	log.Infof("[%s] ended (%s)", s.roomID, reason)
}

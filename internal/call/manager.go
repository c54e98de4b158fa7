// Package call owns the call-signaling state machine: one session per call
// attempt, ringing deadlines, accept/decline reconciliation and hang-up.
// Coupling to the transport is via the injected signal.Channel only.
package call

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rkuiper/linkup/internal/room"
	"github.com/rkuiper/linkup/internal/signal"
)

var log = logging.Logger("call")

// DefaultRingTimeout is how long either side rings before the session
// auto-declines.
const DefaultRingTimeout = 30 * time.Second

// Option configures a Manager.
type Option func(*Manager)

// WithRingTimeout overrides the response deadline. Tests shrink it.
func WithRingTimeout(d time.Duration) Option {
	return func(m *Manager) { m.ringTimeout = d }
}

// Manager bridges signaling envelopes to the local call session. At most
// one session is ringing or active per client; invites arriving while busy
// are declined without surfacing.
type Manager struct {
	sig         signal.Channel
	selfID      string
	selfName    string
	ringTimeout time.Duration

	mu      sync.RWMutex
	current *Session

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	acceptedMu sync.RWMutex
	accepted   []func(*Session)

	done    chan struct{}
	closing sync.Once
}

// New creates a call Manager attached to sig and starts listening for
// signaling events immediately.
func New(sig signal.Channel, selfID, selfName string, opts ...Option) *Manager {
	m := &Manager{
		sig:         sig,
		selfID:      selfID,
		selfName:    selfName,
		ringTimeout: DefaultRingTimeout,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.dispatchLoop()
	return m
}

// OnIncoming registers a callback fired for each surfaced inbound invite.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// OnAccepted registers a callback fired when a session reaches
// StateAccepted on either role. The media coordinator hooks in here.
func (m *Manager) OnAccepted(fn func(*Session)) {
	m.acceptedMu.Lock()
	m.accepted = append(m.accepted, fn)
	m.acceptedMu.Unlock()
}

// Current returns the session that is not yet ended, if any.
func (m *Manager) Current() (*Session, bool) {
	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()
	if s == nil || s.State() == StateEnded {
		return nil, false
	}
	return s, true
}

// Invite starts an outgoing call to peerID and arms the ring deadline.
// Returns ErrBusy when a session is already ringing or active.
func (m *Manager) Invite(peerID, peerName string, kind signal.CallKind) (*Session, error) {
	roomID, err := room.Resolve(m.selfID, peerID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.current != nil && m.current.State() != StateEnded {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	s := newSession(m.sig, roomID, RoleCaller, peerID, peerName, kind)
	s.mu.Lock()
	if err := s.transitionLocked(StateOutgoing); err != nil {
		s.mu.Unlock()
		m.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()
	m.current = s
	m.mu.Unlock()

	if err := m.sig.Emit(signal.EventCallInvite, signal.InvitePayload{
		RoomID:     roomID,
		CallerID:   m.selfID,
		CallerName: m.selfName,
		TargetID:   peerID,
		CallKind:   kind,
	}); err != nil {
		s.end(EndDisconnected)
		return nil, err
	}

	// Caller side times out silently; the callee owns the declined
	// auto-response.
	s.armRing(m.ringTimeout, nil)

	log.Infof("[%s] inviting %s (%s)", roomID, peerID, kind)
	return s, nil
}

// Close ends any live session and stops the dispatch loop.
func (m *Manager) Close() {
	m.closing.Do(func() { close(m.done) })
	if s, ok := m.Current(); ok {
		s.Hangup()
	}
}

func (m *Manager) dispatchLoop() {
	ch, cancel := m.sig.Subscribe()
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case env, ok := <-ch:
			if !ok {
				// Transport dropped: tear the live session down locally.
				if s, live := m.Current(); live {
					s.end(EndDisconnected)
				}
				return
			}
			m.dispatch(env)
		}
	}
}

func (m *Manager) dispatch(env *signal.Envelope) {
	switch env.Event {
	case signal.EventCallInvite:
		m.handleInvite(env)
	case signal.EventCallResponse:
		m.handleResponse(env)
	case signal.EventCallInviteFailed:
		m.handleInviteFailed(env)
	case signal.EventCallEnd:
		m.handleCallEnd(env)
	}
}

func (m *Manager) handleInvite(env *signal.Envelope) {
	var pl signal.InvitePayload
	if err := env.Decode(&pl); err != nil {
		log.Warnf("dropping malformed invite: %v", err)
		return
	}

	m.mu.Lock()
	if m.current != nil && m.current.State() != StateEnded {
		m.mu.Unlock()
		// Busy: auto-decline without surfacing anything.
		_ = m.sig.Emit(signal.EventCallResponse, signal.ResponsePayload{
			RoomID:   pl.RoomID,
			CallerID: pl.CallerID,
			Response: signal.ResponseDeclined,
			Reason:   "busy",
		})
		log.Infof("[%s] busy, auto-declined invite from %s", pl.RoomID, pl.CallerID)
		return
	}

	s := newSession(m.sig, pl.RoomID, RoleCallee, pl.CallerID, pl.CallerName, pl.CallKind)
	s.mu.Lock()
	if err := s.transitionLocked(StateIncoming); err != nil {
		s.mu.Unlock()
		m.mu.Unlock()
		return
	}
	s.mu.Unlock()
	m.current = s
	m.mu.Unlock()

	// No response within the deadline counts as a decline, sent exactly
	// once; a manual accept/decline beforehand disarms this entirely.
	s.armRing(m.ringTimeout, func() {
		_ = m.sig.Emit(signal.EventCallResponse, signal.ResponsePayload{
			RoomID:   pl.RoomID,
			CallerID: pl.CallerID,
			Response: signal.ResponseDeclined,
			Reason:   "timeout",
		})
		log.Infof("[%s] ring deadline expired, declined", pl.RoomID)
	})

	ic := &IncomingCall{
		Session:    s,
		CallerID:   pl.CallerID,
		CallerName: pl.CallerName,
		Kind:       pl.CallKind,
		Accept:     func() error { return m.accept(s) },
		Decline:    func() error { return m.decline(s) },
	}

	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
	log.Infof("[%s] incoming %s call from %s", pl.RoomID, pl.CallKind, pl.CallerID)
}

func (m *Manager) accept(s *Session) error {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return ErrEnded
	}
	if err := s.transitionLocked(StateAccepted); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := m.sig.Emit(signal.EventCallResponse, signal.ResponsePayload{
		RoomID:   s.roomID,
		CallerID: s.peerID,
		Response: signal.ResponseAccepted,
	}); err != nil {
		s.end(EndDisconnected)
		return err
	}

	log.Infof("[%s] accepted", s.roomID)
	m.fireAccepted(s)
	return nil
}

func (m *Manager) decline(s *Session) error {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return ErrEnded
	}
	s.endLocked(EndDeclined)
	s.mu.Unlock()

	log.Infof("[%s] declined", s.roomID)
	return m.sig.Emit(signal.EventCallResponse, signal.ResponsePayload{
		RoomID:   s.roomID,
		CallerID: s.peerID,
		Response: signal.ResponseDeclined,
	})
}

func (m *Manager) handleResponse(env *signal.Envelope) {
	var pl signal.ResponsePayload
	if err := env.Decode(&pl); err != nil {
		log.Warnf("dropping malformed call-response: %v", err)
		return
	}

	s, ok := m.Current()
	if !ok || s.RoomID() != pl.RoomID || s.Role() != RoleCaller {
		return
	}

	switch pl.Response {
	case signal.ResponseAccepted:
		s.mu.Lock()
		if err := s.transitionLocked(StateAccepted); err != nil {
			s.mu.Unlock()
			log.Warnf("[%s] late accept ignored: %v", pl.RoomID, err)
			return
		}
		s.mu.Unlock()
		log.Infof("[%s] peer accepted", pl.RoomID)
		m.fireAccepted(s)

	case signal.ResponseDeclined:
		s.end(EndDeclined)
		log.Infof("[%s] peer declined (%s)", pl.RoomID, pl.Reason)
	}
}

func (m *Manager) handleInviteFailed(env *signal.Envelope) {
	var pl signal.InviteFailedPayload
	if err := env.Decode(&pl); err != nil {
		return
	}
	s, ok := m.Current()
	if !ok || s.RoomID() != pl.RoomID || s.State() != StateOutgoing {
		return
	}
	s.end(EndUnreachable)
	log.Infof("[%s] invite failed: %s", pl.RoomID, pl.Reason)
}

func (m *Manager) handleCallEnd(env *signal.Envelope) {
	var pl signal.RoomPayload
	if err := env.Decode(&pl); err != nil {
		return
	}
	s, ok := m.Current()
	if !ok || s.RoomID() != pl.RoomID {
		return
	}
	s.end(EndHangup)
	log.Infof("[%s] peer hung up", pl.RoomID)
}

func (m *Manager) fireAccepted(s *Session) {
	m.acceptedMu.RLock()
	handlers := make([]func(*Session), len(m.accepted))
	copy(handlers, m.accepted)
	m.acceptedMu.RUnlock()
	for _, fn := range handlers {
		fn(s)
	}
}

package call

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rkuiper/linkup/internal/signal"
)

type stubChannel struct {
	mu        sync.Mutex
	emitted   []*signal.Envelope
	listeners map[chan *signal.Envelope]struct{}
}

func newStubChannel() *stubChannel {
	return &stubChannel{listeners: make(map[chan *signal.Envelope]struct{})}
}

func (s *stubChannel) Emit(event string, payload any) error {
	env, err := signal.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.emitted = append(s.emitted, env)
	s.mu.Unlock()
	return nil
}

func (s *stubChannel) Subscribe() (chan *signal.Envelope, func()) {
	ch := make(chan *signal.Envelope, 64)
	s.mu.Lock()
	s.listeners[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
}

func (s *stubChannel) Close() error { return nil }

func (s *stubChannel) push(t *testing.T, from, event string, payload any) {
	t.Helper()
	env, err := signal.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	env.From = from
	s.mu.Lock()
	for ch := range s.listeners {
		ch <- env
	}
	s.mu.Unlock()
}

// responses returns the decoded call-response payloads emitted so far.
func (s *stubChannel) responses(t *testing.T) []signal.ResponsePayload {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signal.ResponsePayload
	for _, env := range s.emitted {
		if env.Event != signal.EventCallResponse {
			continue
		}
		var pl signal.ResponsePayload
		if err := env.Decode(&pl); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		out = append(out, pl)
	}
	return out
}

func (s *stubChannel) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, env := range s.emitted {
		if env.Event == event {
			n++
		}
	}
	return n
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

func TestInviteAndPeerAccept(t *testing.T) {
	sig := newStubChannel()
	m := New(sig, "u1", "Alice")
	defer m.Close()

	accepted := make(chan *Session, 1)
	m.OnAccepted(func(s *Session) { accepted <- s })

	s, err := m.Invite("u2", "Bob", signal.CallKindVideo)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if got := s.State(); got != StateOutgoing {
		t.Fatalf("state = %v, want outgoing", got)
	}
	if s.RoomID() != "u1_u2" || s.Role() != RoleCaller {
		t.Fatalf("session = room %s role %s", s.RoomID(), s.Role())
	}
	if n := sig.count(signal.EventCallInvite); n != 1 {
		t.Fatalf("invite emitted %d times", n)
	}

	sig.push(t, "u2", signal.EventCallResponse, signal.ResponsePayload{
		RoomID: "u1_u2", CallerID: "u1", Response: signal.ResponseAccepted,
	})
	waitState(t, s, StateAccepted)

	select {
	case got := <-accepted:
		if got != s {
			t.Fatal("accepted handler got a different session")
		}
	case <-time.After(time.Second):
		t.Fatal("accepted handler never fired")
	}
}

func TestSecondInviteWhileBusy(t *testing.T) {
	sig := newStubChannel()
	m := New(sig, "u1", "Alice")
	defer m.Close()

	if _, err := m.Invite("u2", "Bob", signal.CallKindAudio); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if _, err := m.Invite("u3", "Carol", signal.CallKindAudio); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Invite err = %v, want ErrBusy", err)
	}
}

func TestIncomingRingTimeoutDeclinesExactlyOnce(t *testing.T) {
	sig := newStubChannel()
	m := New(sig, "u2", "Bob", WithRingTimeout(50*time.Millisecond))
	defer m.Close()

	incoming := make(chan *IncomingCall, 1)
	m.OnIncoming(func(ic *IncomingCall) { incoming <- ic })

	sig.push(t, "u1", signal.EventCallInvite, signal.InvitePayload{
		RoomID: "u1_u2", CallerID: "u1", CallerName: "Alice",
		TargetID: "u2", CallKind: signal.CallKindVideo,
	})

	var ic *IncomingCall
	select {
	case ic = <-incoming:
	case <-time.After(time.Second):
		t.Fatal("invite never surfaced")
	}

	waitState(t, ic.Session, StateEnded)
	if got := ic.Session.Reason(); got != EndTimeout {
		t.Fatalf("reason = %v, want %v", got, EndTimeout)
	}

	// Give a stale timer every chance to double-fire.
	time.Sleep(150 * time.Millisecond)
	resp := sig.responses(t)
	if len(resp) != 1 {
		t.Fatalf("%d responses emitted, want exactly 1", len(resp))
	}
	if resp[0].Response != signal.ResponseDeclined || resp[0].Reason != "timeout" {
		t.Fatalf("response = %+v, want declined/timeout", resp[0])
	}

	if err := ic.Accept(); !errors.Is(err, ErrEnded) {
		t.Fatalf("Accept after timeout err = %v, want ErrEnded", err)
	}
	if got := len(sig.responses(t)); got != 1 {
		t.Fatalf("late Accept emitted a response (%d total)", got)
	}
}

func TestManualDeclineDisarmsTimer(t *testing.T) {
	sig := newStubChannel()
	m := New(sig, "u2", "Bob", WithRingTimeout(80*time.Millisecond))
	defer m.Close()

	incoming := make(chan *IncomingCall, 1)
	m.OnIncoming(func(ic *IncomingCall) { incoming <- ic })

	sig.push(t, "u1", signal.EventCallInvite, signal.InvitePayload{
		RoomID: "u1_u2", CallerID: "u1", TargetID: "u2", CallKind: signal.CallKindAudio,
	})
	ic := <-incoming
	if err := ic.Decline(); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if got := ic.Session.Reason(); got != EndDeclined {
		t.Fatalf("reason = %v, want %v", got, EndDeclined)
	}

	time.Sleep(200 * time.Millisecond)
	resp := sig.responses(t)
	if len(resp) != 1 {
		t.Fatalf("%d responses emitted, want exactly 1", len(resp))
	}
	if resp[0].Reason == "timeout" {
		t.Fatal("stale timer fired after manual decline")
	}
}

func TestInviteWhileRingingAutoDeclinesBusy(t *testing.T) {
	sig := newStubChannel()
	m := New(sig, "u1", "Alice")
	defer m.Close()

	surfaced := make(chan *IncomingCall, 1)
	m.OnIncoming(func(ic *IncomingCall) { surfaced <- ic })

	s, err := m.Invite("u2", "Bob", signal.CallKindVideo)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}

	sig.push(t, "u3", signal.EventCallInvite, signal.InvitePayload{
		RoomID: "u1_u3", CallerID: "u3", TargetID: "u1", CallKind: signal.CallKindAudio,
	})

	var busy signal.ResponsePayload
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if resp := sig.responses(t); len(resp) > 0 {
			busy = resp[0]
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if busy.Response != signal.ResponseDeclined || busy.Reason != "busy" || busy.RoomID != "u1_u3" {
		t.Fatalf("busy response = %+v", busy)
	}

	select {
	case <-surfaced:
		t.Fatal("busy invite surfaced to the application")
	default:
	}
	if got := s.State(); got != StateOutgoing {
		t.Fatalf("original session disturbed: %v", got)
	}
}

func TestCallerTimeoutIsSilent(t *testing.T) {
	sig := newStubChannel()
	m := New(sig, "u1", "Alice", WithRingTimeout(50*time.Millisecond))
	defer m.Close()

	s, err := m.Invite("u2", "Bob", signal.CallKindAudio)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	waitState(t, s, StateEnded)
	if got := s.Reason(); got != EndTimeout {
		t.Fatalf("reason = %v, want %v", got, EndTimeout)
	}
	if n := sig.count(signal.EventCallResponse); n != 0 {
		t.Fatalf("caller emitted %d responses on timeout", n)
	}
	if n := sig.count(signal.EventCallEnd); n != 0 {
		t.Fatalf("caller emitted %d call-end on timeout", n)
	}

	if _, ok := m.Current(); ok {
		t.Fatal("ended session still reported current")
	}
}

func TestRelayReportsTargetOffline(t *testing.T) {
	sig := newStubChannel()
	m := New(sig, "u1", "Alice")
	defer m.Close()

	s, err := m.Invite("u2", "Bob", signal.CallKindVideo)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	sig.push(t, "", signal.EventCallInviteFailed, signal.InviteFailedPayload{
		RoomID: "u1_u2", Reason: "offline",
	})
	waitState(t, s, StateEnded)
	if got := s.Reason(); got != EndUnreachable {
		t.Fatalf("reason = %v, want %v", got, EndUnreachable)
	}
}

func TestPeerHangup(t *testing.T) {
	sig := newStubChannel()
	m := New(sig, "u1", "Alice")
	defer m.Close()

	s, err := m.Invite("u2", "Bob", signal.CallKindVideo)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	sig.push(t, "u2", signal.EventCallEnd, signal.RoomPayload{RoomID: "u1_u2"})
	waitState(t, s, StateEnded)
	if got := s.Reason(); got != EndHangup {
		t.Fatalf("reason = %v, want %v", got, EndHangup)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	sig := newStubChannel()
	m := New(sig, "u1", "Alice")
	defer m.Close()

	s, err := m.Invite("u2", "Bob", signal.CallKindVideo)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	// Outgoing cannot go straight to Active.
	if err := s.Activate(); err == nil {
		t.Fatal("outgoing -> active allowed")
	}
	if got := s.State(); got != StateOutgoing {
		t.Fatalf("state changed to %v by rejected transition", got)
	}
}

func TestHangupIdempotent(t *testing.T) {
	sig := newStubChannel()
	m := New(sig, "u1", "Alice")
	defer m.Close()

	s, err := m.Invite("u2", "Bob", signal.CallKindVideo)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	s.Hangup()
	s.Hangup()
	if n := sig.count(signal.EventCallEnd); n != 1 {
		t.Fatalf("call-end emitted %d times, want exactly 1", n)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after hangup")
	}
}

package chat

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rkuiper/linkup/internal/history"
	"github.com/rkuiper/linkup/internal/relay"
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

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendAppendsOptimistically(t *testing.T) {
	sig := newStubChannel()
	s, err := Open(sig, nil, "u1", "Alice", "u2", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	msg, err := s.Send("hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Seen {
		t.Fatal("freshly sent message already marked seen")
	}
	if msg.SenderID != "u1" || msg.RoomID != "u1_u2" {
		t.Fatalf("message addressed wrong: sender=%s room=%s", msg.SenderID, msg.RoomID)
	}
	got := s.Messages()
	if len(got) != 1 || got[0].ID != msg.ID {
		t.Fatalf("transcript = %d messages, want the sent one", len(got))
	}
}

func TestSeenReceiptFlipsOnlyOwnMessages(t *testing.T) {
	sig := newStubChannel()
	s, err := Open(sig, nil, "u1", "Alice", "u2", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.Send("one"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := s.Send("two"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// A message from the peer lands in the same transcript.
	sig.push(t, "u2", signal.EventMessage, signal.MessagePayload{
		RoomID: "u1_u2", SenderID: "u2", SenderName: "Bob", Text: "hi",
	})
	waitFor(t, "peer message", func() bool { return len(s.Messages()) == 3 })

	t.Run("receipt from a stranger is ignored", func(t *testing.T) {
		sig.push(t, "u3", signal.EventMarkSeen, signal.RoomPayload{RoomID: "u1_u2"})
		time.Sleep(50 * time.Millisecond)
		for _, m := range s.Messages() {
			if m.Seen {
				t.Fatalf("message %q flipped by a non-peer receipt", m.Text)
			}
		}
	})

	t.Run("receipt from the peer flips own messages only", func(t *testing.T) {
		sig.push(t, "u2", signal.EventMarkSeen, signal.RoomPayload{RoomID: "u1_u2"})
		waitFor(t, "seen flip", func() bool {
			msgs := s.Messages()
			seen := 0
			for _, m := range msgs {
				if m.SenderID == "u1" && m.Seen {
					seen++
				}
			}
			return seen == 2
		})
		for _, m := range s.Messages() {
			if m.SenderID == "u2" && m.Seen {
				t.Fatal("peer's own message marked seen by their receipt")
			}
		}
	})
}

func TestSendAfterCloseFails(t *testing.T) {
	sig := newStubChannel()
	s, err := Open(sig, nil, "u1", "Alice", "u2", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()
	s.Close()
	if _, err := s.Send("late"); err == nil {
		t.Fatal("Send after Close succeeded")
	}
}

func TestTranscriptSurvivesReopen(t *testing.T) {
	store, err := history.Open(t.TempDir())
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	defer store.Close()

	sig := newStubChannel()
	s, err := Open(sig, store, "u1", "Alice", "u2", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Send("first"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sig.push(t, "u2", signal.EventMessage, signal.MessagePayload{
		RoomID: "u1_u2", SenderID: "u2", SenderName: "Bob", Text: "reply",
	})
	waitFor(t, "peer message stored", func() bool { return len(s.Messages()) == 2 })
	s.Close()

	reopened, err := Open(newStubChannel(), store, "u1", "Alice", "u2", 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	msgs := reopened.Messages()
	if len(msgs) != 2 {
		t.Fatalf("reloaded transcript = %d messages, want 2", len(msgs))
	}
	if msgs[0].Text != "first" || msgs[1].Text != "reply" {
		t.Fatalf("transcript out of order: %q, %q", msgs[0].Text, msgs[1].Text)
	}
}

// Two relayed clients: a sent message arrives at the open counterpart, and
// the automatic receipt flips the sender's copy to seen.
func TestSeenPropagationOverRelay(t *testing.T) {
	hub := relay.NewHub()
	chA, err := hub.LocalChannel("u1")
	if err != nil {
		t.Fatalf("LocalChannel u1: %v", err)
	}
	chB, err := hub.LocalChannel("u2")
	if err != nil {
		t.Fatalf("LocalChannel u2: %v", err)
	}
	defer chA.Close()
	defer chB.Close()

	sA, err := Open(chA, nil, "u1", "Alice", "u2", 0)
	if err != nil {
		t.Fatalf("open A: %v", err)
	}
	defer sA.Close()
	sB, err := Open(chB, nil, "u2", "Bob", "u1", 0)
	if err != nil {
		t.Fatalf("open B: %v", err)
	}
	defer sB.Close()

	if _, err := sA.Send("are you there?"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, "delivery to B", func() bool {
		msgs := sB.Messages()
		return len(msgs) == 1 && msgs[0].Text == "are you there?" && !msgs[0].Seen
	})
	waitFor(t, "receipt back at A", func() bool {
		msgs := sA.Messages()
		return len(msgs) == 1 && msgs[0].Seen
	})
}

// Transcript snapshots are read concurrently with receipt flips (the CLI
// printer does exactly this); snapshots are copies, so a reader never
// observes a flag changing under it and every flip still lands.
func TestReceiptsConcurrentWithTranscriptReads(t *testing.T) {
	sig := newStubChannel()
	s, err := Open(sig, nil, "u1", "Alice", "u2", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := s.Send(fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			for _, m := range s.Messages() {
				_ = m.Seen
			}
		}
	}()

	for i := 0; i < 50; i++ {
		sig.push(t, "u2", signal.EventMarkSeen, signal.RoomPayload{RoomID: "u1_u2"})
	}
	<-done

	waitFor(t, "all messages seen", func() bool {
		msgs := s.Messages()
		if len(msgs) != n {
			return false
		}
		for _, m := range msgs {
			if !m.Seen {
				return false
			}
		}
		return true
	})
}

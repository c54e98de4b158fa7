// Package chat runs one two-party conversation over the signaling channel:
// optimistic local append, room-scoped delivery and bulk seen receipts.
package chat

import (
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rkuiper/linkup/internal/history"
	"github.com/rkuiper/linkup/internal/room"
	"github.com/rkuiper/linkup/internal/signal"
	"github.com/rkuiper/linkup/internal/util"
)

var log = logging.Logger("chat")

// DefaultBufferSize is the number of messages kept in memory per session.
const DefaultBufferSize = 100

// ErrClosed: the session was already closed.
var ErrClosed = errors.New("chat: session closed")

// Store persists the transcript. *history.Store satisfies it; nil keeps the
// session memory-only.
type Store interface {
	Save(history.Record) error
	Messages(roomID string) ([]history.Record, error)
	MarkSeen(roomID, senderID string) (int64, error)
}

// Session is one open conversation with a peer. Opening it joins the room
// and tells the peer that everything they sent so far has been viewed;
// closing it drops the subscriptions but discards no data.
type Session struct {
	sig      signal.Channel
	store    Store
	roomID   string
	selfID   string
	selfName string
	peerID   string

	// mu guards the transcript buffer. Messages are stored and handed out
	// by value, so seen flips never write through a slice a reader holds.
	mu       sync.Mutex
	messages *util.RingBuffer[Message]
	closed   bool

	listenerMu sync.RWMutex
	listeners  map[chan Message]struct{}

	seenMu sync.RWMutex
	onSeen []func()

	cancelSub func()
	closing   sync.Once
}

// Open starts a chat session with peerID: joins the room, loads the stored
// transcript and sends a seen receipt for whatever the peer sent earlier.
func Open(sig signal.Channel, store Store, selfID, selfName, peerID string, bufferSize int) (*Session, error) {
	roomID, err := room.Resolve(selfID, peerID)
	if err != nil {
		return nil, err
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	s := &Session{
		sig:       sig,
		store:     store,
		roomID:    roomID,
		selfID:    selfID,
		selfName:  selfName,
		peerID:    peerID,
		messages:  util.NewRingBuffer[Message](bufferSize),
		listeners: make(map[chan Message]struct{}),
	}

	loaded := 0
	if store != nil {
		recs, err := store.Messages(roomID)
		if err != nil {
			return nil, fmt.Errorf("chat [%s]: load transcript: %w", roomID, err)
		}
		for _, rec := range recs {
			s.messages.Push(fromRecord(rec))
		}
		loaded = s.messages.Len()
		// Opening the view means the peer's messages are now read locally.
		if _, err := store.MarkSeen(roomID, peerID); err != nil {
			log.Warnf("[%s] mark peer messages seen: %v", roomID, err)
		}
	}

	ch, cancel := sig.Subscribe()
	s.cancelSub = cancel
	go s.loop(ch)

	if err := sig.Emit(signal.EventJoinRoom, signal.RoomPayload{RoomID: roomID}); err != nil {
		s.Close()
		return nil, fmt.Errorf("chat [%s]: join room: %w", roomID, err)
	}
	if err := sig.Emit(signal.EventMarkSeen, signal.RoomPayload{RoomID: roomID}); err != nil {
		s.Close()
		return nil, fmt.Errorf("chat [%s]: send seen receipt: %w", roomID, err)
	}

	log.Infof("[%s] chat open with %s (%d messages loaded)", roomID, peerID, loaded)
	return s, nil
}

// RoomID returns the resolved room for this conversation.
func (s *Session) RoomID() string { return s.roomID }

// PeerID returns the counterpart's user id.
func (s *Session) PeerID() string { return s.peerID }

// Send appends text locally with seen=false and emits it to the room. The
// local append is optimistic; delivery is only confirmed by the peer's own
// seen receipt.
func (s *Session) Send(text string) (Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Message{}, ErrClosed
	}
	msg := newMessage(s.roomID, s.selfID, s.selfName, text)
	s.messages.Push(msg)
	s.mu.Unlock()

	s.persist(msg)
	if err := s.sig.Emit(signal.EventMessage, signal.MessagePayload{
		RoomID:     s.roomID,
		SenderID:   s.selfID,
		SenderName: s.selfName,
		Text:       text,
	}); err != nil {
		return Message{}, fmt.Errorf("chat [%s]: send: %w", s.roomID, err)
	}
	return msg, nil
}

// Messages returns a copied snapshot of the in-memory transcript, oldest
// first. Receipts arriving later never mutate a returned slice.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.Snapshot()
}

// Subscribe returns a channel receiving each new message (sent or
// received) and a cancel func.
func (s *Session) Subscribe() (chan Message, func()) {
	ch := make(chan Message, 16)

	s.listenerMu.Lock()
	s.listeners[ch] = struct{}{}
	s.listenerMu.Unlock()

	cancel := func() {
		s.listenerMu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.listenerMu.Unlock()
	}
	return ch, cancel
}

// OnSeen registers a callback fired after a peer receipt flips local
// messages to seen.
func (s *Session) OnSeen(fn func()) {
	s.seenMu.Lock()
	s.onSeen = append(s.onSeen, fn)
	s.seenMu.Unlock()
}

// Close leaves the room and drops all subscriptions. No data is discarded.
// Idempotent.
func (s *Session) Close() {
	s.closing.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		_ = s.sig.Emit(signal.EventLeaveRoom, signal.RoomPayload{RoomID: s.roomID})
		if s.cancelSub != nil {
			s.cancelSub()
		}

		s.listenerMu.Lock()
		for ch := range s.listeners {
			close(ch)
		}
		s.listeners = make(map[chan Message]struct{})
		s.listenerMu.Unlock()

		log.Infof("[%s] chat closed", s.roomID)
	})
}

func (s *Session) loop(ch chan *signal.Envelope) {
	for env := range ch {
		switch env.Event {
		case signal.EventMessage:
			s.handleMessage(env)
		case signal.EventMarkSeen:
			s.handleMarkSeen(env)
		}
	}
}

func (s *Session) handleMessage(env *signal.Envelope) {
	var pl signal.MessagePayload
	if err := env.Decode(&pl); err != nil {
		log.Warnf("[%s] dropping malformed message: %v", s.roomID, err)
		return
	}
	if pl.RoomID != s.roomID || pl.SenderID == s.selfID {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	msg := newMessage(pl.RoomID, pl.SenderID, pl.SenderName, pl.Text)
	s.messages.Push(msg)
	s.mu.Unlock()

	s.persist(msg)
	s.notify(msg)

	// The view is open, so the message is viewed on arrival; tell the peer.
	_ = s.sig.Emit(signal.EventMarkSeen, signal.RoomPayload{RoomID: s.roomID})
	log.Debugf("[%s] message from %s: %.50s", s.roomID, pl.SenderID, pl.Text)
}

// handleMarkSeen flips seen on every locally authored message in the room.
// Keyed on the sending user, never on display names, and it never touches
// the peer's own messages.
func (s *Session) handleMarkSeen(env *signal.Envelope) {
	var pl signal.RoomPayload
	if err := env.Decode(&pl); err != nil || pl.RoomID != s.roomID {
		return
	}
	if env.From != "" && env.From != s.peerID {
		return
	}

	s.mu.Lock()
	flipped := 0
	s.messages.Update(func(msg *Message) {
		if msg.SenderID == s.selfID && !msg.Seen {
			msg.Seen = true
			flipped++
		}
	})
	s.mu.Unlock()
	if s.store != nil {
		if _, err := s.store.MarkSeen(s.roomID, s.selfID); err != nil {
			log.Warnf("[%s] persist seen receipt: %v", s.roomID, err)
		}
	}
	if flipped == 0 {
		return
	}

	s.seenMu.RLock()
	handlers := make([]func(), len(s.onSeen))
	copy(handlers, s.onSeen)
	s.seenMu.RUnlock()
	for _, fn := range handlers {
		fn()
	}
	log.Debugf("[%s] peer saw %d messages", s.roomID, flipped)
}

func (s *Session) persist(msg Message) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(msg.record()); err != nil {
		log.Warnf("[%s] persist message: %v", s.roomID, err)
	}
}

func (s *Session) notify(msg Message) {
	s.listenerMu.RLock()
	for ch := range s.listeners {
		select {
		case ch <- msg:
		default:
			// Listener behind, skip.
		}
	}
	s.listenerMu.RUnlock()
}

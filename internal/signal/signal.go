// Package signal defines the event contract of the relay channel and the
// Channel abstraction the session layers are built on. Call, media and chat
// code never talks to a socket directly; a Channel is injected into their
// constructors so independent instances (and tests) can run side by side.
package signal

import (
	"encoding/json"
	"fmt"
)

// Event names carried on the wire. The relay routes by event name; payloads
// are correlated by room ID.
const (
	EventUserOnline       = "user-online"
	EventCallInvite       = "call-invite"
	EventCallResponse     = "call-response"
	EventCallInviteFailed = "call-invite-failed"
	EventCallEnd          = "call-end"
	EventJoinRoom         = "join-room"
	EventLeaveRoom        = "leave-room"
	EventPeerJoined       = "peer-joined"
	EventOffer            = "offer"
	EventAnswer           = "answer"
	EventICECandidate     = "ice-candidate"
	EventMessage          = "message"
	EventMarkSeen         = "mark-seen"
)

// Envelope is one event as it travels through a channel. From is filled in
// by the relay on delivery; senders never set it themselves.
type Envelope struct {
	Event   string          `json:"event"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("signal: decode %s payload: %w", e.Event, err)
	}
	return nil
}

// NewEnvelope builds an envelope with an encoded payload.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("signal: encode %s payload: %w", event, err)
	}
	return &Envelope{Event: event, Payload: raw}, nil
}

// Channel is the bidirectional event bus a client holds. Emit sends one
// named event to the relay; Subscribe returns a receive channel plus a
// cancel function that detaches the listener. Implementations deliver
// envelopes from one sender in send order; no ordering is guaranteed
// across senders.
type Channel interface {
	Emit(event string, payload any) error
	Subscribe() (ch chan *Envelope, cancel func())
	Close() error
}

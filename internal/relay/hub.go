// Package relay implements the server side of the signaling contract:
// fan out each event to the other members of its room, route call invites
// to the addressed user, and report back when that user is not connected.
// It backs both the standalone relay binary and the in-process channels the
// tests run two clients over.
package relay

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rkuiper/linkup/internal/signal"
)

var log = logging.Logger("relay")

// outBacklog bounds the per-connection delivery queue. A connection that
// falls this far behind is detached rather than blocking the hub.
const outBacklog = 128

// port is one attached connection: a registered user plus its ordered
// delivery queue. The websocket layer and the local channels both pump
// from port.out.
type port struct {
	userID string
	out    chan *signal.Envelope
	closed bool
}

// Hub owns all attached connections and room memberships and routes every
// envelope between them. Dispatch runs under one lock, so events from one
// sender enter each recipient queue in send order.
type Hub struct {
	mu    sync.Mutex
	users map[string]*port
	rooms map[string]map[string]*port
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		users: make(map[string]*port),
		rooms: make(map[string]map[string]*port),
	}
}

// attach creates an unregistered port. The port joins no rooms and receives
// nothing until a user-online envelope binds its user ID.
func (h *Hub) attach() *port {
	return &port{out: make(chan *signal.Envelope, outBacklog)}
}

// detach unregisters a port, removes it from every room and closes its
// delivery queue.
func (h *Hub) detach(p *port) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(p)
}

func (h *Hub) detachLocked(p *port) {
	if p.closed {
		return
	}
	p.closed = true

	if p.userID != "" && h.users[p.userID] == p {
		delete(h.users, p.userID)
	}
	for roomID, members := range h.rooms {
		if members[p.userID] == p {
			delete(members, p.userID)
			if len(members) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	close(p.out)
}

// dispatch routes one envelope from p. From is stamped with the sender's
// registered user ID before delivery.
func (h *Hub) dispatch(p *port, env *signal.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if p.closed {
		return
	}

	switch env.Event {
	case signal.EventUserOnline:
		var pl signal.OnlinePayload
		if err := env.Decode(&pl); err != nil || pl.UserID == "" {
			log.Warnf("dropping malformed user-online")
			return
		}
		// A reconnect displaces the previous registration.
		if prev, ok := h.users[pl.UserID]; ok && prev != p {
			log.Infof("user %s reconnected, displacing previous connection", pl.UserID)
		}
		p.userID = pl.UserID
		h.users[pl.UserID] = p
		log.Debugf("user %s online", pl.UserID)

	case signal.EventCallInvite:
		var pl signal.InvitePayload
		if err := env.Decode(&pl); err != nil {
			log.Warnf("dropping malformed call-invite")
			return
		}
		target, ok := h.users[pl.TargetID]
		if !ok || target.closed {
			failed, err := signal.NewEnvelope(signal.EventCallInviteFailed,
				signal.InviteFailedPayload{RoomID: pl.RoomID, Reason: "offline"})
			if err == nil {
				h.deliver(p, failed)
			}
			log.Debugf("invite [%s]: target %s offline", pl.RoomID, pl.TargetID)
			return
		}
		h.deliver(target, stamped(env, p.userID))

	case signal.EventCallResponse:
		var pl signal.ResponsePayload
		if err := env.Decode(&pl); err != nil {
			log.Warnf("dropping malformed call-response")
			return
		}
		if caller, ok := h.users[pl.CallerID]; ok {
			h.deliver(caller, stamped(env, p.userID))
		}

	case signal.EventJoinRoom:
		var pl signal.RoomPayload
		if err := env.Decode(&pl); err != nil || pl.RoomID == "" {
			log.Warnf("dropping malformed join-room")
			return
		}
		members := h.rooms[pl.RoomID]
		if members == nil {
			members = make(map[string]*port)
			h.rooms[pl.RoomID] = members
		}
		members[p.userID] = p
		// Members already present learn a peer arrived; the notified side
		// takes the offerer role in media negotiation.
		joined, err := signal.NewEnvelope(signal.EventPeerJoined, signal.RoomPayload{RoomID: pl.RoomID})
		if err != nil {
			return
		}
		for id, m := range members {
			if m != p && id != p.userID {
				h.deliver(m, stamped(joined, p.userID))
			}
		}

	case signal.EventLeaveRoom:
		var pl signal.RoomPayload
		if err := env.Decode(&pl); err != nil || pl.RoomID == "" {
			return
		}
		members := h.rooms[pl.RoomID]
		if members[p.userID] == p {
			delete(members, p.userID)
			if len(members) == 0 {
				delete(h.rooms, pl.RoomID)
			}
		}
		for _, m := range members {
			h.deliver(m, stamped(env, p.userID))
		}

	default:
		// Room-scoped events: offer, answer, ice-candidate, call-end,
		// message, mark-seen. Delivered to the other room members only.
		var pl signal.RoomPayload
		if err := env.Decode(&pl); err != nil || pl.RoomID == "" {
			log.Warnf("dropping %s without room id", env.Event)
			return
		}
		for id, m := range h.rooms[pl.RoomID] {
			if m != p && id != p.userID {
				h.deliver(m, stamped(env, p.userID))
			}
		}
	}
}

// deliver queues env on the target port without blocking the hub. A full
// queue means the receiver stopped draining; silently losing events would
// desynchronize its sessions, so the connection is detached and the client
// sees a disconnect it can handle.
func (h *Hub) deliver(target *port, env *signal.Envelope) {
	if target.closed {
		return
	}
	select {
	case target.out <- env:
	default:
		log.Warnf("queue full for %s, detaching", target.userID)
		h.detachLocked(target)
	}
}

// stamped copies env with From set to the sender's user ID.
func stamped(env *signal.Envelope, from string) *signal.Envelope {
	out := *env
	out.From = from
	return &out
}

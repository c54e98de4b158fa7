package signal

import "github.com/pion/webrtc/v4"

// CallKind selects the media requested for a call.
type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

// OnlinePayload registers the connected user with the relay so invites can
// be routed to it by user ID.
type OnlinePayload struct {
	UserID string `json:"userId"`
}

// InvitePayload starts ringing on the callee.
type InvitePayload struct {
	RoomID     string   `json:"roomId"`
	CallerID   string   `json:"callerId"`
	CallerName string   `json:"callerName"`
	TargetID   string   `json:"targetUserId"`
	CallKind   CallKind `json:"callKind"`
}

// Response values for ResponsePayload.
const (
	ResponseAccepted = "accepted"
	ResponseDeclined = "declined"
)

// ResponsePayload answers an invite. CallerID addresses the response back
// to the inviting user; Reason distinguishes a busy auto-decline from a
// manual one.
type ResponsePayload struct {
	RoomID   string `json:"roomId"`
	CallerID string `json:"callerId"`
	Response string `json:"response"`
	Reason   string `json:"reason,omitempty"`
}

// InviteFailedPayload is relay-generated when the invite target is not
// currently connected.
type InviteFailedPayload struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

// RoomPayload addresses a room-scoped event with no further content
// (join-room, leave-room, peer-joined, call-end, mark-seen).
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// SDP is the wire form of a session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// SDPFromPion converts a pion description to its wire form.
func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{Type: desc.Type.String(), SDP: desc.SDP}
}

// ToPion converts a wire description back to pion's representation.
func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, errUnsupportedSDP(s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type errUnsupportedSDP string

func (e errUnsupportedSDP) Error() string {
	return "signal: unsupported sdp type " + string(e)
}

// DescriptionPayload carries an offer or answer for a room.
type DescriptionPayload struct {
	RoomID      string `json:"roomId"`
	Description SDP    `json:"description"`
}

// Candidate is the wire form of an ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CandidateFromPion converts a pion candidate init to its wire form.
func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

// ToPion converts a wire candidate back to pion's representation.
func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// CandidatePayload forwards one locally discovered candidate to the room.
type CandidatePayload struct {
	RoomID    string    `json:"roomId"`
	Candidate Candidate `json:"candidate"`
}

// MessagePayload carries one chat message.
type MessagePayload struct {
	RoomID     string `json:"roomId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	Text       string `json:"text"`
}

// Package media negotiates the peer connection for an accepted call:
// local capture, offer/answer exchange, trickled ICE candidates and
// teardown. It only ever talks to the peer through the injected
// signal.Channel.
package media

import (
	"errors"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/rkuiper/linkup/internal/signal"
)

var (
	// ErrMediaAccess: local capture was denied or unavailable. Fatal to the
	// call attempt; no negotiation events are sent.
	ErrMediaAccess = errors.New("media: capture denied or unavailable")
	// ErrTornDown: the coordinator was already torn down.
	ErrTornDown = errors.New("media: coordinator torn down")
)

// DefaultSTUNServers is used when the config names none.
var DefaultSTUNServers = []string{"stun:stun.l.google.com:19302"}

// Capture is one opened peer connection plus whatever local tracks the
// engine managed to attach. Senders stay non-nil only for tracks that were
// actually captured; Stop releases the capture hardware and may be nil on
// platforms without local capture.
type Capture struct {
	PC          *webrtc.PeerConnection
	AudioTrack  webrtc.TrackLocal
	VideoTrack  webrtc.TrackLocal
	AudioSender *webrtc.RTPSender
	VideoSender *webrtc.RTPSender
	Stop        func()
}

// Engine opens the peer connection and local capture for one call. The
// device-backed implementation is platform-dependent; tests inject their
// own so no hardware is needed.
type Engine interface {
	Open(roomID string, kind signal.CallKind, stunServers []string) (*Capture, error)
}

// newPeerConnection assembles a pion API with the given media engine and
// generous ICE timeouts, then opens a connection against the configured
// STUN servers. Relay paths can have short outages during failover; the
// default 5 s disconnectedTimeout would kill the call before ICE recovers.
func newPeerConnection(mediaEngine *webrtc.MediaEngine, stunServers []string) (*webrtc.PeerConnection, error) {
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	if len(stunServers) == 0 {
		stunServers = DefaultSTUNServers
	}
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
}

// ensureRecvOnly adds recvonly transceivers for any kind that has no local
// track, so CreateOffer/CreateAnswer still produce the m-lines needed to
// receive the remote side's media.
func ensureRecvOnly(roomID string, pc *webrtc.PeerConnection, haveVideo, haveAudio bool) {
	if !haveVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("[%s] AddTransceiver(video): %v", roomID, err)
		}
	}
	if !haveAudio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("[%s] AddTransceiver(audio): %v", roomID, err)
		}
	}
}

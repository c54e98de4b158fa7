package media

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	sinkBacklog = 256
	pliInterval = 3 * time.Second
)

// RemoteSink drains one inbound media track. Consumers read decodable RTP
// from Packets; for video the sink also asks the sender for periodic
// keyframes so a late-joining consumer does not stare at a grey frame.
type RemoteSink struct {
	pc    *webrtc.PeerConnection
	track *webrtc.TrackRemote

	packets chan *rtp.Packet
	done    chan struct{}
	closing sync.Once
}

func newRemoteSink(pc *webrtc.PeerConnection, track *webrtc.TrackRemote, onFirst func()) *RemoteSink {
	s := &RemoteSink{
		pc:      pc,
		track:   track,
		packets: make(chan *rtp.Packet, sinkBacklog),
		done:    make(chan struct{}),
	}
	go s.readLoop(onFirst)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go s.pliLoop()
	}
	return s
}

// Kind reports whether this sink carries audio or video.
func (s *RemoteSink) Kind() webrtc.RTPCodecType { return s.track.Kind() }

// Track exposes the underlying remote track for codec inspection.
func (s *RemoteSink) Track() *webrtc.TrackRemote { return s.track }

// Packets delivers inbound RTP in arrival order. The channel closes when
// the track ends or the sink is closed; packets are dropped, not buffered
// unboundedly, when the consumer falls behind.
func (s *RemoteSink) Packets() <-chan *rtp.Packet { return s.packets }

// Close stops the sink. Idempotent.
func (s *RemoteSink) Close() {
	s.closing.Do(func() { close(s.done) })
}

func (s *RemoteSink) readLoop(onFirst func()) {
	defer close(s.packets)

	first := true
	for {
		pkt, _, err := s.track.ReadRTP()
		if err != nil {
			log.Debugf("remote %s track closed: %v", s.track.Kind(), err)
			return
		}
		if first {
			first = false
			if onFirst != nil {
				onFirst()
			}
		}
		select {
		case <-s.done:
			return
		case s.packets <- pkt:
		default:
			// Consumer behind; drop rather than stall the read loop.
		}
	}
}

// pliLoop requests a keyframe every few seconds for the lifetime of the
// video track.
func (s *RemoteSink) pliLoop() {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			err := s.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(s.track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

//go:build linux

package media

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/rkuiper/linkup/internal/signal"
)

// deviceEngine captures camera/mic through pion/mediadevices (V4L2 + malgo
// on Linux) and encodes VP8 + Opus.
type deviceEngine struct{}

// NewDeviceEngine returns the platform capture engine.
func NewDeviceEngine() Engine { return deviceEngine{} }

func (deviceEngine) Open(roomID string, kind signal.CallKind, stunServers []string) (*Capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: opus params: %w", err)
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	pc, err := newPeerConnection(mediaEngine, stunServers)
	if err != nil {
		return nil, fmt.Errorf("media: peer connection: %w", err)
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("[%s] no media devices found", roomID)
	} else {
		for _, d := range devices {
			log.Debugf("[%s] media device kind=%v label=%q", roomID, d.Kind, d.Label)
		}
	}

	// GetUserMedia fails as a unit if either track can't be opened. Walk the
	// attempts appropriate to the call kind so a busy microphone doesn't
	// prevent the camera from working and vice versa; only when every
	// attempt fails is capture treated as denied.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	var attempts []attempt
	if kind == signal.CallKindVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	} else {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG V4L2 node
				// that produces malformed frames and poisons the VP8
				// encoder. Raw formats only, capped at 640x480.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("[%s] GetUserMedia (%s): %v", roomID, a.label, err)
			continue
		}

		cap := &Capture{PC: pc}
		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("[%s] local track ended: %v", roomID, err)
				}
			})
			sender, err := pc.AddTrack(track)
			if err != nil {
				log.Warnf("[%s] AddTrack: %v", roomID, err)
				continue
			}
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				cap.AudioTrack, cap.AudioSender = track, sender
			case webrtc.RTPCodecTypeVideo:
				cap.VideoTrack, cap.VideoSender = track, sender
			}
		}
		ensureRecvOnly(roomID, pc, cap.VideoTrack != nil, cap.AudioTrack != nil)

		cap.Stop = func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		log.Infof("[%s] local media captured (%s), %d tracks", roomID, a.label, len(tracks))
		return cap, nil
	}

	_ = pc.Close()
	return nil, fmt.Errorf("media [%s]: all capture attempts failed: %w", roomID, ErrMediaAccess)
}

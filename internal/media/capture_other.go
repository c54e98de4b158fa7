//go:build !linux

package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/rkuiper/linkup/internal/signal"
)

// deviceEngine on non-Linux platforms builds a receive-only connection.
// Camera/mic capture via pion/mediadevices needs platform drivers (V4L2 and
// malgo) that are only wired up for Linux here.
type deviceEngine struct{}

// NewDeviceEngine returns the platform capture engine.
func NewDeviceEngine() Engine { return deviceEngine{} }

func (deviceEngine) Open(roomID string, _ signal.CallKind, stunServers []string) (*Capture, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("media: register codecs: %w", err)
	}

	pc, err := newPeerConnection(mediaEngine, stunServers)
	if err != nil {
		return nil, fmt.Errorf("media: peer connection: %w", err)
	}

	ensureRecvOnly(roomID, pc, false, false)
	log.Infof("[%s] peer connection ready (receive-only, no local capture on this platform)", roomID)
	return &Capture{PC: pc}, nil
}

package media

import (
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/rkuiper/linkup/internal/call"
	"github.com/rkuiper/linkup/internal/signal"
)

var log = logging.Logger("media")

// Coordinator drives one negotiation for one accepted call session. It
// joins the media room, takes the Offerer or Answerer role, exchanges
// descriptions and candidates, and tears everything down when the session
// ends. One coordinator per session; capture is exclusively owned until
// Teardown releases it.
type Coordinator struct {
	sig    signal.Channel
	sess   *call.Session
	selfID string

	mu         sync.Mutex
	cap        *Capture
	offerer    bool
	offered    bool
	haveRemote bool
	pending    []signal.Candidate
	sinks      []*RemoteSink
	audioOn    bool
	videoOn    bool
	torn       bool

	trackMu sync.RWMutex
	onTrack []func(*RemoteSink)

	cancelSub func()
	down      sync.Once
}

// Start acquires local capture and begins negotiating for sess. Capture
// failure is fatal to the call: the session ends with EndMediaFailed and no
// negotiation event is emitted. On success the room has been joined and the
// coordinator is waiting for a role.
func Start(sig signal.Channel, sess *call.Session, selfID string, engine Engine, stunServers []string) (*Coordinator, error) {
	roomID := sess.RoomID()

	cap, err := engine.Open(roomID, sess.Kind(), stunServers)
	if err != nil {
		sess.Fail(call.EndMediaFailed)
		return nil, fmt.Errorf("media [%s]: open capture: %w", roomID, err)
	}

	c := &Coordinator{
		sig:     sig,
		sess:    sess,
		selfID:  selfID,
		cap:     cap,
		audioOn: cap.AudioSender != nil,
		videoOn: cap.VideoSender != nil,
	}

	pc := cap.PC
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		_ = c.sig.Emit(signal.EventICECandidate, signal.CandidatePayload{
			RoomID:    roomID,
			Candidate: signal.CandidateFromPion(cand.ToJSON()),
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.handleTrack(track)
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Debugf("[%s] connection state %s", roomID, st)
		switch st {
		case webrtc.PeerConnectionStateConnected:
			if err := sess.Activate(); err != nil {
				log.Warnf("[%s] activate: %v", roomID, err)
			}
		case webrtc.PeerConnectionStateFailed:
			sess.Fail(call.EndMediaFailed)
		}
	})

	ch, cancel := sig.Subscribe()
	c.cancelSub = cancel
	go c.loop(ch)
	go func() {
		<-sess.Done()
		c.Teardown()
	}()

	if err := sig.Emit(signal.EventJoinRoom, signal.RoomPayload{RoomID: roomID}); err != nil {
		c.Teardown()
		return nil, fmt.Errorf("media [%s]: join room: %w", roomID, err)
	}

	log.Infof("[%s] negotiating as %s", roomID, sess.Role())
	return c, nil
}

// OnRemoteTrack registers a callback fired once per inbound media track,
// with its sink already running.
func (c *Coordinator) OnRemoteTrack(fn func(*RemoteSink)) {
	c.trackMu.Lock()
	c.onTrack = append(c.onTrack, fn)
	c.trackMu.Unlock()
}

func (c *Coordinator) loop(ch chan *signal.Envelope) {
	for env := range ch {
		switch env.Event {
		case signal.EventPeerJoined:
			c.handlePeerJoined(env)
		case signal.EventOffer:
			c.handleOffer(env)
		case signal.EventAnswer:
			c.handleAnswer(env)
		case signal.EventICECandidate:
			c.handleCandidate(env)
		}
	}
	// Transport gone: no way to signal, tear down locally.
	c.sess.Fail(call.EndDisconnected)
	c.Teardown()
}

// handlePeerJoined makes this side the Offerer: the peer arriving after us
// means we were already present in the room.
func (c *Coordinator) handlePeerJoined(env *signal.Envelope) {
	var pl signal.RoomPayload
	if err := env.Decode(&pl); err != nil || pl.RoomID != c.sess.RoomID() {
		return
	}

	c.mu.Lock()
	if c.torn || c.offered {
		c.mu.Unlock()
		return
	}
	c.offerer = true
	c.offered = true
	pc := c.cap.PC
	c.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		log.Errorf("[%s] create offer: %v", pl.RoomID, err)
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		log.Errorf("[%s] set local offer: %v", pl.RoomID, err)
		return
	}
	_ = c.sig.Emit(signal.EventOffer, signal.DescriptionPayload{
		RoomID:      pl.RoomID,
		Description: signal.SDPFromPion(offer),
	})
	log.Infof("[%s] offer sent", pl.RoomID)
}

func (c *Coordinator) handleOffer(env *signal.Envelope) {
	var pl signal.DescriptionPayload
	if err := env.Decode(&pl); err != nil || pl.RoomID != c.sess.RoomID() {
		return
	}

	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	pc := c.cap.PC
	if c.offered {
		// Glare: both sides sent an offer. The lower-sorting participant id
		// keeps the Offerer role; the other rolls its local offer back and
		// answers.
		if c.selfID < c.sess.PeerID() {
			c.mu.Unlock()
			log.Infof("[%s] glare, keeping offerer role", pl.RoomID)
			return
		}
		c.offerer = false
		c.mu.Unlock()
		log.Infof("[%s] glare, yielding offerer role", pl.RoomID)
		if err := pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			log.Errorf("[%s] rollback: %v", pl.RoomID, err)
			return
		}
	} else {
		c.mu.Unlock()
	}

	desc, err := pl.Description.ToPion()
	if err != nil {
		log.Warnf("[%s] dropping offer: %v", pl.RoomID, err)
		return
	}
	if err := c.applyRemote(desc); err != nil {
		log.Errorf("[%s] set remote offer: %v", pl.RoomID, err)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.Errorf("[%s] create answer: %v", pl.RoomID, err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		log.Errorf("[%s] set local answer: %v", pl.RoomID, err)
		return
	}
	_ = c.sig.Emit(signal.EventAnswer, signal.DescriptionPayload{
		RoomID:      pl.RoomID,
		Description: signal.SDPFromPion(answer),
	})
	log.Infof("[%s] answer sent", pl.RoomID)
}

func (c *Coordinator) handleAnswer(env *signal.Envelope) {
	var pl signal.DescriptionPayload
	if err := env.Decode(&pl); err != nil || pl.RoomID != c.sess.RoomID() {
		return
	}

	c.mu.Lock()
	if c.torn || !c.offerer {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	desc, err := pl.Description.ToPion()
	if err != nil {
		log.Warnf("[%s] dropping answer: %v", pl.RoomID, err)
		return
	}
	if err := c.applyRemote(desc); err != nil {
		log.Errorf("[%s] set remote answer: %v", pl.RoomID, err)
		return
	}
	log.Infof("[%s] answer applied", pl.RoomID)
}

// applyRemote installs the remote description and flushes candidates that
// arrived before it, in arrival order.
func (c *Coordinator) applyRemote(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return ErrTornDown
	}
	pc := c.cap.PC
	c.mu.Unlock()

	if err := pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	c.mu.Lock()
	c.haveRemote = true
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range queued {
		if err := pc.AddICECandidate(cand.ToPion()); err != nil {
			log.Warnf("[%s] queued candidate rejected: %v", c.sess.RoomID(), err)
		}
	}
	if len(queued) > 0 {
		log.Debugf("[%s] flushed %d queued candidates", c.sess.RoomID(), len(queued))
	}
	return nil
}

// handleCandidate applies a remote candidate, queueing it when no remote
// description exists yet. Candidates for a torn-down connection are
// silently discarded.
func (c *Coordinator) handleCandidate(env *signal.Envelope) {
	var pl signal.CandidatePayload
	if err := env.Decode(&pl); err != nil || pl.RoomID != c.sess.RoomID() {
		return
	}

	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	if !c.haveRemote {
		c.pending = append(c.pending, pl.Candidate)
		c.mu.Unlock()
		return
	}
	pc := c.cap.PC
	c.mu.Unlock()

	if err := pc.AddICECandidate(pl.Candidate.ToPion()); err != nil {
		log.Warnf("[%s] candidate rejected: %v", pl.RoomID, err)
	}
}

func (c *Coordinator) handleTrack(track *webrtc.TrackRemote) {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	pc := c.cap.PC
	sink := newRemoteSink(pc, track, func() {
		// First media is as good a connected signal as any.
		_ = c.sess.Activate()
	})
	c.sinks = append(c.sinks, sink)
	c.mu.Unlock()

	log.Infof("[%s] remote %s track %s", c.sess.RoomID(), track.Kind(), track.ID())

	c.trackMu.RLock()
	handlers := make([]func(*RemoteSink), len(c.onTrack))
	copy(handlers, c.onTrack)
	c.trackMu.RUnlock()
	for _, fn := range handlers {
		fn(sink)
	}
}

// SetAudioEnabled (un)mutes the local microphone by swapping the sender's
// track against nil. Returns the new enabled state; stays false when no
// audio was captured.
func (c *Coordinator) SetAudioEnabled(on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn || c.cap.AudioSender == nil {
		return false
	}
	if on == c.audioOn {
		return c.audioOn
	}
	var next webrtc.TrackLocal
	if on {
		next = c.cap.AudioTrack
	}
	if err := c.cap.AudioSender.ReplaceTrack(next); err != nil {
		log.Warnf("[%s] audio toggle: %v", c.sess.RoomID(), err)
		return c.audioOn
	}
	c.audioOn = on
	log.Infof("[%s] audio enabled=%v", c.sess.RoomID(), on)
	return c.audioOn
}

// SetVideoEnabled (un)mutes the local camera. Returns the new enabled
// state; stays false when no video was captured.
func (c *Coordinator) SetVideoEnabled(on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn || c.cap.VideoSender == nil {
		return false
	}
	if on == c.videoOn {
		return c.videoOn
	}
	var next webrtc.TrackLocal
	if on {
		next = c.cap.VideoTrack
	}
	if err := c.cap.VideoSender.ReplaceTrack(next); err != nil {
		log.Warnf("[%s] video toggle: %v", c.sess.RoomID(), err)
		return c.videoOn
	}
	c.videoOn = on
	log.Infof("[%s] video enabled=%v", c.sess.RoomID(), on)
	return c.videoOn
}

// ToggleAudio flips the microphone and returns the new enabled state.
func (c *Coordinator) ToggleAudio() bool {
	c.mu.Lock()
	want := !c.audioOn
	c.mu.Unlock()
	return c.SetAudioEnabled(want)
}

// ToggleVideo flips the camera and returns the new enabled state.
func (c *Coordinator) ToggleVideo() bool {
	c.mu.Lock()
	want := !c.videoOn
	c.mu.Unlock()
	return c.SetVideoEnabled(want)
}

// Teardown stops capture, closes the peer connection and its sinks, drops
// any queued candidates and leaves the media room. Idempotent.
func (c *Coordinator) Teardown() {
	c.down.Do(func() {
		c.mu.Lock()
		c.torn = true
		cap := c.cap
		sinks := c.sinks
		c.sinks = nil
		c.pending = nil
		c.mu.Unlock()

		for _, s := range sinks {
			s.Close()
		}
		if cap.Stop != nil {
			cap.Stop()
		}
		if err := cap.PC.Close(); err != nil {
			log.Warnf("[%s] close peer connection: %v", c.sess.RoomID(), err)
		}
		_ = c.sig.Emit(signal.EventLeaveRoom, signal.RoomPayload{RoomID: c.sess.RoomID()})
		if c.cancelSub != nil {
			c.cancelSub()
		}
		log.Infof("[%s] torn down", c.sess.RoomID())
	})
}

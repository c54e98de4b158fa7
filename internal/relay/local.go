package relay

import (
	"fmt"
	"sync"

	"github.com/rkuiper/linkup/internal/signal"
)

// LocalChannel attaches an in-process client to the hub under userID and
// returns it as a signal.Channel. It goes through exactly the same routing
// as a websocket connection, so two local channels behave like two relayed
// clients, which is how the session-layer tests run end to end without a
// network.
func (h *Hub) LocalChannel(userID string) (signal.Channel, error) {
	if userID == "" {
		return nil, fmt.Errorf("relay: empty user id")
	}
	lc := &localChannel{
		hub:       h,
		p:         h.attach(),
		listeners: make(map[chan *signal.Envelope]struct{}),
	}
	env, err := signal.NewEnvelope(signal.EventUserOnline, signal.OnlinePayload{UserID: userID})
	if err != nil {
		return nil, err
	}
	h.dispatch(lc.p, env)
	go lc.forward()
	return lc, nil
}

type localChannel struct {
	hub     *Hub
	p       *port
	closing sync.Once

	listenerMu sync.RWMutex
	listeners  map[chan *signal.Envelope]struct{}
}

func (lc *localChannel) Emit(event string, payload any) error {
	env, err := signal.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	lc.hub.dispatch(lc.p, env)
	return nil
}

func (lc *localChannel) Subscribe() (chan *signal.Envelope, func()) {
	ch := make(chan *signal.Envelope, outBacklog)

	lc.listenerMu.Lock()
	lc.listeners[ch] = struct{}{}
	lc.listenerMu.Unlock()

	cancel := func() {
		lc.listenerMu.Lock()
		if _, ok := lc.listeners[ch]; ok {
			delete(lc.listeners, ch)
			close(ch)
		}
		lc.listenerMu.Unlock()
	}
	return ch, cancel
}

func (lc *localChannel) Close() error {
	lc.closing.Do(func() {
		lc.hub.detach(lc.p)
	})
	return nil
}

// forward drains the port queue into all listeners. When the port closes,
// listener channels close with it so consumers see the disconnect.
func (lc *localChannel) forward() {
	for env := range lc.p.out {
		lc.listenerMu.RLock()
		for ch := range lc.listeners {
			select {
			case ch <- env:
			default:
				log.Warnf("local listener full, dropping %s", env.Event)
			}
		}
		lc.listenerMu.RUnlock()
	}

	lc.listenerMu.Lock()
	for ch := range lc.listeners {
		close(ch)
	}
	lc.listeners = make(map[chan *signal.Envelope]struct{})
	lc.listenerMu.Unlock()
}

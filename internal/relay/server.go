package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rkuiper/linkup/internal/signal"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler returns the websocket endpoint for the hub. Each connection gets
// an attached port; the client is expected to send user-online first.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("upgrade failed: %v", err)
			return
		}
		p := h.attach()
		go h.writeLoop(conn, p)
		h.readLoop(conn, p)
	})
}

// readLoop feeds inbound envelopes into the hub until the connection drops.
func (h *Hub) readLoop(conn *websocket.Conn, p *port) {
	defer func() {
		h.detach(p)
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pingInterval + writeTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + writeTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("connection closed: %v", err)
			}
			return
		}
		var env signal.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warnf("dropping malformed frame: %v", err)
			continue
		}
		h.dispatch(p, &env)
	}
}

// writeLoop drains the port's delivery queue onto the socket and keeps the
// connection alive with pings.
func (h *Hub) writeLoop(conn *websocket.Conn, p *port) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case env, ok := <-p.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signal")

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	sendBacklog  = 64
)

// Client is the websocket implementation of Channel. One Client is one
// connection to the relay, registered under a single user ID.
type Client struct {
	userID string
	conn   *websocket.Conn

	writeCh chan []byte
	done    chan struct{}
	closing sync.Once

	listenerMu sync.RWMutex
	listeners  map[chan *Envelope]struct{}
}

// Dial connects to the relay at url, registers userID with a user-online
// event and starts the read/write pumps.
func Dial(ctx context.Context, url, userID string) (*Client, error) {
	if userID == "" {
		return nil, fmt.Errorf("signal: empty user id")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("signal: dial %s: %w", url, err)
	}

	c := &Client{
		userID:    userID,
		conn:      conn,
		writeCh:   make(chan []byte, sendBacklog),
		done:      make(chan struct{}),
		listeners: make(map[chan *Envelope]struct{}),
	}

	go c.writePump()
	go c.readPump()

	if err := c.Emit(EventUserOnline, OnlinePayload{UserID: userID}); err != nil {
		c.Close()
		return nil, err
	}

	log.Infof("connected to %s as %s", url, userID)
	return c, nil
}

// UserID returns the identity this connection is registered under.
func (c *Client) UserID() string { return c.userID }

// Emit queues one named event for delivery to the relay.
func (c *Client) Emit(event string, payload any) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("signal: encode envelope: %w", err)
	}

	select {
	case <-c.done:
		return fmt.Errorf("signal: channel closed")
	case c.writeCh <- data:
		return nil
	}
}

// Subscribe registers a listener for inbound envelopes. The returned
// channel is closed when the listener is cancelled or the connection drops.
func (c *Client) Subscribe() (chan *Envelope, func()) {
	ch := make(chan *Envelope, sendBacklog)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel := func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closing.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		_ = c.conn.Close()

		c.listenerMu.Lock()
		for ch := range c.listeners {
			close(ch)
		}
		c.listeners = make(map[chan *Envelope]struct{})
		c.listenerMu.Unlock()
	})
	return nil
}

// readPump decodes inbound envelopes and fans them out to listeners.
// A read error means the transport dropped; all listener channels are
// closed so session layers can tear down locally.
func (c *Client) readPump() {
	defer c.Close()

	_ = c.conn.SetReadDeadline(time.Now().Add(pingInterval + writeTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + writeTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("connection lost: %v", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warnf("dropping malformed envelope: %v", err)
			continue
		}

		c.listenerMu.RLock()
		for ch := range c.listeners {
			select {
			case ch <- &env:
			default:
				log.Warnf("listener full, dropping %s", env.Event)
			}
		}
		c.listenerMu.RUnlock()
	}
}

// writePump serializes all writes onto one goroutine and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.writeCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warnf("write failed: %v", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

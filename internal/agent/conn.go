package agent

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odpf/saltpeter/channel"
)

const (
	dialTimeout    = 2 * time.Second
	reconnectEvery = 2 * time.Second
	recvPollEvery  = 100 * time.Millisecond
)

// conn owns the single live websocket to the server, if any, and
// retries on its own schedule whenever it drops. Every method is safe
// for concurrent use: the heartbeat, output-flush, and inbound-poll
// loops all touch it from the same goroutine in practice, but nothing
// here assumes that.
type conn struct {
	url string

	mu sync.Mutex
	ws *websocket.Conn

	lastDial time.Time
}

func newConn(url string) *conn {
	return &conn{url: url}
}

func (c *conn) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// ensureConnected dials if not already connected and enough time has
// passed since the last attempt. It never blocks longer than
// dialTimeout.
func (c *conn) ensureConnected() {
	c.mu.Lock()
	if c.ws != nil {
		c.mu.Unlock()
		return
	}
	if time.Since(c.lastDial) < reconnectEvery {
		c.mu.Unlock()
		return
	}
	c.lastDial = time.Now()
	c.mu.Unlock()

	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

// send delivers msg if connected, dropping the connection on any write
// error so the next ensureConnected call retries from scratch.
func (c *conn) send(msg channel.Message) bool {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return false
	}
	if err := ws.WriteJSON(msg); err != nil {
		c.drop()
		return false
	}
	return true
}

// recv does a short non-blocking-equivalent poll for one inbound
// message. ok is false on timeout (nothing arrived) or if the
// connection dropped.
func (c *conn) recv() (msg channel.Message, ok bool) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return channel.Message{}, false
	}
	ws.SetReadDeadline(time.Now().Add(recvPollEvery))
	if err := ws.ReadJSON(&msg); err != nil {
		if ne, isNet := err.(interface{ Timeout() bool }); isNet && ne.Timeout() {
			return channel.Message{}, false
		}
		c.drop()
		return channel.Message{}, false
	}
	return msg, true
}

func (c *conn) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
}

// Package cdp is the browser-control transport the core's DeviceSession
// consumes as an external collaborator (spec §6): creating targets,
// attaching flat sessions, sending commands, and subscribing to the
// Page.screencastFrame event. It is grounded on the teacher's
// internal/websocket/client.go (gorilla/websocket connection lifecycle,
// ping/pong keepalive, done-channel shutdown), reworked from a
// command/result protocol against a control-plane server into CDP's
// id-correlated JSON-RPC-over-websocket with flat per-target sessions.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wallcast/wallcast-server/internal/logging"
)

var log = logging.L("cdp")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024 * 1024
)

// Event is an unsolicited CDP notification, e.g. Page.screencastFrame.
type Event struct {
	SessionID string
	Method    string
	Params    json.RawMessage
}

// wireMessage is the shape of both commands and their responses/events on
// the browser's single multiplexed websocket.
type wireMessage struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client is a single websocket connection to the browser's CDP endpoint,
// shared across every attached target session (the "flat session" model:
// commands and events for a given target carry a sessionId field rather
// than each target getting its own socket).
type Client struct {
	conn *websocket.Conn

	nextID int64

	mu      sync.Mutex
	pending map[int64]chan wireMessage
	closed  bool

	events   chan Event
	sendChan chan wireMessage
	done     chan struct{}
}

// Dial connects to the browser's top-level CDP websocket URL (obtained by
// the caller from the browser endpoint's /json/version, per the CDP HTTP
// contract).
func Dial(ctx context.Context, wsURL string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cdp: dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &Client{
		conn:     conn,
		pending:  make(map[int64]chan wireMessage),
		events:   make(chan Event, 64),
		sendChan: make(chan wireMessage, 64),
		done:     make(chan struct{}),
	}

	go c.readPump()
	go c.writePump()

	return c, nil
}

// Events returns the channel of unsolicited CDP notifications. Callers are
// expected to filter by SessionID/Method for the target they own.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Call sends a CDP command and blocks for its matching response. sessionID
// is empty for browser-level commands (e.g. Target.createTarget).
func (c *Client) Call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("cdp: marshal params for %s: %w", method, err)
		}
		raw = encoded
	}

	id := atomic.AddInt64(&c.nextID, 1)
	reply := make(chan wireMessage, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("cdp: client closed")
	}
	c.pending[id] = reply
	c.mu.Unlock()

	msg := wireMessage{ID: id, SessionID: sessionID, Method: method, Params: raw}

	select {
	case c.sendChan <- msg:
	case <-ctx.Done():
		c.forgetPending(id)
		return nil, ctx.Err()
	case <-c.done:
		c.forgetPending(id)
		return nil, fmt.Errorf("cdp: client closed")
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, fmt.Errorf("cdp: client closed")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("cdp: %s failed: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.forgetPending(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("cdp: client closed")
	}
}

func (c *Client) forgetPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close shuts down the connection and fails any in-flight calls.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	close(c.done)
	for _, ch := range pending {
		close(ch)
	}
	return c.conn.Close()
}

func (c *Client) readPump() {
	defer close(c.events)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Warn("cdp read failed", logging.KeyError, err)
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("cdp: malformed message", logging.KeyError, err)
			continue
		}

		if msg.ID != 0 {
			c.mu.Lock()
			reply, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if ok {
				reply <- msg
			}
			continue
		}

		if msg.Method != "" {
			select {
			case c.events <- Event{SessionID: msg.SessionID, Method: msg.Method, Params: msg.Params}:
			default:
				log.Warn("cdp event channel full, dropping event", "method", msg.Method)
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.sendChan:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Warn("cdp write failed", logging.KeyError, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

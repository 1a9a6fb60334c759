package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wallcast/wallcast-server/internal/logging"
)

var log = logging.L("transport")

// These mirror the teacher's client-side websocket keepalive constants
// (internal/websocket/client.go), reused here on the server side of the
// same connection.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendQueueSize  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSConn is a per-viewer server-side websocket connection. It implements
// broadcast.Conn: Send queues a binary packet for delivery, BufferedAmount
// reports how much is still queued (the source's readyState/bufferedAmount
// pairing), and Close tears the connection down. A bounded send queue
// stands in for the browser's native bufferedAmount: once it's full,
// Send reports the connection as backed up rather than blocking the
// broadcaster's drain loop.
type WSConn struct {
	conn *websocket.Conn

	mu       sync.Mutex
	sendCh   chan []byte
	queued   int
	closed   bool
	closeCh  chan struct{}
	closeOne sync.Once
}

// Upgrade promotes an incoming HTTP request to a websocket connection and
// wraps it as a WSConn, starting its write pump.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)

	c := &WSConn{
		conn:    conn,
		sendCh:  make(chan []byte, sendQueueSize),
		closeCh: make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

// Send queues packet for delivery. It never blocks: if the send queue is
// full the packet is dropped and an error returned, so a slow viewer
// cannot stall frame delivery to the others (spec §5 backpressure).
func (c *WSConn) Send(packet []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errConnClosed
	}
	c.mu.Unlock()

	select {
	case c.sendCh <- packet:
		c.mu.Lock()
		c.queued += len(packet)
		c.mu.Unlock()
		return nil
	default:
		return errSendQueueFull
	}
}

// Done returns a channel that closes once the connection has been torn
// down, either because the viewer disconnected or because Close was
// called directly. Callers use this to stop waiting on a connection
// without polling.
func (c *WSConn) Done() <-chan struct{} {
	return c.closeCh
}

// BufferedAmount reports the number of bytes currently queued for send,
// the equivalent of a browser WebSocket's bufferedAmount property that
// the broadcaster's pacing loop polls against BackpressureLow.
func (c *WSConn) BufferedAmount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queued
}

// Close closes the underlying connection. Safe to call more than once.
func (c *WSConn) Close() error {
	c.closeOne.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closeCh)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.conn.Close()
	})
	return nil
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case packet := <-c.sendCh:
			c.mu.Lock()
			c.queued -= len(packet)
			c.mu.Unlock()

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, packet); err != nil {
				log.Warn("viewer write failed", logging.KeyError, err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// readPump only exists to service pong keepalives and detect the viewer
// disconnecting; this protocol has no client-to-server payload messages
// once a viewer has connected (configuration arrives via the initial
// HTTP request, spec §3).
func (c *WSConn) readPump() {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.Close()
			return
		}
	}
}

type connError string

func (e connError) Error() string { return string(e) }

const (
	errConnClosed    = connError("transport: connection closed")
	errSendQueueFull = connError("transport: send queue full")
)

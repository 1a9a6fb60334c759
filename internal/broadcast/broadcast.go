// Package broadcast implements the per-device client registry and the
// pacing drain loop that sends packetized frames to connected clients
// without letting a slow transport accumulate unbounded latency. It is
// grounded on the teacher's ws_manager.go (map-of-sessions registry with
// replace-on-duplicate semantics) and ws_stream.go (ticker/done-channel
// goroutine-per-session send loop), reworked from a fixed-FPS capture loop
// into a queue-driven, backpressure-aware drain.
package broadcast

import (
	"runtime"
	"sync"
	"time"

	"github.com/wallcast/wallcast-server/internal/logging"
)

var log = logging.L("broadcast")

// Pacing constants, fixed by contract rather than configuration: every
// device is paced identically regardless of its DeviceConfig.
const (
	MinFrameGap       = 100 * time.Millisecond
	DrainMax          = 2000 * time.Millisecond
	DrainPoll         = 5 * time.Millisecond
	BackpressureLow   = 16 * 1024 // bytes
)

// ReservedFrameIDBase is the start of the frameId range reserved for
// control frames (self-test measurement, future out-of-band signaling),
// keeping them unambiguous from a wrapped real per-device frameId instead
// of relying on a single magic value.
const ReservedFrameIDBase uint32 = 0xFFFFFF00

// SelfTestFrameID is the frameId used by StartSelfTestMeasurement.
const SelfTestFrameID uint32 = ReservedFrameIDBase

// Conn is one client transport connection. Implementations must be safe
// for concurrent BufferedAmount/Close calls from the drain goroutine while
// the registrar mutates the client set from connect/disconnect callbacks.
type Conn interface {
	// Send writes packet as a single binary message.
	Send(packet []byte) error
	// BufferedAmount returns the number of bytes still queued for this
	// connection's outbound socket buffer.
	BufferedAmount() int
	Close() error
}

// OutFrame is one packetized frame queued for delivery.
type OutFrame struct {
	FrameID uint32
	Packets [][]byte
}

// Broadcaster owns the per-device client sets and delivery queues. The
// zero value is not usable; construct with New.
type Broadcaster struct {
	mu      sync.Mutex
	devices map[string]*deviceState
}

type deviceState struct {
	mu      sync.Mutex
	clients map[Conn]struct{}
	queue   []OutFrame
	sending bool
}

// New returns an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{devices: make(map[string]*deviceState)}
}

// device returns the deviceState for deviceID, creating one if none
// exists. Only AddClient calls this: a registered viewer is the one thing
// that justifies holding state for a device, so every other caller uses
// lookupDevice instead and treats "no entry" as "nothing to do".
func (b *Broadcaster) device(deviceID string) *deviceState {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[deviceID]
	if !ok {
		d = &deviceState{clients: make(map[Conn]struct{})}
		b.devices[deviceID] = d
	}
	return d
}

// lookupDevice returns the deviceState for deviceID without creating one.
func (b *Broadcaster) lookupDevice(deviceID string) (*deviceState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[deviceID]
	return d, ok
}

// AddClient registers conn for deviceID. Per spec §4.3, one-display-one-
// viewer semantics apply: any clients already connected for deviceID are
// closed before conn is registered.
func (b *Broadcaster) AddClient(deviceID string, conn Conn) {
	d := b.device(deviceID)

	d.mu.Lock()
	stale := make([]Conn, 0, len(d.clients))
	for c := range d.clients {
		stale = append(stale, c)
	}
	for c := range d.clients {
		delete(d.clients, c)
	}
	d.clients[conn] = struct{}{}
	d.mu.Unlock()

	for _, c := range stale {
		_ = c.Close()
	}

	log.Info("client added", logging.KeyDeviceID, deviceID, "replaced", len(stale))
}

// RemoveClient unregisters conn. If the client set becomes empty, the
// queue and state for deviceID are discarded.
func (b *Broadcaster) RemoveClient(deviceID string, conn Conn) {
	b.mu.Lock()
	d, ok := b.devices[deviceID]
	if !ok {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	d.mu.Lock()
	delete(d.clients, conn)
	empty := len(d.clients) == 0
	if empty {
		d.queue = nil
	}
	d.mu.Unlock()

	if empty {
		b.mu.Lock()
		delete(b.devices, deviceID)
		b.mu.Unlock()
	}

	log.Info("client removed", logging.KeyDeviceID, deviceID)
}

// ClientCount returns the number of connected clients for deviceID.
func (b *Broadcaster) ClientCount(deviceID string) int {
	b.mu.Lock()
	d, ok := b.devices[deviceID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

// SendFrameChunked enqueues packets as one OutFrame and starts the drain
// loop for deviceID if it is not already running. Called with client
// count zero is a safe no-op (no work is enqueued while no client is
// connected, per spec invariant 6). It never creates device state of its
// own: a device with no registered viewer (including one that just lost
// its last viewer) has nothing to send to, so there's nothing to track.
func (b *Broadcaster) SendFrameChunked(deviceID string, frameID uint32, packets [][]byte) {
	d, ok := b.lookupDevice(deviceID)
	if !ok {
		return
	}

	d.mu.Lock()
	if len(d.clients) == 0 {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, OutFrame{FrameID: frameID, Packets: packets})
	alreadySending := d.sending
	if !alreadySending {
		d.sending = true
	}
	d.mu.Unlock()

	if !alreadySending {
		go b.drain(deviceID, d)
	}
}

// StartSelfTestMeasurement enqueues a distinguished single-packet frame
// under the reserved self-test frameId.
func (b *Broadcaster) StartSelfTestMeasurement(deviceID string, packet []byte) {
	b.SendFrameChunked(deviceID, SelfTestFrameID, [][]byte{packet})
}

// drain runs the pacing algorithm described in spec §4.3 until the queue
// empties or the client set empties.
func (b *Broadcaster) drain(deviceID string, d *deviceState) {
	for {
		d.mu.Lock()
		if len(d.clients) == 0 {
			d.queue = nil
			d.sending = false
			d.mu.Unlock()
			return
		}
		if len(d.queue) == 0 {
			d.sending = false
			d.mu.Unlock()
			return
		}
		// Stale-frame dropping: keep only the newest queued OutFrame.
		if len(d.queue) > 1 {
			d.queue = d.queue[len(d.queue)-1:]
		}
		out := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if b.sendOutFrame(deviceID, d, out) {
			b.pace(deviceID, d)
		}
	}
}

// sendOutFrame sends each packet of out in order to every open connection.
// It returns false if the frame was aborted mid-sequence because a newer
// frame arrived in the queue.
func (b *Broadcaster) sendOutFrame(deviceID string, d *deviceState, out OutFrame) bool {
	for _, packet := range out.Packets {
		d.mu.Lock()
		aborted := len(d.queue) > 0
		d.mu.Unlock()
		if aborted {
			log.Info("frame aborted mid-sequence, newer frame queued",
				logging.KeyDeviceID, deviceID, "frameId", out.FrameID)
			return false
		}

		b.sendToClients(d, packet)
		runtime.Gosched()
	}
	return true
}

func (b *Broadcaster) sendToClients(d *deviceState, packet []byte) {
	d.mu.Lock()
	clients := make([]Conn, 0, len(d.clients))
	for c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.Unlock()

	var dead []Conn
	for _, c := range clients {
		if err := c.Send(packet); err != nil {
			dead = append(dead, c)
		}
	}
	if len(dead) == 0 {
		return
	}

	d.mu.Lock()
	for _, c := range dead {
		delete(d.clients, c)
	}
	d.mu.Unlock()
	for _, c := range dead {
		_ = c.Close()
	}
}

// pace sleeps MinFrameGap, then polls up to DrainMax for every client
// buffer to drop below BackpressureLow, exiting early if a newer frame
// arrives in the meantime.
func (b *Broadcaster) pace(deviceID string, d *deviceState) {
	time.Sleep(MinFrameGap)

	deadline := time.Now().Add(DrainMax)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		newerQueued := len(d.queue) > 0
		d.mu.Unlock()
		if newerQueued {
			return
		}

		if b.allClientBuffersBelow(d, BackpressureLow) {
			return
		}
		time.Sleep(DrainPoll)
	}
}

func (b *Broadcaster) allClientBuffersBelow(d *deviceState, limit int) bool {
	d.mu.Lock()
	clients := make([]Conn, 0, len(d.clients))
	for c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.Unlock()

	for _, c := range clients {
		if c.BufferedAmount() >= limit {
			return false
		}
	}
	return true
}

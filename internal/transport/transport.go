// Package transport is the protocol encoder the core treats as an opaque
// collaborator (spec §6): it turns a FrameProcessor's rectangles into an
// ordered sequence of binary packets no larger than the client's
// configured MTU, and builds the single-packet self-test measurement
// frame. It is grounded on the teacher's internal/websocket/client.go
// binary frame format (a one-byte message-type tag followed by a fixed
// header and a raw payload), generalized from one fixed desktop-frame
// message to a tagged, chunkable tile-rectangle protocol.
package transport

import (
	"encoding/binary"

	"github.com/wallcast/wallcast-server/internal/frame"
)

// Message type tags, the first byte of every packet.
const (
	msgTypeRectHeader = 0x01
	msgTypeRectChunk  = 0x02
	msgTypeStats      = 0x03
)

// headerSize is the fixed portion of a msgTypeRectHeader packet preceding
// its payload chunk: type(1) + frameId(4) + flags(1) + rectIndex(2) +
// rectCount(2) + x(4) + y(4) + w(4) + h(4) + chunkCount(2).
const headerSize = 1 + 4 + 1 + 2 + 2 + 4 + 4 + 4 + 4 + 2

// continuationHeaderSize is the fixed portion of a msgTypeRectChunk
// packet: type(1) + frameId(4) + rectIndex(2) + chunkIndex(2).
const continuationHeaderSize = 1 + 4 + 2 + 2

const flagFullFrame = byte(1 << 0)

// BuildFramePackets packetizes a FrameProcessor output into an ordered
// sequence of messages, each no larger than maxBytes. An empty rects slice
// yields no packets: callers must not invoke this for a "no change"
// Out (spec §4.2 treats an empty rectangle list as nothing to send).
func BuildFramePackets(rects []frame.Rect, frameID uint32, isFullFrame bool, maxBytes int) [][]byte {
	if maxBytes < headerSize+1 {
		maxBytes = headerSize + 1
	}

	var packets [][]byte
	rectCount := uint16(len(rects))

	for i, r := range rects {
		packets = append(packets, buildRectPackets(r, frameID, uint16(i), rectCount, isFullFrame, maxBytes)...)
	}
	return packets
}

func buildRectPackets(r frame.Rect, frameID uint32, rectIndex, rectCount uint16, isFullFrame bool, maxBytes int) [][]byte {
	firstChunkCap := maxBytes - headerSize
	if firstChunkCap < 0 {
		firstChunkCap = 0
	}
	contChunkCap := maxBytes - continuationHeaderSize
	if contChunkCap < 1 {
		contChunkCap = 1
	}

	payload := r.Payload
	var chunks [][]byte
	if len(payload) <= firstChunkCap {
		chunks = [][]byte{payload}
	} else {
		rest := payload[firstChunkCap:]
		chunks = append(chunks, payload[:firstChunkCap])
		for len(rest) > 0 {
			n := contChunkCap
			if n > len(rest) {
				n = len(rest)
			}
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
	}

	chunkCount := uint16(len(chunks))
	packets := make([][]byte, 0, chunkCount)

	flags := byte(0)
	if isFullFrame {
		flags |= flagFullFrame
	}

	header := make([]byte, headerSize+len(chunks[0]))
	header[0] = msgTypeRectHeader
	binary.BigEndian.PutUint32(header[1:5], frameID)
	header[5] = flags
	binary.BigEndian.PutUint16(header[6:8], rectIndex)
	binary.BigEndian.PutUint16(header[8:10], rectCount)
	binary.BigEndian.PutUint32(header[10:14], uint32(r.X))
	binary.BigEndian.PutUint32(header[14:18], uint32(r.Y))
	binary.BigEndian.PutUint32(header[18:22], uint32(r.W))
	binary.BigEndian.PutUint32(header[22:26], uint32(r.H))
	binary.BigEndian.PutUint16(header[26:28], chunkCount)
	copy(header[headerSize:], chunks[0])
	packets = append(packets, header)

	for idx := 1; idx < len(chunks); idx++ {
		p := make([]byte, continuationHeaderSize+len(chunks[idx]))
		p[0] = msgTypeRectChunk
		binary.BigEndian.PutUint32(p[1:5], frameID)
		binary.BigEndian.PutUint16(p[5:7], rectIndex)
		binary.BigEndian.PutUint16(p[7:9], uint16(idx))
		copy(p[continuationHeaderSize:], chunks[idx])
		packets = append(packets, p)
	}

	return packets
}

// BuildFrameStatsPacket returns the single-packet self-test measurement
// frame enqueued by Broadcaster.StartSelfTestMeasurement. It carries no
// payload beyond its type tag and the reserved frameId: the client
// measures round-trip delivery latency from receipt, not from its
// contents.
func BuildFrameStatsPacket(frameID uint32) []byte {
	p := make([]byte, 5)
	p[0] = msgTypeStats
	binary.BigEndian.PutUint32(p[1:5], frameID)
	return p
}

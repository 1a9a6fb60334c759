package transport

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/wallcast/wallcast-server/internal/frame"
)

func TestBuildFramePacketsEmptyRectsYieldsNoPackets(t *testing.T) {
	packets := BuildFramePackets(nil, 1, false, 4096)
	if len(packets) != 0 {
		t.Fatalf("expected zero packets for empty rects, got %d", len(packets))
	}
}

func TestBuildFramePacketsSingleRectFitsOnePacket(t *testing.T) {
	rects := []frame.Rect{{X: 10, Y: 20, W: 16, H: 16, Payload: []byte("jpegbytes")}}

	packets := BuildFramePackets(rects, 42, true, 4096)
	if len(packets) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(packets))
	}

	p := packets[0]
	if p[0] != msgTypeRectHeader {
		t.Fatalf("expected rect header tag, got %x", p[0])
	}
	if got := binary.BigEndian.Uint32(p[1:5]); got != 42 {
		t.Fatalf("frameId = %d, want 42", got)
	}
	if p[5]&flagFullFrame == 0 {
		t.Fatal("expected full-frame flag set")
	}
	if got := binary.BigEndian.Uint32(p[10:14]); got != 10 {
		t.Fatalf("x = %d, want 10", got)
	}
	if !bytes.Equal(p[headerSize:], []byte("jpegbytes")) {
		t.Fatalf("payload not preserved: %q", p[headerSize:])
	}
}

func TestBuildFramePacketsChunksOversizedRect(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 1000)
	rects := []frame.Rect{{X: 0, Y: 0, W: 64, H: 64, Payload: payload}}

	maxBytes := 300
	packets := BuildFramePackets(rects, 7, false, maxBytes)

	if len(packets) < 2 {
		t.Fatalf("expected payload to be chunked across multiple packets, got %d", len(packets))
	}
	for i, p := range packets {
		if len(p) > maxBytes {
			t.Fatalf("packet %d exceeds maxBytes: %d > %d", i, len(p), maxBytes)
		}
	}

	// Reassemble and verify payload integrity.
	first := packets[0]
	chunkCount := binary.BigEndian.Uint16(first[26:28])
	if int(chunkCount) != len(packets) {
		t.Fatalf("chunkCount = %d, want %d", chunkCount, len(packets))
	}

	reassembled := append([]byte{}, first[headerSize:]...)
	for _, p := range packets[1:] {
		if p[0] != msgTypeRectChunk {
			t.Fatalf("expected continuation tag, got %x", p[0])
		}
		reassembled = append(reassembled, p[continuationHeaderSize:]...)
	}
	if !bytes.Equal(reassembled, payload) {
		t.Fatal("reassembled payload does not match original")
	}
}

func TestBuildFramePacketsMultipleRectsPreserveOrder(t *testing.T) {
	rects := []frame.Rect{
		{X: 0, Y: 0, W: 8, H: 8, Payload: []byte("one")},
		{X: 8, Y: 0, W: 8, H: 8, Payload: []byte("two")},
	}

	packets := BuildFramePackets(rects, 1, false, 4096)
	if len(packets) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(packets))
	}
	if idx := binary.BigEndian.Uint16(packets[0][6:8]); idx != 0 {
		t.Fatalf("first packet rectIndex = %d, want 0", idx)
	}
	if idx := binary.BigEndian.Uint16(packets[1][6:8]); idx != 1 {
		t.Fatalf("second packet rectIndex = %d, want 1", idx)
	}
}

func TestBuildFrameStatsPacketCarriesReservedFrameID(t *testing.T) {
	p := BuildFrameStatsPacket(0xFFFFFF00)
	if p[0] != msgTypeStats {
		t.Fatalf("expected stats tag, got %x", p[0])
	}
	if got := binary.BigEndian.Uint32(p[1:5]); got != 0xFFFFFF00 {
		t.Fatalf("frameId = %x, want 0xFFFFFF00", got)
	}
}

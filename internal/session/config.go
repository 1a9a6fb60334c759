package session

import (
	"time"

	"github.com/wallcast/wallcast-server/internal/codec"
)

// DeviceConfig is the immutable-per-incarnation configuration a client
// chooses at connect time (spec §3). Two configs are equal iff every
// field is equal; since every field here is a comparable scalar, plain
// struct equality (==) implements that rule without a hand-rolled
// comparator.
type DeviceConfig struct {
	Width, Height int
	TileSize      int
	Rotation      codec.Rotation
	JPEGQuality   int

	FullFrameTileCount     int
	FullFrameAreaThreshold float64
	FullFrameEvery         int

	EveryNthFrame       int
	MinFrameInterval    time.Duration
	MaxBytesPerMessage  int
}

// Equal reports whether c and other describe the same session incarnation.
func (c DeviceConfig) Equal(other DeviceConfig) bool {
	return c == other
}

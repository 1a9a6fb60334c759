// Package codec is the image codec adapter the core's FrameProcessor treats
// as an external collaborator (spec §6): PNG decode for incoming screencast
// and screenshot bytes, JPEG encode for outgoing tiles, and the rotation
// transform applied before diffing. It is grounded on the teacher's
// encode.go/pool.go image-handling helpers, generalized from desktop capture
// to browser-tile encoding.
package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"sync"
)

// Rotation is one of the four axis-aligned rotations a DeviceConfig may
// request.
type Rotation int

const (
	Rotate0 Rotation = 0
	Rotate90 Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// DecodePNG decodes raw PNG bytes into an *image.RGBA, converting from
// whatever the source color model was. Screencast and screenshot payloads
// from the browser are always PNG per spec §6.
func DecodePNG(data []byte) (*image.RGBA, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: decode png: %w", err)
	}
	return toRGBA(img), nil
}

func toRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba
	}
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)
	return dst
}

// Rotate returns a new RGBA image rotated by r, leaving src untouched. 0
// returns src unchanged (not a copy) since the common case is no rotation.
func Rotate(src *image.RGBA, r Rotation) *image.RGBA {
	switch r {
	case Rotate90:
		return rotate90(src)
	case Rotate180:
		return rotate180(src)
	case Rotate270:
		return rotate270(src)
	default:
		return src
	}
}

func rotate90(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(h-1-y, x, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func rotate180(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(w-1-x, h-1-y, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func rotate270(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(y, w-1-x, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

// EnsureOpaque forces the alpha channel to 255 across img in place. The
// browser compositor sometimes emits partially transparent pixels at page
// edges; tiles are always composited against an opaque background on the
// display client, so the server normalizes alpha before diffing.
func EnsureOpaque(img *image.RGBA) {
	pix := img.Pix
	for i := 3; i < len(pix); i += 4 {
		pix[i] = 255
	}
}

// jpegBufferPool pools the bytes.Buffer used as an EncodeJPEG scratch area,
// one per concurrent tile encoder goroutine.
var jpegBufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 16*1024))
	},
}

// EncodeJPEG encodes a sub-image region as JPEG at the given quality
// (clamped to [1,100]). image/jpeg does not expose a subsampling knob and
// writes color images with 4:2:0 chroma subsampling, so the output is not
// 4:4:4; quality is the only lever available through the standard encoder
// (see DESIGN.md).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}

	buf := jpegBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer jpegBufferPool.Put(buf)

	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("codec: encode jpeg: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// SubImage returns the portion of img covered by rect, sharing the
// underlying Pix slice (no copy) when img is an *image.RGBA.
func SubImage(img *image.RGBA, rect image.Rectangle) *image.RGBA {
	return img.SubImage(rect).(*image.RGBA)
}

// Package frame adapts camera devices and uploaded images into a uniform
// stream of pixel buffers for the optical decoder.
package frame

import (
	"context"
	"image"
)

// Frame is an immutable grayscale pixel buffer with a monotonically
// increasing sequence number. Frames are consumed once by the decoder and
// never retained.
type Frame struct {
	Seq    uint64
	Width  int
	Height int
	// Pix holds one luminance sample per pixel, row-major.
	Pix []uint8
}

// Gray returns the frame as a stdlib grayscale image sharing the same
// backing buffer.
func (f *Frame) Gray() *image.Gray {
	return &image.Gray{
		Pix:    f.Pix,
		Stride: f.Width,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Mode distinguishes the two kinds of frame sources.
type Mode string

const (
	ModeCamera Mode = "camera"
	ModeImage  Mode = "image"
)

// Source yields frames on demand.
//
// Next returns (nil, nil) when the source has no frame ready yet (a camera
// that has not started producing data); callers skip the tick and try
// again. A single-shot source returns ErrExhausted once its frame has been
// consumed. Close releases the underlying device or handle and is safe to
// call more than once and from any exit path.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
	Mode() Mode
}

// fromImage converts a decoded image into a luminance frame using the
// Rec. 601 weights.
func fromImage(img image.Image, seq uint64) *Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	f := &Frame{Seq: seq, Width: w, Height: h, Pix: make([]uint8, w*h)}

	if g, ok := img.(*image.Gray); ok {
		for y := 0; y < h; y++ {
			copy(f.Pix[y*w:(y+1)*w], g.Pix[(y+b.Min.Y-g.Rect.Min.Y)*g.Stride+(b.Min.X-g.Rect.Min.X):])
		}
		return f
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			// 16-bit channels; weights sum to 1000.
			f.Pix[i] = uint8((299*(r>>8) + 587*(g>>8) + 114*(bl>>8)) / 1000)
			i++
		}
	}
	return f
}

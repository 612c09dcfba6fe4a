package frame

import (
	"context"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"sync"

	"github.com/carescan/carescan/internal/scan/failure"
)

// Uploaded images smaller than this cannot hold a locatable symbol.
const minImageDim = 32

// ImageSource yields exactly one frame decoded from a static image, then
// reports ErrExhausted.
type ImageSource struct {
	mu       sync.Mutex
	frame    *Frame
	consumed bool
	closed   bool
}

// ErrExhausted signals that a single-shot source has delivered its frame.
var ErrExhausted = errors.New("frame source exhausted")

// NewImageSource decodes PNG or JPEG data from r. Undecodable or
// implausibly small input reports DecodeSourceInvalid.
func NewImageSource(r io.Reader) (*ImageSource, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, failure.Wrap(failure.DecodeSourceInvalid, "decode image", err)
	}
	b := img.Bounds()
	if b.Dx() < minImageDim || b.Dy() < minImageDim {
		return nil, failure.New(failure.DecodeSourceInvalid, "image too small to scan")
	}
	return &ImageSource{frame: fromImage(img, 1)}, nil
}

func (s *ImageSource) Mode() Mode { return ModeImage }

func (s *ImageSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.consumed {
		return nil, ErrExhausted
	}
	s.consumed = true
	return s.frame, nil
}

func (s *ImageSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.frame = nil
	return nil
}

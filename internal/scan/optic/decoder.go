// Package optic locates and decodes 2D symbols in single frames.
package optic

import (
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/carescan/carescan/internal/scan/frame"
)

// Point is a 2D locator coordinate in frame space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DecodedSymbol is the result of a successful decode of one frame. Corners
// are for transient visual feedback only; no business logic reads them.
type DecodedSymbol struct {
	Text    string   `json:"text"`
	Corners [4]Point `json:"corners"`
}

// Decoder attempts to read a QR symbol out of a luminance frame. It is a
// pure function of the frame: no side effects, nil when nothing is found.
// A Decoder is not safe for concurrent use; each scan loop owns one.
type Decoder struct {
	reader      gozxing.Reader
	tryInverted bool
	hints       map[gozxing.DecodeHintType]interface{}
}

// New returns a decoder with normal color polarity only. Camera frames use
// this variant to keep per-tick latency down.
func New() *Decoder {
	return newDecoder(false)
}

// NewWithInversion returns a decoder that retries each frame with inverted
// luminance when the normal pass finds nothing. Uploaded images may carry
// inverted contrast, so the image path uses this variant.
func NewWithInversion() *Decoder {
	return newDecoder(true)
}

func newDecoder(tryInverted bool) *Decoder {
	return &Decoder{
		reader:      qrcode.NewQRCodeReader(),
		tryInverted: tryInverted,
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

// Decode returns the symbol found in f, or nil. Absence of a symbol is not
// an error; the scan loop calls this at frame rate.
func (d *Decoder) Decode(f *frame.Frame) *DecodedSymbol {
	if f == nil || f.Width == 0 || f.Height == 0 {
		return nil
	}

	src := gozxing.NewLuminanceSourceFromImage(f.Gray())
	if sym := d.decodeSource(src); sym != nil {
		return sym
	}
	if d.tryInverted {
		return d.decodeSource(src.Invert())
	}
	return nil
}

func (d *Decoder) decodeSource(src gozxing.LuminanceSource) *DecodedSymbol {
	bmp, err := gozxing.NewBinaryBitmap(gozxing.NewHybridBinarizer(src))
	if err != nil {
		return nil
	}

	d.reader.Reset()
	result, err := d.reader.Decode(bmp, d.hints)
	if err != nil {
		return nil
	}

	return &DecodedSymbol{
		Text:    result.GetText(),
		Corners: cornersFromPoints(result.GetResultPoints()),
	}
}

// cornersFromPoints normalizes the locator points into four corners. QR
// results usually carry three finder patterns plus an alignment point; with
// only three, the fourth corner of the parallelogram is derived.
func cornersFromPoints(pts []gozxing.ResultPoint) [4]Point {
	var c [4]Point
	n := len(pts)
	if n > 4 {
		n = 4
	}
	for i := 0; i < n; i++ {
		c[i] = Point{X: pts[i].GetX(), Y: pts[i].GetY()}
	}
	if n == 3 {
		c[3] = Point{X: c[0].X + c[2].X - c[1].X, Y: c[0].Y + c[2].Y - c[1].Y}
	}
	return c
}

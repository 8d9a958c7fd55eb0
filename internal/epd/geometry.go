package epd

import "fmt"

// Default panel resolution for the 7.5" black/white panel.
const (
	DefaultWidth  = 800
	DefaultHeight = 480
)

// Geometry describes a 1 bit per pixel panel. Width must be a multiple of 8
// so that a row packs into whole bytes.
type Geometry struct {
	Width  int
	Height int
}

// NewGeometry validates width and height.
func NewGeometry(width, height int) (Geometry, error) {
	if width <= 0 || height <= 0 {
		return Geometry{}, fmt.Errorf("epd: invalid geometry %dx%d", width, height)
	}
	if width%8 != 0 {
		return Geometry{}, fmt.Errorf("epd: width %d is not a multiple of 8", width)
	}
	if width > 0xFFFF || height > 0xFFFF {
		return Geometry{}, fmt.Errorf("epd: geometry %dx%d exceeds 16-bit resolution registers", width, height)
	}
	return Geometry{Width: width, Height: height}, nil
}

// DefaultGeometry is the 800x480 target panel.
func DefaultGeometry() Geometry {
	return Geometry{Width: DefaultWidth, Height: DefaultHeight}
}

// RowBytes is the number of bytes per pixel row.
func (g Geometry) RowBytes() int {
	return g.Width / 8
}

// FrameSize is the exact length of a full frame buffer.
func (g Geometry) FrameSize() int {
	return g.Height * g.RowBytes()
}

// resolution encodes the TCON resolution register payload: source count then
// gate count, both big-endian 16-bit.
func (g Geometry) resolution() []byte {
	return []byte{
		byte(g.Width >> 8), byte(g.Width),
		byte(g.Height >> 8), byte(g.Height),
	}
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d", g.Width, g.Height)
}

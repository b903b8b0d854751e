// Package raster holds the off-screen framebuffer of a tri-color e-paper
// panel in the panel's native encoding: two parallel 1bpp planes, a primary
// (black vs. white) plane and an accent (red vs. not red) plane.
package raster

import (
	"errors"
	"fmt"
	"image/color"
)

// Color is one of the three inks a tri-color panel can show.
type Color uint8

const (
	White Color = iota
	Black
	Red
)

func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Black:
		return "black"
	case Red:
		return "red"
	default:
		return fmt.Sprintf("Color(%d)", uint8(c))
	}
}

// RGBA implements color.Color.
func (c Color) RGBA() (r, g, b, a uint32) {
	switch c {
	case Black:
		return 0, 0, 0, 0xFFFF
	case Red:
		return 0xFFFF, 0, 0, 0xFFFF
	default:
		return 0xFFFF, 0xFFFF, 0xFFFF, 0xFFFF
	}
}

// Model converts arbitrary colors to the nearest panel Color.
var Model = color.ModelFunc(toColor)

func toColor(c color.Color) color.Color {
	if pc, ok := c.(Color); ok {
		return pc
	}
	return Classify(c)
}

// Classify maps a color onto the three panel inks.
//
// Thresholds (empirical, tuned for screenshots and line art):
//   - alpha < 50%                     → white
//   - luma Y = 0.299R+0.587G+0.114B < 64 → black
//   - R > 128 and R - max(G,B) > 32   → red
//   - everything else                 → white
func Classify(c color.Color) Color {
	r16, g16, b16, a16 := c.RGBA()
	if a16 < 0x8000 {
		return White
	}
	// Un-premultiply to 8-bit.
	r := float64(r16*0xFFFF/a16) / 257
	g := float64(g16*0xFFFF/a16) / 257
	b := float64(b16*0xFFFF/a16) / 257

	y := 0.299*r + 0.587*g + 0.114*b
	if y < 64 {
		return Black
	}

	maxGB := g
	if b > maxGB {
		maxGB = b
	}
	if r > 128 && r-maxGB > 32 {
		return Red
	}
	return White
}

// Cell is the pair of plane bits that encodes one Color.
type Cell struct {
	Primary bool `yaml:"primary" json:"primary"`
	Accent  bool `yaml:"accent" json:"accent"`
}

// Encoding maps each Color to its plane bits. It is a property of the panel
// model; the three cells must be distinct.
type Encoding struct {
	White Cell `yaml:"white" json:"white"`
	Black Cell `yaml:"black" json:"black"`
	Red   Cell `yaml:"red" json:"red"`
}

// DefaultEncoding matches UC81xx-style tri-color controllers: the first
// plane is 1 for white and 0 for black ink, the second plane is 1 where red
// ink should appear.
var DefaultEncoding = Encoding{
	White: Cell{Primary: true, Accent: false},
	Black: Cell{Primary: false, Accent: false},
	Red:   Cell{Primary: true, Accent: true},
}

// ErrInvalidEncoding is returned when two colors share the same cell.
var ErrInvalidEncoding = errors.New("raster: encoding cells must be distinct")

// Validate reports whether every color is distinguishable.
func (e Encoding) Validate() error {
	if e.White == e.Black || e.White == e.Red || e.Black == e.Red {
		return ErrInvalidEncoding
	}
	return nil
}

// cell returns the plane bits for c. Values outside the three inks encode
// as white.
func (e Encoding) cell(c Color) Cell {
	switch c {
	case Black:
		return e.Black
	case Red:
		return e.Red
	default:
		return e.White
	}
}

// decode is total: the fourth bit combination is never written, but if it
// shows up (e.g. planes loaded from a dump) it reads back as white.
func (e Encoding) decode(cl Cell) Color {
	switch cl {
	case e.Black:
		return Black
	case e.Red:
		return Red
	default:
		return White
	}
}

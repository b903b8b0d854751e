package raster

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

// ErrInvalidGeometry is returned for non-positive panel dimensions.
var ErrInvalidGeometry = errors.New("raster: invalid geometry")

// Geometry is the fixed pixel size of one panel model.
type Geometry struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// Stride is the number of bytes per plane row.
func (g Geometry) Stride() int {
	return (g.Width + 7) / 8
}

// PlaneLen is the byte length of one plane: ceil(Width/8) * Height.
func (g Geometry) PlaneLen() int {
	return g.Stride() * g.Height
}

// Contains reports whether (x, y) is a pixel of the panel.
func (g Geometry) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < g.Width && y < g.Height
}

// Validate rejects zero or negative dimensions.
func (g Geometry) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, g.Width, g.Height)
	}
	return nil
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d", g.Width, g.Height)
}

// Store is a two-plane framebuffer for one full panel.
//
// Layout of both planes: row-major, MSB-first within a byte,
//
//	byteIndex = y*Stride + x>>3
//	mask      = 0x80 >> (x & 7)
//
// Padding bits at the end of a row (Width not a multiple of 8) always carry
// the encoding of White.
type Store struct {
	geo     Geometry
	enc     Encoding
	primary []byte
	accent  []byte
}

// NewStore allocates a store cleared to White.
func NewStore(g Geometry, e Encoding) (*Store, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		geo:     g,
		enc:     e,
		primary: make([]byte, g.PlaneLen()),
		accent:  make([]byte, g.PlaneLen()),
	}
	s.Clear(White)
	return s, nil
}

// Geometry returns the panel size the store was built for.
func (s *Store) Geometry() Geometry {
	return s.geo
}

// Encoding returns the plane encoding.
func (s *Store) Encoding() Encoding {
	return s.enc
}

// SetPixel writes c at (x, y). Coordinates outside the panel are ignored.
// A c other than White, Black or Red is written as White.
func (s *Store) SetPixel(x, y int, c Color) {
	if !s.geo.Contains(x, y) {
		return
	}
	i, mask := s.offset(x, y)
	cl := s.enc.cell(c)
	setBit(s.primary, i, mask, cl.Primary)
	setBit(s.accent, i, mask, cl.Accent)
}

// Pixel decodes the color at (x, y). Outside the panel it reports White.
func (s *Store) Pixel(x, y int) Color {
	if !s.geo.Contains(x, y) {
		return White
	}
	i, mask := s.offset(x, y)
	return s.enc.decode(Cell{
		Primary: s.primary[i]&mask != 0,
		Accent:  s.accent[i]&mask != 0,
	})
}

// Clear sets every pixel to c.
func (s *Store) Clear(c Color) {
	cl := s.enc.cell(c)
	fill(s.primary, cl.Primary)
	fill(s.accent, cl.Accent)
	if c != White {
		s.whitePadding()
	}
}

// Planes returns the primary and accent planes. The slices alias the store
// and must not be modified or retained across writes.
func (s *Store) Planes() (primary, accent []byte) {
	return s.primary, s.accent
}

// Load replaces the store content with already-encoded planes.
func (s *Store) Load(primary, accent []byte) error {
	if len(primary) != len(s.primary) || len(accent) != len(s.accent) {
		return fmt.Errorf("%w: plane size %d/%d, want %d",
			ErrInvalidGeometry, len(primary), len(accent), len(s.primary))
	}
	copy(s.primary, primary)
	copy(s.accent, accent)
	return nil
}

// ColorModel implements image.Image.
func (s *Store) ColorModel() color.Model {
	return Model
}

// Bounds implements image.Image.
func (s *Store) Bounds() image.Rectangle {
	return image.Rect(0, 0, s.geo.Width, s.geo.Height)
}

// At implements image.Image.
func (s *Store) At(x, y int) color.Color {
	return s.Pixel(x, y)
}

// Set implements draw.Image.
func (s *Store) Set(x, y int, c color.Color) {
	s.SetPixel(x, y, Model.Convert(c).(Color))
}

func (s *Store) offset(x, y int) (int, byte) {
	return y*s.geo.Stride() + x>>3, byte(0x80 >> uint(x&7))
}

// whitePadding keeps the unused low bits of the last byte in each row at
// the White encoding so that plane bytes stay comparable across writes.
func (s *Store) whitePadding() {
	rem := s.geo.Width & 7
	if rem == 0 {
		return
	}
	pad := byte(0xFF >> uint(rem))
	w := s.enc.White
	stride := s.geo.Stride()
	for y := 0; y < s.geo.Height; y++ {
		i := y*stride + stride - 1
		setBit(s.primary, i, pad, w.Primary)
		setBit(s.accent, i, pad, w.Accent)
	}
}

func setBit(plane []byte, i int, mask byte, on bool) {
	if on {
		plane[i] |= mask
	} else {
		plane[i] &^= mask
	}
}

func fill(plane []byte, on bool) {
	var v byte
	if on {
		v = 0xFF
	}
	for i := range plane {
		plane[i] = v
	}
}

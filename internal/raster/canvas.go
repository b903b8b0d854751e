package raster

// Canvas is everything an external rasterizer may know about the panel: it
// can set one pixel to one of the three inks and ask for the panel size.
// The bit-plane encoding stays behind this interface.
type Canvas interface {
	SetPixel(x, y int, c Color)
	Geometry() Geometry
}

var _ Canvas = (*Store)(nil)

// Fill paints the rectangle [x0,x1)×[y0,y1) on any Canvas, clipped to the
// panel.
func Fill(cv Canvas, x0, y0, x1, y1 int, c Color) {
	g := cv.Geometry()
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > g.Width {
		x1 = g.Width
	}
	if y1 > g.Height {
		y1 = g.Height
	}
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			cv.SetPixel(x, y, c)
		}
	}
}

// Package convert turns arbitrary images into tri-color pixels on a
// raster.Canvas.
package convert

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/MaxHalford/halfgone"
	"github.com/disintegration/imaging"

	"epdframe/internal/raster"
)

// Options controls how a source image is mapped onto the panel.
type Options struct {
	// Rotate is 0, 90, 180 or 270 degrees counter-clockwise, applied first.
	Rotate int
	// Fit shrinks the image to fit inside the panel, centered on white.
	// When false the image is scaled to cover the panel and center-cropped.
	Fit bool
	// Dither applies Floyd-Steinberg error diffusion to the non-red pixels
	// so gradients come out as black/white patterns instead of hard
	// thresholds.
	Dither bool
}

var ErrNilImage = errors.New("convert: image is nil")

// Draw renders img onto dst.
//
// Behavior:
//
//   - the image is rotated, then fitted or center-cropped to the canvas
//     geometry (no resampling when the size already matches)
//   - every pixel is classified with raster.Classify:
//     transparent (alpha < 128) → white, very dark → black,
//     clearly red → red, everything else → white
//   - with Dither, pixels not classified red become black or white from the
//     dithered luma instead of the fixed luma threshold
//
// Only dst.SetPixel is used; the plane encoding stays hidden.
func Draw(dst raster.Canvas, img image.Image, opts Options) error {
	if img == nil {
		return ErrNilImage
	}
	g := dst.Geometry()
	if err := g.Validate(); err != nil {
		return err
	}

	src, err := prepare(img, g, opts)
	if err != nil {
		return err
	}

	var dithered *image.Gray
	if opts.Dither {
		gray := image.NewGray(src.Bounds())
		draw.Draw(gray, gray.Bounds(), src, src.Bounds().Min, draw.Src)
		dithered = halfgone.FloydSteinbergDitherer{}.Apply(gray)
	}

	b := src.Bounds()
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			i := src.PixOffset(b.Min.X+x, b.Min.Y+y)
			px := color.NRGBA{R: src.Pix[i], G: src.Pix[i+1], B: src.Pix[i+2], A: src.Pix[i+3]}

			c := raster.Classify(px)
			if dithered != nil && c != raster.Red && px.A >= 128 {
				c = raster.White
				if dithered.GrayAt(x, y).Y < 128 {
					c = raster.Black
				}
			}
			dst.SetPixel(x, y, c)
		}
	}
	return nil
}

// prepare returns an NRGBA image of exactly the canvas size.
func prepare(img image.Image, g raster.Geometry, opts Options) (*image.NRGBA, error) {
	switch opts.Rotate {
	case 0:
	case 90:
		img = imaging.Rotate90(img)
	case 180:
		img = imaging.Rotate180(img)
	case 270:
		img = imaging.Rotate270(img)
	default:
		return nil, fmt.Errorf("convert: unsupported rotation %d", opts.Rotate)
	}

	b := img.Bounds()
	if b.Dx() == g.Width && b.Dy() == g.Height {
		return imaging.Clone(img), nil
	}
	if b.Empty() {
		return nil, fmt.Errorf("convert: empty image %v", b)
	}

	if !opts.Fit {
		return imaging.Fill(img, g.Width, g.Height, imaging.Center, imaging.Lanczos), nil
	}
	fitted := imaging.Fit(img, g.Width, g.Height, imaging.Lanczos)
	bg := imaging.New(g.Width, g.Height, color.White)
	return imaging.PasteCenter(bg, fitted), nil
}

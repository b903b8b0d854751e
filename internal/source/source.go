// Package source produces the images shown on the panel.
package source

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"epdframe/internal/capture"
	"epdframe/internal/config"
	"epdframe/internal/raster"
)

// Source renders one frame for a panel of the given geometry. The returned
// image need not match the geometry; convert.Draw fits it.
type Source interface {
	Frame(ctx context.Context, g raster.Geometry) (image.Image, error)
	String() string
}

// New builds the source selected by cfg.
func New(cfg config.SourceConfig) (Source, error) {
	switch cfg.Kind {
	case config.SourcePattern, "":
		return &Pattern{Label: cfg.Label}, nil
	case config.SourceFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("source: kind %q needs a path", cfg.Kind)
		}
		return &File{Path: cfg.Path}, nil
	case config.SourceURL:
		if cfg.URL == "" {
			return nil, fmt.Errorf("source: kind %q needs a url", cfg.Kind)
		}
		return &URL{
			URL:          cfg.URL,
			WaitSelector: cfg.WaitSelector,
			Settle:       cfg.Settle,
		}, nil
	case config.SourceImage:
		if cfg.URL == "" {
			return nil, fmt.Errorf("source: kind %q needs a url", cfg.Kind)
		}
		return &Image{URL: cfg.URL, CacheDir: cfg.CacheDir}, nil
	default:
		return nil, fmt.Errorf("source: unknown kind %q", cfg.Kind)
	}
}

// Pattern is a built-in test image: a black border, a black and a red bar,
// and a text label.
type Pattern struct {
	Label string
}

const patternBorder = 2

func (p *Pattern) String() string { return "pattern" }

func (p *Pattern) Frame(_ context.Context, g raster.Geometry) (image.Image, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	img := image.NewNRGBA(image.Rect(0, 0, g.Width, g.Height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	black := image.NewUniform(color.Black)
	red := image.NewUniform(raster.Red)

	// Border.
	b := img.Bounds()
	inner := b.Inset(patternBorder)
	for _, r := range []image.Rectangle{
		image.Rect(b.Min.X, b.Min.Y, b.Max.X, inner.Min.Y),
		image.Rect(b.Min.X, inner.Max.Y, b.Max.X, b.Max.Y),
		image.Rect(b.Min.X, b.Min.Y, inner.Min.X, b.Max.Y),
		image.Rect(inner.Max.X, b.Min.Y, b.Max.X, b.Max.Y),
	} {
		draw.Draw(img, r, black, image.Point{}, draw.Src)
	}

	// Bars: the middle third of the panel height, split left black and right red.
	if inner.Dx() > 0 && inner.Dy() > 0 {
		top := inner.Min.Y + inner.Dy()/3
		bottom := inner.Min.Y + 2*inner.Dy()/3
		mid := inner.Min.X + inner.Dx()/2
		draw.Draw(img, image.Rect(inner.Min.X, top, mid, bottom), black, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(mid, top, inner.Max.X, bottom), red, image.Point{}, draw.Src)
	}

	label := p.Label
	if label == "" {
		label = g.String()
	}
	face := basicfont.Face7x13
	metrics := face.Metrics()
	drawer := font.Drawer{
		Dst:  img,
		Src:  black,
		Face: face,
		Dot:  fixed.P(inner.Min.X+2, inner.Min.Y+metrics.Ascent.Ceil()+1),
	}
	drawer.DrawString(label)

	return img, nil
}

// File shows an image file. EXIF orientation is honoured.
type File struct {
	Path string
}

func (f *File) String() string { return "file " + f.Path }

func (f *File) Frame(_ context.Context, _ raster.Geometry) (image.Image, error) {
	img, err := imaging.Open(f.Path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", f.Path, err)
	}
	return img, nil
}

// ScreenshotFunc captures a page as encoded image bytes.
type ScreenshotFunc func(ctx context.Context, opts capture.Options) ([]byte, error)

// URL shows a web page rendered by headless Chromium at the panel size.
type URL struct {
	URL          string
	WaitSelector string
	Settle       time.Duration

	// Screenshot defaults to capture.Screenshot.
	Screenshot ScreenshotFunc
}

func (u *URL) String() string { return "url " + u.URL }

func (u *URL) Frame(ctx context.Context, g raster.Geometry) (image.Image, error) {
	shoot := u.Screenshot
	if shoot == nil {
		shoot = capture.Screenshot
	}
	data, err := shoot(ctx, capture.Options{
		URL:          u.URL,
		Width:        g.Width,
		Height:       g.Height,
		WaitSelector: u.WaitSelector,
		Settle:       u.Settle,
	})
	if err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("source: decode screenshot of %s: %w", u.URL, err)
	}
	return img, nil
}

package capture

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/chromedp"
)

// Default capture parameters.
const (
	DefaultTimeout = 30 * time.Second
	DefaultSettle  = 500 * time.Millisecond
)

// Options defines parameters for a Chromium-based screenshot capture.
type Options struct {
	// URL to capture, e.g. "http://127.0.0.1:3000/dashboard".
	URL string

	// Width and Height are the viewport dimensions in pixels, normally the
	// panel geometry (after rotation).
	Width  int
	Height int

	// WaitSelector, if set, must become visible before the screenshot,
	// e.g. `[data-ready="true"]`.
	WaitSelector string

	// Settle is an extra delay for final paints. Zero uses DefaultSettle;
	// a negative value disables it.
	Settle time.Duration

	// Timeout bounds the entire capture operation. Zero uses DefaultTimeout.
	Timeout time.Duration
}

func (o *Options) validate() error {
	if o.URL == "" {
		return fmt.Errorf("capture: URL is required")
	}
	if o.Width <= 0 || o.Height <= 0 {
		return fmt.Errorf("capture: invalid viewport %dx%d", o.Width, o.Height)
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Settle == 0 {
		o.Settle = DefaultSettle
	}
	return nil
}

// tasks is the chromedp action list for one screenshot.
func (o *Options) tasks(png *[]byte) chromedp.Tasks {
	t := chromedp.Tasks{
		chromedp.EmulateViewport(int64(o.Width), int64(o.Height)),
		chromedp.Navigate(o.URL),
	}
	if o.WaitSelector != "" {
		t = append(t, chromedp.WaitVisible(o.WaitSelector, chromedp.ByQuery))
	}
	if o.Settle > 0 {
		t = append(t, chromedp.Sleep(o.Settle))
	}
	// Quality 100 makes chromedp return a lossless PNG.
	return append(t, chromedp.FullScreenshot(png, 100))
}

// Screenshot launches (or attaches to) a headless Chromium instance via
// chromedp, navigates to opts.URL, optionally waits for opts.WaitSelector
// and returns a full-page PNG.
//
// The result is a full-color screenshot; conversion to panel colors is left
// to the caller.
func Screenshot(parentCtx context.Context, opts Options) ([]byte, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	var png []byte
	if err := chromedp.Run(ctx, opts.tasks(&png)); err != nil {
		return nil, fmt.Errorf("capture: chromedp run failed: %w", err)
	}
	return png, nil
}

// ScreenshotToFile is Screenshot followed by a write to path.
func ScreenshotToFile(ctx context.Context, opts Options, path string) error {
	if path == "" {
		return fmt.Errorf("capture: output path is required")
	}
	png, err := Screenshot(ctx, opts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return fmt.Errorf("capture: failed to write PNG: %w", err)
	}
	return nil
}

package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"
	"time"

	"github.com/chromedp/chromedp"
)

// Default capture parameters. The viewport matches the e-paper panel so
// the /calendar page lays itself out at panel resolution.
const (
	DefaultWidth      = 400
	DefaultHeight     = 300
	DefaultTimeoutSec = 30
)

// CaptureOptions defines parameters for a Chromium-based screenshot capture.
type CaptureOptions struct {
	// URL to capture, e.g. "http://127.0.0.1:8080/calendar".
	URL string

	// OutputPath, when non-empty, additionally writes the PNG screenshot
	// to disk, e.g. "/var/lib/inkcal/capture.png".
	OutputPath string

	// Width and Height are the viewport dimensions in pixels. If zero,
	// DefaultWidth / DefaultHeight are used.
	Width  int
	Height int

	// Timeout bounds the entire capture operation. If zero, a sane default
	// (DefaultTimeoutSec) is used.
	Timeout time.Duration
}

func (o *CaptureOptions) withDefaults() {
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Duration(DefaultTimeoutSec) * time.Second
	}
}

// CaptureFrame launches a headless Chromium via chromedp, navigates to
// opts.URL, waits for the page to signal readiness, and returns the
// screenshot as an NRGBA image sized exactly Width x Height, ready for
// mono packing. When opts.OutputPath is set the raw PNG is also written
// there for debugging.
//
// Rendering-complete condition: the page root exposes
// <div data-ready="true" ...>; capture waits until that selector is
// visible.
func CaptureFrame(parentCtx context.Context, opts CaptureOptions) (*image.NRGBA, error) {
	data, err := capturePNG(parentCtx, opts)
	if err != nil {
		return nil, err
	}
	opts.withDefaults()
	return frameFromPNG(data, opts.Width, opts.Height)
}

// CaptureCalendarPNG captures opts.URL and writes the PNG to
// opts.OutputPath. Used by the web preview endpoint where the browser
// consumes the PNG directly.
func CaptureCalendarPNG(parentCtx context.Context, opts CaptureOptions) error {
	if opts.OutputPath == "" {
		return fmt.Errorf("capture: OutputPath is required")
	}
	_, err := capturePNG(parentCtx, opts)
	return err
}

func capturePNG(parentCtx context.Context, opts CaptureOptions) ([]byte, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("capture: URL is required")
	}
	opts.withDefaults()

	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()

	// Apply timeout to the entire capture sequence.
	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	var data []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		chromedp.Navigate(opts.URL),
		// Wait until the page signals that it has finished loading data
		// and rendering via data-ready="true".
		chromedp.WaitVisible(`[data-ready="true"]`, chromedp.ByQuery),
		// Small extra delay to allow final paints.
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.FullScreenshot(&data, 100),
	}

	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("capture: chromedp run failed: %w", err)
	}

	if opts.OutputPath != "" {
		if err := os.WriteFile(opts.OutputPath, data, 0o644); err != nil {
			return nil, fmt.Errorf("capture: failed to write PNG: %w", err)
		}
	}

	return data, nil
}

// frameFromPNG decodes a screenshot and normalizes it onto a white
// width x height NRGBA canvas. Oversized screenshots are cropped at the
// top-left, undersized ones leave the remainder white.
func frameFromPNG(data []byte, width, height int) (*image.NRGBA, error) {
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("capture: decode PNG: %w", err)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Over)
	return dst, nil
}

package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"

	appLog "subdash/internal/log"
	"subdash/internal/ui"
)

// Default capture parameters.
const (
	DefaultNarrowWidth = 375
	DefaultWideWidth   = 1280
	DefaultHeight      = 900
	DefaultTimeoutSec  = 30
)

// CaptureOptions defines parameters for a Chromium-based screenshot capture.
type CaptureOptions struct {
	// URL to capture, e.g. "http://127.0.0.1:8080/calendar".
	URL string

	// OutputPath is where the PNG screenshot will be written.
	OutputPath string

	// Width and Height are the viewport dimensions in pixels.
	Width  int
	Height int

	// Timeout bounds the entire capture operation. If zero, a sane default
	// (DefaultTimeoutSec) is used.
	Timeout time.Duration
}

func (o *CaptureOptions) normalize() error {
	if o.URL == "" {
		return fmt.Errorf("capture: URL is required")
	}
	if o.OutputPath == "" {
		return fmt.Errorf("capture: OutputPath is required")
	}
	if o.Width <= 0 {
		o.Width = DefaultWideWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Duration(DefaultTimeoutSec) * time.Second
	}
	return nil
}

// CapturePNG navigates headless Chromium to opts.URL, waits for the page to
// mark itself ready with data-ready="true", and writes a full-page PNG.
func CapturePNG(parentCtx context.Context, opts CaptureOptions) error {
	if err := opts.normalize(); err != nil {
		return err
	}

	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	var png []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		chromedp.Navigate(opts.URL),
		chromedp.WaitVisible(`[data-ready="true"]`, chromedp.ByQuery),
		// Tailwind's CDN build styles the page after load.
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.FullScreenshot(&png, 100),
	}

	if err := chromedp.Run(ctx, tasks); err != nil {
		return fmt.Errorf("capture: chromedp run failed: %w", err)
	}

	if err := os.WriteFile(opts.OutputPath, png, 0o644); err != nil {
		return fmt.Errorf("capture: failed to write PNG: %w", err)
	}
	return nil
}

// Shot is one planned screenshot.
type Shot struct {
	Width  int
	Layout ui.Layout
	Path   string
}

// PlanLayouts returns one shot per header layout: narrow (stacked) and wide
// (inline). Widths on the wrong side of ui.Breakpoint are an error.
func PlanLayouts(outDir string, narrow, wide int) ([]Shot, error) {
	if narrow <= 0 {
		narrow = DefaultNarrowWidth
	}
	if wide <= 0 {
		wide = DefaultWideWidth
	}
	if ui.LayoutFor(narrow) != ui.LayoutStacked {
		return nil, fmt.Errorf("capture: narrow width %d is not below the %dpx breakpoint", narrow, ui.Breakpoint)
	}
	if ui.LayoutFor(wide) != ui.LayoutInline {
		return nil, fmt.Errorf("capture: wide width %d is below the %dpx breakpoint", wide, ui.Breakpoint)
	}
	shots := make([]Shot, 0, 2)
	for _, w := range []int{narrow, wide} {
		l := ui.LayoutFor(w)
		shots = append(shots, Shot{
			Width:  w,
			Layout: l,
			Path:   filepath.Join(outDir, fmt.Sprintf("calendar-%s-%d.png", l, w)),
		})
	}
	return shots, nil
}

// CaptureLayouts takes the planned screenshots of url and returns the files
// written.
func CaptureLayouts(ctx context.Context, url, outDir string, narrow, wide, height int, timeout time.Duration) ([]string, error) {
	shots, err := PlanLayouts(outDir, narrow, wide)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(shots))
	for _, s := range shots {
		appLog.Info("capture start", "url", url, "width", s.Width, "layout", s.Layout.String())
		err := CapturePNG(ctx, CaptureOptions{
			URL:        url,
			OutputPath: s.Path,
			Width:      s.Width,
			Height:     height,
			Timeout:    timeout,
		})
		if err != nil {
			return paths, err
		}
		paths = append(paths, s.Path)
	}
	return paths, nil
}

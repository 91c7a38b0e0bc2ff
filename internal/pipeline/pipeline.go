// Package pipeline runs the refresh cycle end to end: fetch the
// configured ICS feeds, expand them into occurrences, compose display
// content and hand it to the refresh orchestrator. A single-slot queue
// decouples content building from panel dispatch; when builds outpace
// the panel only the newest content reaches the glass.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"inkcal/internal/battery"
	"inkcal/internal/capture"
	"inkcal/internal/config"
	"inkcal/internal/ics"
	appLog "inkcal/internal/log"
	"inkcal/internal/refresh"
	"inkcal/internal/render"
)

// backfillDays is how far back the expansion window reaches, so events
// already in progress (including cross-midnight ones) stay visible.
const backfillDays = 1

// Submitter is the slice of the refresh orchestrator the runner needs.
type Submitter interface {
	Submit(ctx context.Context, c refresh.Content) (refresh.Strategy, error)
}

// Deps carries the collaborators a Runner is built from.
type Deps struct {
	Cfg          *config.Config
	Layout       *refresh.Layout
	Orchestrator Submitter

	// Battery feeds the status section. Nil when no reader is present.
	Battery battery.Reader

	// Now substitutes the time source. Nil means time.Now.
	Now func() time.Time
}

// Runner owns the fetch→expand→render→submit cycle.
type Runner struct {
	cfg     *config.Config
	layout  *refresh.Layout
	orch    Submitter
	batt    battery.Reader
	fetcher *ics.Fetcher
	loc     *time.Location
	now     func() time.Time

	// frameFn, when set, replaces the text-drawn frame with one from
	// the chromium capture renderer. Section texts still drive change
	// detection either way.
	frameFn func(ctx context.Context) (*image.NRGBA, error)

	previewPath string

	trigger chan struct{}

	// Single-slot queue between building and dispatching. A newer
	// content replaces one that has not reached the panel yet.
	mu      sync.Mutex
	pending *refresh.Content
	wake    chan struct{}
}

// NewRunner builds a Runner from its dependencies.
func NewRunner(d Deps) (*Runner, error) {
	if d.Cfg == nil {
		return nil, errors.New("pipeline: config is required")
	}
	if d.Layout == nil {
		return nil, errors.New("pipeline: layout is required")
	}
	if d.Orchestrator == nil {
		return nil, errors.New("pipeline: orchestrator is required")
	}

	now := d.Now
	if now == nil {
		now = time.Now
	}

	r := &Runner{
		cfg:         d.Cfg,
		layout:      d.Layout,
		orch:        d.Orchestrator,
		batt:        d.Battery,
		fetcher:     ics.NewFetcher(filepath.Join(d.Cfg.StateDir, "ics-cache")),
		loc:         resolveLocation(d.Cfg.Timezone),
		now:         now,
		previewPath: filepath.Join(d.Cfg.StateDir, "preview.png"),
		trigger:     make(chan struct{}, 1),
		wake:        make(chan struct{}, 1),
	}

	if d.Cfg.Renderer.Mode == "capture" {
		url := captureURL(d.Cfg)
		r.frameFn = func(ctx context.Context) (*image.NRGBA, error) {
			return capture.CaptureFrame(ctx, capture.CaptureOptions{
				URL:    url,
				Width:  d.Cfg.Display.Width,
				Height: d.Cfg.Display.Height,
			})
		}
	}

	return r, nil
}

// Location returns the display timezone.
func (r *Runner) Location() *time.Location { return r.loc }

// TriggerRefresh asks for a refresh cycle without waiting for it.
// Requests arriving while one is already queued coalesce into a single
// build.
func (r *Runner) TriggerRefresh() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// RunOnce executes one synchronous cycle and reports the strategy the
// orchestrator chose.
func (r *Runner) RunOnce(ctx context.Context) (refresh.Strategy, error) {
	c, err := r.buildContent(ctx)
	if err != nil {
		return refresh.StrategySkip, err
	}
	return r.orch.Submit(ctx, c)
}

// RenderOnce builds display content without touching the panel.
func (r *Runner) RenderOnce(ctx context.Context) (refresh.Content, error) {
	return r.buildContent(ctx)
}

// Start runs the build and dispatch loops until ctx is canceled. An
// initial cycle is triggered so the panel paints shortly after boot.
func (r *Runner) Start(ctx context.Context) {
	r.TriggerRefresh()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.dispatchLoop(ctx)
	}()
	r.buildLoop(ctx)
	wg.Wait()
}

func (r *Runner) buildLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.trigger:
		}

		c, err := r.buildContent(ctx)
		if err != nil {
			// Keep whatever the panel shows; a stale calendar beats a
			// blank one.
			appLog.Error("refresh build failed", err)
			continue
		}
		r.enqueue(c)
	}
}

func (r *Runner) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
		for {
			c, ok := r.takePending()
			if !ok {
				break
			}
			// Submit logs and journals its own failures.
			_, _ = r.orch.Submit(ctx, c)
		}
	}
}

func (r *Runner) enqueue(c refresh.Content) {
	r.mu.Lock()
	r.pending = &c
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) takePending() (refresh.Content, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return refresh.Content{}, false
	}
	c := *r.pending
	r.pending = nil
	return c, true
}

// buildContent performs the fetch→expand→render half of a cycle.
func (r *Runner) buildContent(ctx context.Context) (refresh.Content, error) {
	now := r.now().In(r.loc)

	result, err := r.Expand(ctx, now.AddDate(0, 0, -backfillDays), now.AddDate(0, 0, r.cfg.HorizonDays))
	if err != nil {
		return refresh.Content{}, err
	}

	st := render.State{
		Now:     now,
		Events:  result.Occurrences,
		Battery: r.readBattery(ctx),
	}
	content := render.Compose(st, r.layout)

	if r.frameFn != nil {
		// A text-drawn fallback would mix with chromium-rendered pixels
		// on the next partial repaint, so a capture failure fails the
		// whole build instead.
		frame, err := r.frameFn(ctx)
		if err != nil {
			return refresh.Content{}, fmt.Errorf("pipeline: capture frame: %w", err)
		}
		content.Frame = frame
	}

	if r.previewPath != "" {
		if err := writePreview(r.previewPath, content.Frame); err != nil {
			appLog.Error("preview write failed", err, "path", r.previewPath)
		}
	}

	return content, nil
}

// Expand fetches the configured sources and expands their events into
// [rangeStart, rangeEnd], normalized to the display timezone. Sources
// that fail to fetch or parse are logged and skipped; the call fails
// only when every configured source failed.
func (r *Runner) Expand(ctx context.Context, rangeStart, rangeEnd time.Time) (ics.ExpandResult, error) {
	sources := icsSources(r.cfg.ICS)
	if len(sources) == 0 {
		return ics.ExpandResult{}, nil
	}

	// Fetch failures are logged per source inside FetchAll; here only
	// the all-sources-down case is fatal.
	results, errs := r.fetcher.FetchAll(ctx, sources)
	if len(results) == 0 {
		return ics.ExpandResult{}, fmt.Errorf("pipeline: all %d calendar sources failed: %w", len(sources), errs[0])
	}

	parsed := make([]ics.ParsedEvent, 0)
	for _, res := range results {
		events, err := ics.ParseICS(res.Source, res.Body)
		if err != nil {
			appLog.Error("calendar parse failed", err, "id", res.Source.ID)
			continue
		}
		parsed = append(parsed, events...)
	}

	return ics.ExpandOccurrences(parsed, ics.ExpandConfig{
		DisplayLocation: r.loc,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
	})
}

// readBattery returns the charge percent, or -1 when no reader is
// configured or the read fails; the status section then omits battery.
func (r *Runner) readBattery(ctx context.Context) int {
	if r.batt == nil {
		return -1
	}
	st, err := r.batt.Read(ctx)
	if err != nil {
		appLog.Error("battery read failed", err)
		return -1
	}
	return st.Percent
}

// icsSources converts configured subscriptions into fetcher sources,
// dropping entries without a URL.
func icsSources(cfgs []config.ICSConfig) []ics.Source {
	out := make([]ics.Source, 0, len(cfgs))
	for _, c := range cfgs {
		if c.URL == "" {
			continue
		}
		id := c.ID
		if id == "" {
			if c.Name != "" {
				id = c.Name
			} else {
				id = c.URL
			}
		}
		out = append(out, ics.Source{ID: id, URL: c.URL})
	}
	return out
}

func captureURL(cfg *config.Config) string {
	if cfg.Renderer.CaptureURL != "" {
		return cfg.Renderer.CaptureURL
	}
	listen := cfg.Listen
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen + "/calendar"
}

func resolveLocation(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

// writePreview atomically replaces the preview PNG with the frame.
func writePreview(path string, frame *image.NRGBA) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := png.Encode(f, frame); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Package refresh decides, for every content update, whether the e-ink
// panel performs a full refresh, a partial refresh of the changed regions
// only, or nothing at all. Full refreshes clear ghosting but take seconds
// and flash visibly; partial refreshes are quick but accumulate artifacts.
// The orchestrator diffs new content against the last displayed snapshot,
// coalesces the changed regions, applies the refresh policy and drives the
// panel accordingly.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	appLog "inkcal/internal/log"
)

// Driver is the hardware interface the orchestrator dispatches to. All
// calls are synchronous and may block for the panel's refresh duration
// (multi-second for full, sub-second for partial). PartialUpdate receives
// the whole frame; the driver transmits only the window covered by r.
type Driver interface {
	Initialize(ctx context.Context) error
	FullUpdate(ctx context.Context, frame image.Image) error
	PartialUpdate(ctx context.Context, r Region, frame image.Image) error
	Sleep() error
	Wake(ctx context.Context) error
}

// CycleRecord describes one completed decision cycle, successful or not.
type CycleRecord struct {
	At          time.Time
	Strategy    Strategy
	Regions     int
	ChangedArea int
	Duration    time.Duration
	Err         string
}

// Totals counts cycles by outcome since the orchestrator was created.
type Totals struct {
	Full    uint64
	Partial uint64
	Skip    uint64
	Failed  uint64
}

// Orchestrator owns the refresh pipeline for exactly one physical panel:
// the stored snapshot, the refresh history and the driver handle. Cycles
// are strictly serialized; a panel has a single busy line and overlapping
// updates are undefined. For multiple panels, build one orchestrator per
// panel; history and snapshots must never be shared.
type Orchestrator struct {
	mu       sync.Mutex
	driver   Driver
	layout   *Layout
	detector *Detector
	policy   *Policy
	now      func() time.Time
	onCycle  func(CycleRecord)
	sleeps   bool

	snap *Snapshot
	hist History

	// Mirrors of cycle state for non-blocking status reads; Submit holds
	// mu for the whole cycle, including multi-second driver calls.
	statMu   sync.RWMutex
	last     CycleRecord
	cycles   uint64
	totals   Totals
	histSnap History
}

// Option adjusts an orchestrator at construction time.
type Option func(*Orchestrator)

// WithPolicy replaces the default policy (built from the layout geometry
// with default thresholds).
func WithPolicy(p *Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithDetector replaces the default detector.
func WithDetector(d *Detector) Option {
	return func(o *Orchestrator) { o.detector = d }
}

// WithClock substitutes the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithCycleHook registers a callback invoked after every cycle, including
// skipped and failed ones. The hook runs on the submitting goroutine while
// the cycle lock is held, so it must not block.
func WithCycleHook(fn func(CycleRecord)) Option {
	return func(o *Orchestrator) { o.onCycle = fn }
}

// WithPanelSleep makes the orchestrator wake the panel before each
// dispatched update and put it back into deep sleep afterwards. Skipped
// cycles leave the panel untouched.
func WithPanelSleep(enabled bool) Option {
	return func(o *Orchestrator) { o.sleeps = enabled }
}

// New builds an orchestrator for one panel.
func New(driver Driver, layout *Layout, opts ...Option) (*Orchestrator, error) {
	if driver == nil {
		return nil, &ConfigError{Reason: "orchestrator requires a driver"}
	}
	if layout == nil {
		return nil, &ConfigError{Reason: "orchestrator requires a layout"}
	}
	o := &Orchestrator{
		driver: driver,
		layout: layout,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.policy == nil {
		p, err := NewPolicy(layout.Width(), layout.Height(), 0, 0, 0)
		if err != nil {
			return nil, err
		}
		o.policy = p
	}
	if o.detector == nil {
		d, err := NewDetector(layout, 0)
		if err != nil {
			return nil, err
		}
		o.detector = d
	}
	return o, nil
}

// Submit runs one full decision cycle for new content and returns the
// strategy that was applied. Calls are serialized in submission order; a
// call blocks while a previous cycle's driver operation is still in flight.
//
// The snapshot advances only after the driver reports success. On failure
// the next cycle diffs against the old snapshot and therefore recomputes
// the same change set or a superset of it, which retries the visual update
// naturally.
func (o *Orchestrator) Submit(ctx context.Context, c Content) (Strategy, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := o.now()
	diff := o.detector.Diff(c, o.snap)
	regions := Coalesce(diff.Regions)

	strategy, err := o.policy.Decide(regions, start, o.hist)
	if err != nil {
		o.finishCycle(start, strategy, regions, err)
		return strategy, err
	}

	if strategy == StrategySkip {
		o.finishCycle(start, strategy, regions, nil)
		return StrategySkip, nil
	}

	if c.Frame == nil {
		err := fmt.Errorf("refresh: content has no frame to dispatch")
		o.finishCycle(start, strategy, regions, err)
		return strategy, err
	}

	if o.sleeps {
		if err := o.driver.Wake(ctx); err != nil {
			err = fmt.Errorf("refresh: wake display: %w", err)
			o.finishCycle(start, strategy, regions, err)
			return strategy, err
		}
	}

	var dispatchErr error
	switch strategy {
	case StrategyFull:
		dispatchErr = o.withTimeoutRetry(ctx, func() error {
			return o.driver.FullUpdate(ctx, c.Frame)
		})
	case StrategyPartial:
		for _, r := range regions {
			dispatchErr = o.withTimeoutRetry(ctx, func() error {
				return o.driver.PartialUpdate(ctx, r, c.Frame)
			})
			if dispatchErr != nil {
				break
			}
		}
	}
	if dispatchErr != nil {
		o.finishCycle(start, strategy, regions, dispatchErr)
		return strategy, dispatchErr
	}

	o.snap = NewSnapshot(c)
	o.hist = o.hist.Advance(strategy, start)

	if o.sleeps {
		if err := o.driver.Sleep(); err != nil {
			appLog.Error("display sleep failed", err)
		}
	}

	o.finishCycle(start, strategy, regions, nil)
	return strategy, nil
}

// withTimeoutRetry runs one driver operation, retrying exactly once after a
// re-initialization when the panel's busy-wait timed out. Communication
// errors are surfaced immediately; a wedged transport does not get better
// by resending.
func (o *Orchestrator) withTimeoutRetry(ctx context.Context, op func() error) error {
	err := op()
	var timeout *DriverTimeoutError
	if err == nil || !errors.As(err, &timeout) {
		return err
	}
	appLog.Error("display update timed out; reinitializing and retrying once", err)
	if initErr := o.driver.Initialize(ctx); initErr != nil {
		return fmt.Errorf("refresh: reinitialize after timeout: %w", initErr)
	}
	return op()
}

func (o *Orchestrator) finishCycle(start time.Time, s Strategy, regions []Region, err error) {
	rec := CycleRecord{
		At:          start,
		Strategy:    s,
		Regions:     len(regions),
		ChangedArea: totalArea(regions),
		Duration:    o.now().Sub(start),
	}
	if err != nil {
		rec.Err = err.Error()
	}

	o.statMu.Lock()
	o.last = rec
	o.cycles++
	o.histSnap = o.hist
	switch {
	case err != nil:
		o.totals.Failed++
	case s == StrategyFull:
		o.totals.Full++
	case s == StrategyPartial:
		o.totals.Partial++
	default:
		o.totals.Skip++
	}
	o.statMu.Unlock()

	if err != nil {
		appLog.Error("refresh cycle failed", err,
			"strategy", s.String(),
			"regions", rec.Regions,
			"changed_area", rec.ChangedArea,
		)
	} else {
		appLog.Info("refresh cycle completed",
			"strategy", s.String(),
			"regions", rec.Regions,
			"changed_area", rec.ChangedArea,
			"duration_ms", rec.Duration.Milliseconds(),
		)
	}

	if o.onCycle != nil {
		o.onCycle(rec)
	}
}

// History returns the refresh history as of the last completed cycle.
func (o *Orchestrator) History() History {
	o.statMu.RLock()
	defer o.statMu.RUnlock()
	return o.histSnap
}

// LastCycle returns the most recent cycle record, if any cycle ran yet.
func (o *Orchestrator) LastCycle() (CycleRecord, bool) {
	o.statMu.RLock()
	defer o.statMu.RUnlock()
	return o.last, o.cycles > 0
}

// CycleTotals returns cycle counts by outcome.
func (o *Orchestrator) CycleTotals() Totals {
	o.statMu.RLock()
	defer o.statMu.RUnlock()
	return o.totals
}

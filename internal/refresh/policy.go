package refresh

import (
	"fmt"
	"time"
)

// Strategy is the outcome of one refresh decision cycle.
type Strategy int

const (
	// StrategySkip issues no panel operation at all.
	StrategySkip Strategy = iota
	// StrategyPartial redraws only the changed regions.
	StrategyPartial
	// StrategyFull redraws the entire panel, clearing accumulated ghosting.
	StrategyFull
)

func (s Strategy) String() string {
	switch s {
	case StrategySkip:
		return "skip"
	case StrategyPartial:
		return "partial"
	case StrategyFull:
		return "full"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Default policy settings. Partial refreshes leave residual ghosting on
// e-ink, so both an elapsed-time bound and a consecutive-count bound force
// periodic full redraws; the area threshold promotes large partial batches
// to a single full refresh, which is both faster and cleaner.
const (
	DefaultMinFullInterval   = 60 * time.Second
	DefaultMaxPartialUpdates = 5
	DefaultAreaThreshold     = 0.5
	DefaultChangeThreshold   = 0.05
)

// History is the per-panel refresh memory: when the last full refresh
// happened and how many partial refreshes have run since. It lives only for
// the process lifetime; a restart loses it, which together with the lost
// snapshot forces a clean full refresh on the first cycle.
type History struct {
	// LastFull is the time of the last full refresh; the zero value means
	// none has happened yet.
	LastFull time.Time
	// ConsecutivePartials counts partial refreshes since the last full.
	ConsecutivePartials int
}

// Advance returns the history after a successfully dispatched strategy.
// Full resets the partial run, partial extends it, skip changes nothing.
func (h History) Advance(s Strategy, now time.Time) History {
	switch s {
	case StrategyFull:
		return History{LastFull: now}
	case StrategyPartial:
		h.ConsecutivePartials++
		return h
	default:
		return h
	}
}

// Policy decides FULL, PARTIAL or SKIP for a cycle. Decisions are a pure
// function of the coalesced regions, the current time and the history; the
// policy itself holds only immutable settings.
type Policy struct {
	width           int
	height          int
	minFullInterval time.Duration
	maxPartials     int
	areaThreshold   float64
}

// NewPolicy builds a policy for a width x height panel. Zero values select
// the defaults; negative or out-of-range settings are rejected.
func NewPolicy(width, height int, minFullInterval time.Duration, maxPartials int, areaThreshold float64) (*Policy, error) {
	if width <= 0 || height <= 0 {
		return nil, &ConfigError{Reason: fmt.Sprintf("display size %dx%d is not positive", width, height)}
	}
	if minFullInterval < 0 {
		return nil, &ConfigError{Reason: "min full refresh interval must not be negative"}
	}
	if minFullInterval == 0 {
		minFullInterval = DefaultMinFullInterval
	}
	if maxPartials < 0 {
		return nil, &ConfigError{Reason: "max partial updates must not be negative"}
	}
	if maxPartials == 0 {
		maxPartials = DefaultMaxPartialUpdates
	}
	if areaThreshold < 0 || areaThreshold > 1 {
		return nil, &ConfigError{Reason: "area threshold must be within [0,1]"}
	}
	if areaThreshold == 0 {
		areaThreshold = DefaultAreaThreshold
	}
	return &Policy{
		width:           width,
		height:          height,
		minFullInterval: minFullInterval,
		maxPartials:     maxPartials,
		areaThreshold:   areaThreshold,
	}, nil
}

// Decide selects the strategy for one cycle.
//
// No changed regions means nothing moved visually, so the panel is left
// alone. A full refresh is forced when there is no prior full, when the
// last one is older than the minimum interval, or when this cycle would be
// the maxPartials-th consecutive partial; these bound how long partial
// artifacts can accumulate. A change covering more than the area threshold
// of the panel is also promoted to full, since a near-whole partial redraw
// is slower and dirtier than one clean full refresh. Everything else runs
// partial.
//
// Regions are validated against the panel bounds first; an invalid region
// rejects the whole cycle.
func (p *Policy) Decide(regions []Region, now time.Time, h History) (Strategy, error) {
	for _, r := range regions {
		if err := r.Validate(p.width, p.height); err != nil {
			return StrategySkip, err
		}
	}
	if len(regions) == 0 {
		return StrategySkip, nil
	}
	if h.LastFull.IsZero() {
		return StrategyFull, nil
	}
	if now.Sub(h.LastFull) > p.minFullInterval {
		return StrategyFull, nil
	}
	if h.ConsecutivePartials+1 >= p.maxPartials {
		return StrategyFull, nil
	}
	if float64(totalArea(regions)) > p.areaThreshold*float64(p.width*p.height) {
		return StrategyFull, nil
	}
	return StrategyPartial, nil
}

func totalArea(regions []Region) int {
	total := 0
	for _, r := range regions {
		total += r.Area()
	}
	return total
}

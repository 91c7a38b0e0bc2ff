package refresh

import (
	"fmt"
	"time"
)

// DriverTimeoutError reports that the panel did not leave its busy state
// within the driver's wait ceiling during an update. The orchestrator
// retries the failed operation once after re-initializing the driver; a
// second timeout is surfaced to the caller.
type DriverTimeoutError struct {
	// Op names the operation that timed out ("full", "partial", "busy-wait").
	Op string
	// Wait is how long the driver waited before giving up.
	Wait time.Duration
}

func (e *DriverTimeoutError) Error() string {
	return fmt.Sprintf("refresh: display driver timed out during %s after %s", e.Op, e.Wait)
}

// DriverCommError reports a transport failure (SPI, GPIO) while talking to
// the panel. It is never retried automatically; the cycle fails and the
// snapshot stays as it was.
type DriverCommError struct {
	Op  string
	Err error
}

func (e *DriverCommError) Error() string {
	return fmt.Sprintf("refresh: display driver communication failed during %s: %v", e.Op, e.Err)
}

func (e *DriverCommError) Unwrap() error { return e.Err }

// InvalidRegionError reports a region that violates display bounds or the
// positive-size invariant. Regions are never clamped; a bad region means the
// layout table or the change detector produced something inconsistent with
// the physical panel, and the cycle is rejected outright.
type InvalidRegionError struct {
	Region        Region
	DisplayWidth  int
	DisplayHeight int
	Reason        string
}

func (e *InvalidRegionError) Error() string {
	return fmt.Sprintf("refresh: invalid region %s for %dx%d display: %s",
		e.Region, e.DisplayWidth, e.DisplayHeight, e.Reason)
}

// ConfigError reports a malformed layout table or policy setting. It is
// returned from constructors only; once an orchestrator is built its
// configuration is known good.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "refresh: configuration: " + e.Reason
}

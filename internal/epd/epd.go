// Package epd drives the Waveshare 4.2" e-paper panel (UC8176 controller)
// over SPI, in pure Go via periph.io instead of the vendor C SDK. The panel
// is 400x300 1bpp and supports windowed partial refresh, which the refresh
// orchestrator uses for small content changes. Off the Pi, a pixel-buffer
// simulator stands in for the hardware.
package epd

import "time"

// Standard Waveshare e-paper HAT wiring (BCM numbering).
const (
	defaultResetPin = 17
	defaultDCPin    = 25
	defaultCSPin    = 8
	defaultBusyPin  = 24
)

// DefaultBusyTimeout caps a single busy-wait. The 4.2" panel refreshes in
// about 4s full and under a second partial; a controller still busy long
// past that is wedged and needs a reset, not more patience.
const DefaultBusyTimeout = 30 * time.Second

// PanelOptions configure the SPI panel driver. Zero values select the
// standard HAT wiring and defaults.
type PanelOptions struct {
	// SPIPort names the SPI port; empty selects the first registered port,
	// /dev/spidev0.0 on a Raspberry Pi.
	SPIPort string

	// BCM pin numbers.
	ResetPin int
	DCPin    int
	CSPin    int
	BusyPin  int

	BusyTimeout time.Duration
}

func (o PanelOptions) withDefaults() PanelOptions {
	if o.ResetPin == 0 {
		o.ResetPin = defaultResetPin
	}
	if o.DCPin == 0 {
		o.DCPin = defaultDCPin
	}
	if o.CSPin == 0 {
		o.CSPin = defaultCSPin
	}
	if o.BusyPin == 0 {
		o.BusyPin = defaultBusyPin
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = DefaultBusyTimeout
	}
	return o
}

//go:build linux && arm

package epd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"inkcal/internal/convert"
	"inkcal/internal/refresh"
)

// UC8176 command set, from the Waveshare EPD_4in2 C reference. Only the
// registers this driver touches are listed.
const (
	cmdPanelSetting     = 0x00
	cmdPowerSetting     = 0x01
	cmdPowerOff         = 0x02
	cmdPowerOn          = 0x04
	cmdBoosterSoftStart = 0x06
	cmdDeepSleep        = 0x07
	cmdDataOld          = 0x10 // previous frame SRAM
	cmdRefresh          = 0x12
	cmdDataNew          = 0x13 // new frame SRAM
	cmdVCOMInterval     = 0x50
	cmdResolution       = 0x61
	cmdGetStatus        = 0x71
	cmdPartialWindow    = 0x90
	cmdPartialIn        = 0x91
	cmdPartialOut       = 0x92
)

// spiHz is conservative; the UC8176 is rated well above this but the HAT
// wiring is long.
const spiHz = 2 * physic.MegaHertz

// Panel is the SPI driver for the 4.2" panel. It is the Go equivalent of
// the DEV_* layer plus the EPD_4IN2_* sequences from the C reference,
// reduced to the mono (KW) path.
//
// Panel is not safe for concurrent use; the refresh orchestrator serializes
// all calls.
type Panel struct {
	opts PanelOptions

	port spi.PortCloser
	conn spi.Conn

	cs   gpio.PinOut
	dc   gpio.PinOut
	rst  gpio.PinOut
	busy gpio.PinIn

	// lastPlane mirrors the packed plane currently on glass. The controller
	// compares old and new data to build the refresh waveform, so every
	// update resends the previous frame under cmdDataOld.
	lastPlane []byte

	asleep bool
}

// OpenPanel initializes periph.io, opens the SPI bus, claims the GPIO pins
// and runs the panel's power-on sequence.
func OpenPanel(ctx context.Context, opts PanelOptions) (*Panel, error) {
	opts = opts.withDefaults()

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("epd: periph host init failed: %w", err)
	}

	port, err := spireg.Open(opts.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("epd: failed to open SPI port: %w", err)
	}
	conn, err := port.Connect(spiHz, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("epd: failed to connect SPI: %w", err)
	}

	gpioOut := func(num int, level gpio.Level) (gpio.PinOut, error) {
		name := fmt.Sprintf("GPIO%d", num)
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("epd: gpio %s not found", name)
		}
		if err := p.Out(level); err != nil {
			return nil, fmt.Errorf("epd: gpio %s: %w", name, err)
		}
		return p, nil
	}
	gpioIn := func(num int) (gpio.PinIn, error) {
		name := fmt.Sprintf("GPIO%d", num)
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("epd: gpio %s not found", name)
		}
		if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("epd: gpio %s: %w", name, err)
		}
		return p, nil
	}

	p := &Panel{opts: opts, port: port, conn: conn}
	p.cs, err = gpioOut(opts.CSPin, gpio.High)
	if err == nil {
		p.dc, err = gpioOut(opts.DCPin, gpio.Low)
	}
	if err == nil {
		p.rst, err = gpioOut(opts.ResetPin, gpio.High)
	}
	if err == nil {
		p.busy, err = gpioIn(opts.BusyPin)
	}
	if err != nil {
		_ = port.Close()
		return nil, err
	}

	if err := p.Initialize(ctx); err != nil {
		_ = port.Close()
		return nil, err
	}
	return p, nil
}

// Close powers the panel down and releases the SPI port.
func (p *Panel) Close() error {
	if !p.asleep {
		_ = p.Sleep()
	}
	return p.port.Close()
}

// Initialize resets the controller and replays the register setup. It is
// also the recovery path after a busy-wait timeout and after deep sleep.
func (p *Panel) Initialize(ctx context.Context) error {
	p.reset()
	if err := p.initPanel(ctx); err != nil {
		return p.commErr("init", err)
	}
	p.asleep = false
	return nil
}

// FullUpdate transmits the whole frame and runs a full refresh, clearing
// any ghosting from earlier partial updates.
func (p *Panel) FullUpdate(ctx context.Context, frame image.Image) error {
	plane, err := convert.PackMono(frame)
	if err != nil {
		return fmt.Errorf("epd: full update: %w", err)
	}

	old := p.lastPlane
	if old == nil {
		old = whitePlane()
	}
	if err := p.sendCommand(cmdDataOld); err != nil {
		return p.commErr("full update", err)
	}
	if err := p.sendDataBulk(old); err != nil {
		return p.commErr("full update", err)
	}
	if err := p.sendCommand(cmdDataNew); err != nil {
		return p.commErr("full update", err)
	}
	if err := p.sendDataBulk(plane); err != nil {
		return p.commErr("full update", err)
	}
	if err := p.turnOnDisplay(ctx, "full refresh"); err != nil {
		return p.commErr("full update", err)
	}

	p.lastPlane = plane
	return nil
}

// PartialUpdate redraws only the window covered by r. The horizontal extent
// is widened to whole bytes first; the controller addresses columns in
// groups of eight and must never be given less than the changed area.
func (p *Panel) PartialUpdate(ctx context.Context, r refresh.Region, frame image.Image) error {
	if p.lastPlane == nil {
		return fmt.Errorf("epd: partial update without a prior full refresh")
	}

	x, w := convert.AlignWindow(r.X, r.Width)
	win, err := convert.PackWindow(frame, x, r.Y, w, r.Height)
	if err != nil {
		return fmt.Errorf("epd: partial update: %w", err)
	}
	oldWin := p.windowFromLast(x, r.Y, w, r.Height)

	if err := p.sendCommand(cmdPartialIn); err != nil {
		return p.commErr("partial update", err)
	}
	if err := p.setPartialWindow(x, r.Y, w, r.Height); err != nil {
		return p.commErr("partial update", err)
	}
	if err := p.sendCommand(cmdDataOld); err != nil {
		return p.commErr("partial update", err)
	}
	if err := p.sendDataBulk(oldWin); err != nil {
		return p.commErr("partial update", err)
	}
	if err := p.sendCommand(cmdDataNew); err != nil {
		return p.commErr("partial update", err)
	}
	if err := p.sendDataBulk(win); err != nil {
		return p.commErr("partial update", err)
	}
	if err := p.turnOnDisplay(ctx, "partial refresh"); err != nil {
		return p.commErr("partial update", err)
	}
	if err := p.sendCommand(cmdPartialOut); err != nil {
		return p.commErr("partial update", err)
	}

	p.storeWindow(win, x, r.Y, w, r.Height)
	return nil
}

// Sleep powers the panel off and enters deep sleep. The glass keeps its
// image without power; only a hardware reset wakes the controller again.
func (p *Panel) Sleep() error {
	if p.asleep {
		return nil
	}
	if err := p.sendCommand(cmdPowerOff); err != nil {
		return p.commErr("sleep", err)
	}
	if err := p.waitIdle(context.Background(), "power off"); err != nil {
		return err
	}
	if err := p.sendCommand(cmdDeepSleep); err != nil {
		return p.commErr("sleep", err)
	}
	if err := p.sendData(0xA5); err != nil {
		return p.commErr("sleep", err)
	}
	p.asleep = true
	return nil
}

// Wake leaves deep sleep. Deep sleep drops all register state, so waking is
// a full reinitialization; the in-memory frame reference stays valid since
// the glass held its image.
func (p *Panel) Wake(ctx context.Context) error {
	if !p.asleep {
		return nil
	}
	return p.Initialize(ctx)
}

// Clear pushes an all-white frame, the recommended state before powering
// the panel down for storage.
func (p *Panel) Clear(ctx context.Context) error {
	white := image.NewNRGBA(image.Rect(0, 0, convert.EPDWidth, convert.EPDHeight))
	for i := range white.Pix {
		white.Pix[i] = 0xFF
	}
	return p.FullUpdate(ctx, white)
}

// initPanel is the Go port of EPD_4IN2_Init, mono path. The panel setting
// selects the factory (OTP) waveforms; loading the vendor's quick-refresh
// LUT over cmd 0x20..0x24 would make partials flashless.
// TODO: port the register LUT tables from the C reference for that.
func (p *Panel) initPanel(ctx context.Context) error {
	// power setting: VDS_EN, VDG_EN internal, VDH/VDL +-11V
	if err := p.cmd(cmdPowerSetting, 0x03, 0x00, 0x2B, 0x2B); err != nil {
		return err
	}
	// booster soft start: 10ms phases
	if err := p.cmd(cmdBoosterSoftStart, 0x17, 0x17, 0x17); err != nil {
		return err
	}
	if err := p.cmd(cmdPowerOn); err != nil {
		return err
	}
	if err := p.waitIdle(ctx, "power on"); err != nil {
		return err
	}
	// panel setting: KW mode, OTP LUT, scan up, shift right, booster on
	if err := p.cmd(cmdPanelSetting, 0x1F); err != nil {
		return err
	}
	// resolution: 400x300
	if err := p.cmd(cmdResolution, 0x01, 0x90, 0x01, 0x2C); err != nil {
		return err
	}
	// VCOM and data interval: white border
	return p.cmd(cmdVCOMInterval, 0x97)
}

// setPartialWindow programs the partial window registers. Coordinates are
// inclusive on both ends; the horizontal extent must be byte aligned.
func (p *Panel) setPartialWindow(x, y, w, h int) error {
	xEnd := x + w - 1
	yEnd := y + h - 1
	return p.cmd(cmdPartialWindow,
		byte(x>>8), byte(x),
		byte(xEnd>>8), byte(xEnd),
		byte(y>>8), byte(y),
		byte(yEnd>>8), byte(yEnd),
		0x28, // PT_SCAN
	)
}

// turnOnDisplay triggers the refresh and waits for the controller to go
// idle again.
func (p *Panel) turnOnDisplay(ctx context.Context, op string) error {
	if err := p.sendCommand(cmdRefresh); err != nil {
		return err
	}
	delayMs(100)
	return p.waitIdle(ctx, op)
}

// waitIdle polls the busy line until the controller reports ready. BUSY is
// active low on the UC8176; cmdGetStatus refreshes the flag. The wait is
// bounded by the configured busy timeout.
func (p *Panel) waitIdle(ctx context.Context, op string) error {
	deadline := time.Now().Add(p.opts.BusyTimeout)
	for {
		_ = p.sendCommand(cmdGetStatus)
		if p.busy.Read() == gpio.High {
			return nil
		}
		if time.Now().After(deadline) {
			return &refresh.DriverTimeoutError{Op: op, Wait: p.opts.BusyTimeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// reset pulses the hardware reset line, the equivalent of EPD_Reset.
func (p *Panel) reset() {
	digitalWrite(p.rst, true)
	delayMs(200)
	digitalWrite(p.rst, false)
	delayMs(10)
	digitalWrite(p.rst, true)
	delayMs(200)
}

// cmd sends a command byte followed by its parameter bytes.
func (p *Panel) cmd(reg byte, data ...byte) error {
	if err := p.sendCommand(reg); err != nil {
		return err
	}
	for _, b := range data {
		if err := p.sendData(b); err != nil {
			return err
		}
	}
	return nil
}

func (p *Panel) sendCommand(reg byte) error {
	digitalWrite(p.dc, false)
	digitalWrite(p.cs, false)
	err := p.conn.Tx([]byte{reg}, nil)
	digitalWrite(p.cs, true)
	return err
}

func (p *Panel) sendData(b byte) error {
	digitalWrite(p.dc, true)
	digitalWrite(p.cs, false)
	err := p.conn.Tx([]byte{b}, nil)
	digitalWrite(p.cs, true)
	return err
}

// sendDataBulk streams a buffer with DC held high, chunked under the SPI
// transfer size limit.
func (p *Panel) sendDataBulk(buf []byte) error {
	digitalWrite(p.dc, true)
	digitalWrite(p.cs, false)
	defer digitalWrite(p.cs, true)

	const chunk = 2048
	for off := 0; off < len(buf); off += chunk {
		end := off + chunk
		if end > len(buf) {
			end = len(buf)
		}
		if err := p.conn.Tx(buf[off:end], nil); err != nil {
			return err
		}
	}
	return nil
}

// windowFromLast copies a window's bytes out of the plane currently on
// glass, for the controller's old-data SRAM.
func (p *Panel) windowFromLast(x, y, w, h int) []byte {
	stride := w / 8
	out := make([]byte, stride*h)
	for row := 0; row < h; row++ {
		src := (y+row)*convert.EPDByteStride + x/8
		copy(out[row*stride:(row+1)*stride], p.lastPlane[src:src+stride])
	}
	return out
}

// storeWindow writes a window's bytes back into the mirrored plane after a
// successful partial refresh.
func (p *Panel) storeWindow(win []byte, x, y, w, h int) {
	stride := w / 8
	for row := 0; row < h; row++ {
		dst := (y+row)*convert.EPDByteStride + x/8
		copy(p.lastPlane[dst:dst+stride], win[row*stride:(row+1)*stride])
	}
}

// commErr wraps transport failures, passing through errors that already
// carry refresh semantics (timeouts, cancellation).
func (p *Panel) commErr(op string, err error) error {
	var te *refresh.DriverTimeoutError
	if errors.As(err, &te) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &refresh.DriverCommError{Op: op, Err: err}
}

func whitePlane() []byte {
	plane := make([]byte, convert.EPDPlaneSize)
	for i := range plane {
		plane[i] = 0xFF
	}
	return plane
}

func digitalWrite(pin gpio.PinOut, value bool) {
	if value {
		_ = pin.Out(gpio.High)
	} else {
		_ = pin.Out(gpio.Low)
	}
}

func delayMs(ms uint32) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}
